/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kaganisildak/tansiv/internal/util/gracefulshutdown"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type serverNameKey struct{}

// ServerName returns the name Serve gave to the server handling ctx.
func ServerName(ctx context.Context) string {
	name, _ := ctx.Value(serverNameKey{}).(string)
	return name
}

// NewMetricsServer serves the metrics gathered by g on path.
func NewMetricsServer(addr, path string, g prometheus.Gatherer) *http.Server {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return &http.Server{ //nolint:exhaustruct
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second,
	}
}

// Serve serves the given servers until the GracefulShutdown's context is done,
// then shuts each of them down. A server failing to listen triggers a
// shutdown with exit code 1.
func Serve(servers map[string]*http.Server, gs *gracefulshutdown.GracefulShutdown) {
	for name, server := range servers {
		ctx := context.WithValue(gs.Context(), serverNameKey{}, name)

		server.BaseContext = func(_ net.Listener) context.Context {
			return ctx
		}

		gs.WaitGroup().Add(1)

		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "server failed", "server", name, "error", err.Error())

				// Done must precede Shutdown, which waits on the group.
				gs.WaitGroup().Done()
				gs.Shutdown(1)

				return
			}

			gs.WaitGroup().Done()
		}()
	}

	gs.Ready()

	<-gs.Context().Done()

	for name, server := range servers {
		ctx, cancel := context.WithTimeout(context.WithValue(context.Background(), serverNameKey{}, name), time.Minute)

		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "failed to shut down server", "server", name, "error", err.Error())
		} else {
			slog.Info("shut down server", "server", name)
		}

		cancel()
	}
}
