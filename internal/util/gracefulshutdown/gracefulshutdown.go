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

package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultSignals are the signals caught when none are given.
var DefaultSignals = []os.Signal{unix.SIGINT, unix.SIGTERM}

// GracefulShutdown cancels a context when one of its signals is received,
// hands the signal to every registered hook, waits for the wait group then
// exits.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once      sync.Once
	readyOnce sync.Once
	wg        *sync.WaitGroup

	// ready is closed when Ready() is called, signaling that all Add() calls have been made.
	ready chan struct{}
	// done is closed once the exit function returned.
	done chan struct{}

	signals chan os.Signal

	mu       sync.Mutex
	received os.Signal
	hooks    []func(os.Signal)

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit creates a GracefulShutdown with a custom exit function, catching
// sigs or DefaultSignals when sigs is empty.
func NewWithExit(name string, exitFunc func(int), sigs ...os.Signal) *GracefulShutdown {
	if len(sigs) == 0 {
		sigs = DefaultSignals
	}

	ctx, cancel := context.WithCancel(context.Background())

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		wg:       &sync.WaitGroup{},
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		signals:  make(chan os.Signal, 1),
		exitFunc: exitFunc,
	}

	signal.Notify(gs.signals, sigs...)

	go func() {
		select {
		case sig := <-gs.signals:
			gs.deliver(sig)
		case <-ctx.Done():
		}
		signal.Stop(gs.signals)

		select {
		case <-gs.ready:
		default:
			slog.Warn("graceful shutdown triggered before Ready() was called", "name", gs.name)
		}
		gs.Shutdown(0)
	}()

	return gs
}

// New creates a GracefulShutdown exiting through os.Exit.
func New(name string, sigs ...os.Signal) *GracefulShutdown {
	return NewWithExit(name, os.Exit, sigs...)
}

// OnSignal registers fn to be called with the caught signal before the
// context is cancelled. Hooks run in registration order.
func (s *GracefulShutdown) OnSignal(fn func(os.Signal)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Received returns the caught signal, or nil if shutdown was not triggered by
// a signal.
func (s *GracefulShutdown) Received() os.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Trigger behaves as if sig had been caught.
func (s *GracefulShutdown) Trigger(sig os.Signal) {
	select {
	case s.signals <- sig:
	default:
	}
}

func (s *GracefulShutdown) deliver(sig os.Signal) {
	s.mu.Lock()
	s.received = sig
	hooks := append([]func(os.Signal){}, s.hooks...)
	s.mu.Unlock()

	slog.Info("caught signal", "name", s.name, "signal", sig.String())
	for _, fn := range hooks {
		fn(sig)
	}
	s.cancel()
}

// Shutdown shuts down the application gracefully.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.InfoContext(s.ctx, "gracefully shutting down", "name", s.name)

		s.cancel()
		s.wg.Wait()
		s.exitFunc(exitCode)
		close(s.done)
	})
}

// Wait blocks until Shutdown has completed. With os.Exit as the exit
// function it never returns.
func (s *GracefulShutdown) Wait() {
	<-s.done
}

// Context returns the context of the graceful shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the cancel function of the graceful shutdown.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// WaitGroup returns the wait group of the graceful shutdown.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}

// Ready signals that all WaitGroup.Add() calls have been made.
//
// Ready is safe to call multiple times; only the first call has any effect.
func (s *GracefulShutdown) Ready() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}
