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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/kaganisildak/tansiv/internal/util/gracefulshutdown"
	"github.com/kaganisildak/tansiv/internal/util/httputil"
	"github.com/kaganisildak/tansiv/pkg/backend"
	"github.com/kaganisildak/tansiv/pkg/identity"
	"github.com/kaganisildak/tansiv/pkg/launcher"
	"github.com/kaganisildak/tansiv/pkg/vmm"
)

const (
	// FirstFleetDescriptor is the descriptor of the first VM of a fleet.
	FirstFleetDescriptor = 10
	maxFleetSize         = 254 - FirstFleetDescriptor + 1
)

var (
	errFleetSize         = errors.New("invalid fleet size")
	errFleetNeedsProcess = errors.New("fleets only run direct backends")
)

// fleetInput returns the identity of the i-th VM of a fleet.
func fleetInput(i int) identity.Input {
	d := FirstFleetDescriptor + i
	return identity.Input{
		Tantap:     fmt.Sprintf("192.168.1.%d/24", d),
		Management: fmt.Sprintf("10.0.0.%d/24", d),
		Descriptor: d,
		Source:     identity.DescriptorExplicit,
	}
}

func newFleetCmd(root *rootOptions) *cobra.Command {
	var (
		sFlags specFlags
		number int
		mode   string
		socket string
	)

	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Boot several VMs on this host and wait for them",
		Long: fmt.Sprintf(`Boot --number VMs with descriptors %d, %d, ... and addresses
192.168.1.<descriptor>/24 and 10.0.0.<descriptor>/24, then wait for every one
of them. SIGINT and SIGTERM kill the whole fleet.`, FirstFleetDescriptor, FirstFleetDescriptor+1),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("mode") {
				cfg.Backend = mode
			}
			if cmd.Flags().Changed("socket") {
				cfg.SocketName = socket
			}
			if err := sFlags.apply(cmd, cfg); err != nil {
				return err
			}
			if number < 1 || number > maxFleetSize {
				return fmt.Errorf("%w: %d is not in [1, %d]", errFleetSize, number, maxFleetSize)
			}
			if kind, _ := backend.ParseKind(cfg.Backend); kind.Templated() {
				return fmt.Errorf("%w: %s", errFleetNeedsProcess, kind)
			}

			key, err := publicKey(cfg, cmd.Flags().Changed("public-key"), root.log)
			if err != nil {
				return err
			}

			st, err := newStack(cfg, root.log)
			if err != nil {
				return err
			}

			root.logger.Info("starting fleet", "version", Version, "number", number, "backend", cfg.Backend)

			// --------------------------------------------- Graceful Shutdown ------------------------------------------ //

			gs := gracefulshutdown.New(Name)
			ctx := gs.Context()

			fleet := launcher.NewFleet(root.log)
			gs.OnSignal(func(os.Signal) {
				if err := fleet.Terminate(); err != nil {
					root.log.Error("terminating fleet", "error", err.Error())
				}
			})

			// --------------------------------------------- Boot ------------------------------------------------------- //

			for i := range number {
				req := vmm.Request{
					Identity:       fleetInput(i),
					Spec:           cfg.BootSpec(),
					PublicKey:      key,
					BaseWorkingDir: cfg.BaseWorkingDir,
					AutoconfigNet:  cfg.AutoconfigNet,
				}
				if err := bootInto(ctx, root.log, st.vmm, fleet, req); err != nil {
					_ = fleet.Terminate()
					_ = fleet.Wait()
					return err
				}
			}

			// --------------------------------------------- Wait ------------------------------------------------------- //

			gs.WaitGroup().Add(1)
			go func() {
				code := 0
				if err := fleet.Wait(); err != nil {
					root.log.Error("fleet exited", "error", err.Error())
					code = 1
				}

				// Done must precede Shutdown, which waits on the group.
				gs.WaitGroup().Done()
				gs.Shutdown(code)
			}()

			if cfg.MetricsServer.Addr != "" {
				httputil.Serve(map[string]*http.Server{
					"metrics": httputil.NewMetricsServer(cfg.MetricsServer.Addr, cfg.MetricsServer.Path, st.registry),
				}, gs)
			} else {
				gs.Ready()
			}

			gs.Wait()

			return nil
		},
	}

	cmd.Flags().IntVar(&number, "number", 2, "number of VMs to start")
	cmd.Flags().StringVar(&mode, "mode", string(backend.KindTap), "backend of every VM: tap, icount or kvm")
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket of the tansiv coordinator")
	sFlags.register(cmd)

	return cmd
}

// bootInto boots req and hands its process to fleet.
func bootInto(ctx context.Context, log *slog.Logger, v *vmm.VMM, fleet *launcher.Fleet, req vmm.Request) error {
	d := req.Identity.Descriptor
	if err := fleet.Reserve(d); err != nil {
		return err
	}

	meta, err := v.Boot(ctx, req)
	if err != nil {
		fleet.Release(d)
		return err
	}

	log.Info("booted fleet VM", "hostname", meta.Identity.Hostname, "pid", meta.Instance.PID())
	return fleet.Add(d, meta.Instance)
}
