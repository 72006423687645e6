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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kaganisildak/tansiv/internal/util/gracefulshutdown"
	"github.com/kaganisildak/tansiv/pkg/vmm"
)

func newBootCmd(root *rootOptions) *cobra.Command {
	var (
		idFlags identityFlags
		sFlags  specFlags
	)

	cmd := &cobra.Command{
		Use:   "boot SOCKET MODE IP_TANTAP IP_MANAGEMENT [DESCRIPTOR]",
		Short: "Boot one VM",
		Long: `Boot one VM wired to the tantap and management networks.

MODE is one of tap, icount, kvm, libvirt, libvirt-vmi (or libvirt_vmi) and xen.
SOCKET is the unix socket of the tansiv coordinator; it is ignored by tap.
IP_TANTAP and IP_MANAGEMENT are interface addresses in CIDR notation.

Direct backends keep running in the foreground until the VM exits; SIGINT and
SIGTERM kill it. Libvirt and xen backends return once the domain is created.`,
		Args: cobra.RangeArgs(4, 5),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			cfg.SocketName = args[0]
			cfg.Backend = args[1]
			if err := sFlags.apply(cmd, cfg); err != nil {
				return err
			}

			in, err := idFlags.input(cmd, cfg, args[2:])
			if err != nil {
				return err
			}

			key, err := publicKey(cfg, cmd.Flags().Changed("public-key"), root.log)
			if err != nil {
				return err
			}

			st, err := newStack(cfg, root.log)
			if err != nil {
				return err
			}

			root.logger.Info("starting", "version", Version, "commit", CommitSHA, "built", BuildTimestamp)

			// --------------------------------------------- Graceful Shutdown ------------------------------------------ //

			gs := gracefulshutdown.New(Name)
			ctx := gs.Context()

			// --------------------------------------------- Boot ------------------------------------------------------- //

			meta, err := st.vmm.Boot(ctx, vmm.Request{
				Identity:       in,
				Spec:           cfg.BootSpec(),
				PublicKey:      key,
				BaseWorkingDir: cfg.BaseWorkingDir,
				AutoconfigNet:  cfg.AutoconfigNet,
			})
			if err != nil {
				return err
			}

			printMetadata(cmd.OutOrStdout(), meta)

			if meta.Instance == nil {
				return nil
			}

			// --------------------------------------------- Wait ------------------------------------------------------- //

			gs.WaitGroup().Add(1)
			go func() {
				err := meta.Instance.Wait()
				if err != nil {
					root.log.Error("VM exited", "hostname", meta.Identity.Hostname, "error", err.Error())
				}

				// Done must precede Shutdown, which waits on the group.
				gs.WaitGroup().Done()
				gs.Shutdown(exitCode(err))
			}()
			gs.Ready()

			gs.Wait()

			return nil
		},
	}

	idFlags.register(cmd)
	sFlags.register(cmd)

	return cmd
}

func printMetadata(w io.Writer, meta *vmm.Metadata) {
	_, _ = fmt.Fprintf(w, "hostname: %s\n", meta.Identity.Hostname)
	_, _ = fmt.Fprintf(w, "workdir: %s\n", meta.WorkDir)
	_, _ = fmt.Fprintf(w, "gdb: tcp::%d\n", meta.Plan.GDBPort)
	if meta.Instance != nil {
		_, _ = fmt.Fprintf(w, "pid: %d\n", meta.Instance.PID())
	}
	if meta.Result != nil {
		_, _ = fmt.Fprintf(w, "domain: %s\n", meta.Result.DomainName)
		if meta.Result.DomainID != "" {
			_, _ = fmt.Fprintf(w, "domid: %s\n", meta.Result.DomainID)
		}
	}
}
