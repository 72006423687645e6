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
	"strings"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/kaganisildak/tansiv/pkg/identity"
	"github.com/kaganisildak/tansiv/pkg/network"
)

type nicView struct {
	Address string `json:"address"`
	Gateway string `json:"gateway"`
	MAC     string `json:"mac"`
	Tap     string `json:"tap"`
	Bridge  string `json:"bridge"`
}

type identityView struct {
	Hostname   string  `json:"hostname"`
	Descriptor int     `json:"descriptor"`
	DomainName string  `json:"domainName"`
	UUID       string  `json:"uuid"`
	GDBPort    int     `json:"gdbPort"`
	Tantap     nicView `json:"tantap"`
	Management nicView `json:"management"`
}

func newIdentityView(id identity.VMIdentity) identityView {
	nic := func(i int, p fmt.Stringer) nicView {
		return nicView{
			Address: p.String(),
			Gateway: id.Gateways[i].String(),
			MAC:     id.MACs[i],
			Tap:     id.TapNames[i],
			Bridge:  id.BridgeNames[i],
		}
	}

	return identityView{
		Hostname:   id.Hostname,
		Descriptor: id.Descriptor,
		DomainName: id.DomainName(),
		UUID:       id.UUID(),
		GDBPort:    id.GDBPort(),
		Tantap:     nic(identity.Tantap, id.Tantap),
		Management: nic(identity.Management, id.Management),
	}
}

func newIdentityCmd(root *rootOptions) *cobra.Command {
	var idFlags identityFlags

	cmd := &cobra.Command{
		Use:   "identity IP_TANTAP IP_MANAGEMENT [DESCRIPTOR]",
		Short: "Print the identity derived for a VM",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := idFlags.input(cmd, root.cfg, args)
			if err != nil {
				return err
			}

			id, err := identity.Derive(in)
			if err != nil {
				return err
			}

			b, err := yaml.Marshal(newIdentityView(id))
			if err != nil {
				return err
			}

			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}

	idFlags.register(cmd)

	return cmd
}

func newNetCmdsCmd(root *rootOptions) *cobra.Command {
	var (
		idFlags identityFlags
		queues  int
	)

	cmd := &cobra.Command{
		Use:   "net-cmds IP_TANTAP IP_MANAGEMENT [DESCRIPTOR]",
		Short: "Print the shell commands creating the host network of a VM",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := idFlags.input(cmd, root.cfg, args)
			if err != nil {
				return err
			}

			id, err := identity.Derive(in)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("queues") && root.cfg.Queues > 0 {
				queues = root.cfg.Queues
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), strings.Join(network.ShellCommands(id, queues), "\n"))
			return err
		},
	}

	idFlags.register(cmd)
	cmd.Flags().IntVar(&queues, "queues", 1, "queues of the tantap NIC")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of " + Name,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)
			return err
		},
	}
}
