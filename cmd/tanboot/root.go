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
	"log/slog"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kaganisildak/tansiv/internal/config"
	"github.com/kaganisildak/tansiv/internal/util/logging"
)

// legacyFlags maps flag names of the historical boot scripts to ours.
var legacyFlags = map[string]string{ //nolint:gochecknoglobals
	"qemu-nictype":         "nic-model",
	"virtio-net-nb-queues": "queues",
	"qemu-mem":             "mem",
	"qemu-image":           "image",
}

// normalizeFlag accepts underscores and the legacy flag names.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	name = strings.ReplaceAll(name, "_", "-")
	if renamed, ok := legacyFlags[name]; ok {
		name = renamed
	}
	return pflag.NormalizedName(name)
}

// rootOptions is shared by every subcommand. cfg and the loggers are set
// before any subcommand runs.
type rootOptions struct {
	configPath     string
	logLevel       string
	logDevelopment bool

	cfg    *config.Config
	log    *slog.Logger
	logger logr.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   Name,
		Short: "Provision and boot tansiv VMs",
		Long: `tanboot prepares the working directory, cloud-init seed, disk overlay and
host network of a VM, then launches it under one of the tap, icount, kvm,
libvirt, libvirt-vmi or xen backends.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.setup,
	}
	cmd.SetGlobalNormalizationFunc(normalizeFlag)

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		fmt.Sprintf("config file (.yaml, .json or .toml); defaults to $%s", config.PathEnvKey))
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "one of debug, info, warn or error")
	cmd.PersistentFlags().BoolVar(&opts.logDevelopment, "log-development", false, "human readable logs")

	cmd.AddCommand(
		newBootCmd(opts),
		newFleetCmd(opts),
		newIdentityCmd(opts),
		newNetCmdsCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

// setup loads the configuration and the loggers. Subcommand flags are applied
// on top of the configuration by each subcommand.
func (o *rootOptions) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if cmd.Flags().Changed("log-development") {
		cfg.Log.Development = o.logDevelopment
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	log, logger, err := logging.Setup(logging.Options{
		Development: cfg.Log.Development,
		Level:       level,
	})
	if err != nil {
		return err
	}

	o.cfg = cfg
	o.log = log
	o.logger = logger.WithName(Name)

	return nil
}
