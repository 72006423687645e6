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
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kaganisildak/tansiv/internal/config"
	"github.com/kaganisildak/tansiv/pkg/backend"
	"github.com/kaganisildak/tansiv/pkg/cloudinit"
	"github.com/kaganisildak/tansiv/pkg/execcontext"
	"github.com/kaganisildak/tansiv/pkg/launcher"
	"github.com/kaganisildak/tansiv/pkg/metrics"
	"github.com/kaganisildak/tansiv/pkg/network"
	"github.com/kaganisildak/tansiv/pkg/vmm"
)

// stack holds everything a boot needs, built from a validated configuration.
type stack struct {
	vmm      *vmm.VMM
	registry *prometheus.Registry
}

func newStack(cfg *config.Config, log *slog.Logger) (*stack, error) {
	// --------------------------------------------- Runners -------------------------------------------------------- //

	runner := execcontext.NewRunner(execcontext.New(nil, nil), log)
	netRunner := execcontext.NewRunner(execcontext.Privileged(cfg.Sudo), log)

	// --------------------------------------------- Cloud-init ----------------------------------------------------- //

	builder := cloudinit.Builder(cfg.ISOBuilder)
	packager, err := cloudinit.NewPackager(builder, runner)
	if err != nil {
		return nil, err
	}

	// --------------------------------------------- Launcher ------------------------------------------------------- //

	launcherOpts := []launcher.Option{launcher.WithLogger(log)}
	if creator := domainCreator(cfg); creator != nil {
		launcherOpts = append(launcherOpts, launcher.WithDomainCreator(creator))
	}
	l := launcher.New(runner, launcherOpts...)

	// --------------------------------------------- VMM ------------------------------------------------------------ //

	policy, err := vmm.ParseWorkDirPolicy(cfg.WorkDirPolicy)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()

	opts := []vmm.Option{
		vmm.WithWorkDirPolicy(policy),
		vmm.WithRequiredTools(requiredTools(cfg)...),
		vmm.WithMetrics(metrics.New(registry)),
		vmm.WithLogger(log),
	}

	if cfg.AutoconfigNet {
		fabric, err := network.NewFabric(network.Kind(cfg.Fabric), netRunner, cfg.FabricLibvirtURI())
		if err != nil {
			return nil, err
		}
		opts = append(opts, vmm.WithProvisioner(network.NewProvisioner(fabric, cfg.LockDir, log)))
	}

	return &stack{
		vmm:      vmm.New(runner, packager, l, opts...),
		registry: registry,
	}, nil
}

// domainCreator returns the libvirt connection creating libvirt domains, or
// nil when they are created with virsh. Xen always goes through xl, even when
// the libvirt fabric uses the URI.
func domainCreator(cfg *config.Config) launcher.DomainCreator {
	kind, err := backend.ParseKind(cfg.Backend)
	if err != nil || cfg.LibvirtURI == "" {
		return nil
	}
	if kind != backend.KindLibvirt && kind != backend.KindLibvirtVMI {
		return nil
	}
	return launcher.ConnectCreator{URI: cfg.LibvirtURI}
}

// requiredTools lists the host binaries a boot with cfg runs.
func requiredTools(cfg *config.Config) []string {
	tools := []string{vmm.QemuImgBin}
	if tool := cloudinit.Builder(cfg.ISOBuilder).Tool(); tool != "" {
		tools = append(tools, tool)
	}

	kind, _ := backend.ParseKind(cfg.Backend)
	switch {
	case kind == backend.KindXen:
		tools = append(tools, "xl")
	case kind.Templated() && domainCreator(cfg) == nil:
		tools = append(tools, "virsh")
	case !kind.Templated():
		tools = append(tools, cfg.QEMU)
	}
	// the libvirt fabric still creates taps with ip
	if cfg.AutoconfigNet && network.Kind(cfg.Fabric) != network.KindNetlink {
		tools = append(tools, "ip")
	}

	return tools
}

// publicKey reads the configured public key. A missing default key is not an
// error: the guest is then only reachable through its console.
func publicKey(cfg *config.Config, explicit bool, log *slog.Logger) (string, error) {
	path, err := cfg.ExpandedPublicKeyPath()
	if err != nil {
		return "", err
	}

	key, err := cloudinit.ReadPublicKey(path)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, os.ErrNotExist) && !explicit:
		log.Warn("no SSH public key installed in the guest", "path", path)
		return "", nil
	default:
		return "", fmt.Errorf("reading public key: %w", err)
	}
}
