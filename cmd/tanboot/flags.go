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
	"strconv"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"github.com/kaganisildak/tansiv/internal/config"
	"github.com/kaganisildak/tansiv/pkg/identity"
)

var (
	errMissingDescriptor = errors.New("a descriptor is required with the explicit descriptor source")
	errUnusedDescriptor  = errors.New("a positional descriptor is only accepted with the explicit descriptor source")
)

// identityFlags select how a VM identity is derived from the positional
// addresses.
type identityFlags struct {
	hostname         string
	mac              string
	managementMAC    string
	descriptorSource string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.hostname, "hostname", "", "hostname of the VM; defaults to tansiv-<descriptor>")
	cmd.Flags().StringVar(&f.mac, "mac", "", "MAC address of the tantap NIC; derived from the descriptor by default")
	cmd.Flags().StringVar(&f.managementMAC, "management-mac", "",
		"MAC address of the management NIC; derived from the descriptor by default")
	cmd.Flags().StringVar(&f.descriptorSource, "descriptor-source", "",
		"where the descriptor comes from: explicit, tantap or management")
}

// input builds an identity.Input from ip_tantap, ip_management and the
// optional descriptor.
func (f *identityFlags) input(cmd *cobra.Command, cfg *config.Config, args []string) (identity.Input, error) {
	changed := cmd.Flags().Changed
	if changed("descriptor-source") {
		cfg.DescriptorSource = f.descriptorSource
	}
	if changed("mac") {
		cfg.TantapMAC = f.mac
	}
	if changed("management-mac") {
		cfg.ManagementMAC = f.managementMAC
	}
	source, err := identity.ParseDescriptorSource(cfg.DescriptorSource)
	if err != nil {
		return identity.Input{}, err
	}

	in := identity.Input{
		Tantap:        args[0],
		Management:    args[1],
		Source:        source,
		Hostname:      f.hostname,
		TantapMAC:     cfg.TantapMAC,
		ManagementMAC: cfg.ManagementMAC,
	}

	switch {
	case len(args) > 2 && source != identity.DescriptorExplicit:
		return identity.Input{}, fmt.Errorf("%w: got %q with source %q", errUnusedDescriptor, args[2], source)
	case len(args) > 2:
		d, err := strconv.Atoi(args[2])
		if err != nil {
			return identity.Input{}, fmt.Errorf("%w: %q: %v", identity.ErrInvalidDescriptor, args[2], err)
		}
		in.Descriptor = d
	case source == identity.DescriptorExplicit:
		return identity.Input{}, errMissingDescriptor
	}

	return in, nil
}

// specFlags override the backend part of the configuration.
type specFlags struct {
	qemuCmd        string
	image          string
	mem            string
	qemuArgs       string
	nicModel       string
	queues         int
	cores          int
	cpuset         string
	numBuffers     int
	baseWorkingDir string
	autoconfigNet  bool
	workDirPolicy  string
	isoBuilder     string
	fabric         string
	sudo           bool
	libvirtURI     string
	publicKey      string
}

func (f *specFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.qemuCmd, "qemu-cmd", "", "qemu binary; defaults to $QEMU")
	fs.StringVar(&f.image, "image", "", "base disk image; defaults to $IMAGE")
	fs.StringVar(&f.mem, "mem", "", `memory, e.g. "1G" or "512M"; a number of MiB for xen`)
	fs.StringVar(&f.qemuArgs, "qemu-args", "", "extra qemu arguments; defaults to $QEMU_ARGS")
	fs.StringVar(&f.nicModel, "nic-model", "", "device model of the tantap NIC, e.g. virtio-net-pci or e1000")
	fs.IntVar(&f.queues, "queues", 0, "queues of the tantap NIC; a power of two not above the vCPU count")
	fs.IntVar(&f.cores, "cores", 0, "number of vCPUs; forced to 1 with icount")
	fs.StringVar(&f.cpuset, "cpuset", "", "host CPUs the vCPUs are pinned to (libvirt and xen)")
	fs.IntVar(&f.numBuffers, "num-buffers", 0, "size of the tansiv buffer pool")
	fs.StringVar(&f.baseWorkingDir, "base-working-dir", "", "directory holding one working directory per VM")
	fs.BoolVar(&f.autoconfigNet, "autoconfig-net", false, "create bridges and taps; defaults to $AUTOCONFIG_NET")
	fs.StringVar(&f.workDirPolicy, "workdir-policy", "", "fail or reuse an existing working directory")
	fs.StringVar(&f.isoBuilder, "iso-builder", "", "genisoimage, xorriso or diskfs")
	fs.StringVar(&f.fabric, "fabric", "", "ip, netlink or libvirt")
	fs.BoolVar(&f.sudo, "sudo", false, "run network commands through sudo")
	fs.StringVar(&f.libvirtURI, "libvirt-uri", "", "create libvirt domains through this connection instead of virsh")
	fs.StringVar(&f.publicKey, "public-key", "", "SSH public key installed in the guest")
}

// apply overrides cfg with every flag set on the command line.
func (f *specFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	changed := cmd.Flags().Changed

	str := func(name string, src string, dst *string) {
		if changed(name) {
			*dst = src
		}
	}
	integer := func(name string, src int, dst *int) {
		if changed(name) {
			*dst = src
		}
	}

	str("qemu-cmd", f.qemuCmd, &cfg.QEMU)
	str("image", f.image, &cfg.Image)
	str("mem", f.mem, &cfg.Memory)
	str("nic-model", f.nicModel, &cfg.NICModel)
	integer("queues", f.queues, &cfg.Queues)
	integer("cores", f.cores, &cfg.VCPUs)
	str("cpuset", f.cpuset, &cfg.CPUSet)
	integer("num-buffers", f.numBuffers, &cfg.NumBuffers)
	str("base-working-dir", f.baseWorkingDir, &cfg.BaseWorkingDir)
	str("workdir-policy", f.workDirPolicy, &cfg.WorkDirPolicy)
	str("iso-builder", f.isoBuilder, &cfg.ISOBuilder)
	str("fabric", f.fabric, &cfg.Fabric)
	str("libvirt-uri", f.libvirtURI, &cfg.LibvirtURI)
	str("public-key", f.publicKey, &cfg.PublicKeyPath)
	if changed("autoconfig-net") {
		cfg.AutoconfigNet = f.autoconfigNet
	}
	if changed("sudo") {
		cfg.Sudo = f.sudo
	}
	if changed("qemu-args") {
		args, err := shlex.Split(f.qemuArgs)
		if err != nil {
			return fmt.Errorf("--qemu-args: %w", err)
		}
		cfg.QEMUArgs = args
	}

	return cfg.Validate()
}
