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

package backend

import (
	"errors"
	"fmt"

	"github.com/kaganisildak/tansiv/pkg/identity"
	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"
)

var ErrMarshalDomainXML = errors.New("failed to marshal domain XML")

// libvirtSynthesizer renders a transient libvirt domain. Both NICs, the
// tansiv coupling and the gdb stub are passed on the QEMU command line so
// netdev ids and NIC order match the direct QEMU backends.
type libvirtSynthesizer struct {
	introspection bool
}

func (l libvirtSynthesizer) Synthesize(id identity.VMIdentity, spec BootSpec, art Artifacts) (LaunchPlan, error) {
	domain, err := l.domain(id, spec, art)
	if err != nil {
		return LaunchPlan{}, err
	}

	xml, err := domain.Marshal()
	if err != nil {
		return LaunchPlan{}, fmt.Errorf("%w: %v", ErrMarshalDomainXML, err)
	}

	kind := KindLibvirt
	if l.introspection {
		kind = KindLibvirtVMI
	}
	file := fmt.Sprintf("domain-%d.xml", id.Descriptor)

	return LaunchPlan{
		Kind:           kind,
		GDBPort:        id.GDBPort(),
		DomainName:     id.DomainName(),
		DescriptorFile: file,
		Descriptor:     []byte(xml),
		Control:        []string{"virsh", "create", file},
	}, nil
}

func (l libvirtSynthesizer) domain(id identity.VMIdentity, spec BootSpec, art Artifacts) (*libvirtxml.Domain, error) {
	mem, err := ParseMemory(spec.Memory)
	if err != nil {
		return nil, err
	}

	var args []string
	args = append(args, spec.ExtraArgs...)
	args = append(args, vsgArgs(id, spec)...)
	if l.introspection {
		args = append(args,
			"-chardev", fmt.Sprintf("socket,path=%s,id=chardev0,reconnect=10", spec.VMISocket),
			"-object", "introspection,id=kvmi,chardev=chardev0",
		)
	}
	args = append(args, nicArgs(id, spec, KindLibvirt)...)
	args = append(args, gdbArgs(id)...)

	cmdline := make([]libvirtxml.DomainQEMUCommandlineArg, 0, len(args))
	for _, a := range args {
		cmdline = append(cmdline, libvirtxml.DomainQEMUCommandlineArg{Value: a})
	}

	return &libvirtxml.Domain{
		Type: "kvm",
		Name: id.DomainName(),
		UUID: id.UUID(),
		Memory: &libvirtxml.DomainMemory{
			Value: uint(mem.MiB()),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			CPUSet:    spec.CPUSet,
			Value:     uint(spec.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
			Features: []libvirtxml.DomainCPUFeature{
				{Policy: "require", Name: "invtsc"},
			},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Emulator: spec.Binary,
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "qcow2",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: art.Disk,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
				{
					Device: "cdrom",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "raw",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: art.ISO,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "sdb",
						Bus: "sata",
					},
					ReadOnly: &libvirtxml.DomainDiskReadOnly{},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr.To(uint(0)),
					},
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
				},
			},
		},
		QEMUCommandline: &libvirtxml.DomainQEMUCommandline{
			Args: cmdline,
		},
	}, nil
}
