//go:build integration

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

package launcher_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/kaganisildak/tansiv/internal/util/testutil"
	"github.com/kaganisildak/tansiv/pkg/backend"
	"github.com/kaganisildak/tansiv/pkg/execcontext"
	"github.com/kaganisildak/tansiv/pkg/launcher"
)

const libvirtURI = "qemu:///system"

// Boots a disk-only domain: the tansiv NICs need a patched QEMU.
func TestConnectCreator_Integration(t *testing.T) {
	if _, err := exec.LookPath("qemu-img"); err != nil {
		t.Skip("qemu-img not installed")
	}

	wd := testutil.WorkDir(t)
	disk := filepath.Join(wd, "disk.qcow2")
	out, err := exec.Command("qemu-img", "create", "-f", "qcow2", disk, "64M").CombinedOutput()
	require.NoError(t, err, string(out))

	name := "tansiv-it-" + uuid.NewString()[:8]
	descriptor, err := (&libvirtxml.Domain{
		Type:   "qemu",
		Name:   name,
		Memory: &libvirtxml.DomainMemory{Value: 128, Unit: "MiB"},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{Arch: "x86_64", Type: "hvm"},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{{
				Device: "disk",
				Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
				Source: &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: disk}},
				Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
			}},
		},
	}).Marshal()
	require.NoError(t, err)

	conn, err := libvirt.NewConnect(libvirtURI)
	require.NoError(t, err)
	defer func() { _, _ = conn.Close() }()

	t.Cleanup(func() {
		if dom, err := conn.LookupDomainByName(name); err == nil {
			_ = dom.Destroy()
			_ = dom.Free()
		}
	})

	l := launcher.New(execcontext.NewRunner(nil, nil), launcher.WithDomainCreator(launcher.ConnectCreator{URI: libvirtURI}))
	res, err := l.Run(t.Context(), backend.LaunchPlan{
		Kind:           backend.KindLibvirt,
		GDBPort:        1235,
		DomainName:     name,
		DescriptorFile: "domain.xml",
		Descriptor:     []byte(descriptor),
	}, wd)
	require.NoError(t, err)
	assert.Equal(t, name, res.DomainName)

	stdout, err := os.ReadFile(filepath.Join(wd, launcher.StdoutFile))
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "Domain '"+name+"' created with id")

	dom, err := conn.LookupDomainByName(name)
	require.NoError(t, err)
	defer func() { _ = dom.Free() }()

	active, err := dom.IsActive()
	require.NoError(t, err)
	assert.True(t, active)
}
