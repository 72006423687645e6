//go:build unit

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
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/kaganisildak/tansiv/internal/config"
	"github.com/kaganisildak/tansiv/pkg/identity"
	"github.com/kaganisildak/tansiv/pkg/launcher"
)

// execute runs tanboot with args and an empty environment configuration.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	for _, key := range []string{
		config.PathEnvKey, "QEMU", "IMAGE", "QEMU_ARGS", "QEMU_MEM", "AUTOCONFIG_NET",
		"TANSIV_BACKEND", "TANSIV_QUEUES", "TANSIV_LOG_LEVEL", "TANSIV_TANTAP_MAC", "TANSIV_MANAGEMENT_MAC",
	} {
		t.Setenv(key, "")
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestIdentityCmd(t *testing.T) {
	out, err := execute(t, "identity", "192.168.1.11/24", "10.0.0.11/24", "11")
	require.NoError(t, err)

	var got identityView
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))

	assert.Equal(t, identityView{
		Hostname:   "tansiv-11",
		Descriptor: 11,
		DomainName: "tansiv-11",
		UUID:       got.UUID,
		GDBPort:    1245,
		Tantap: nicView{
			Address: "192.168.1.11/24",
			Gateway: "192.168.1.1/24",
			MAC:     "02:ca:fe:f0:0d:0b",
			Tap:     "tantap11",
			Bridge:  "tantap-br",
		},
		Management: nicView{
			Address: "10.0.0.11/24",
			Gateway: "10.0.0.1/24",
			MAC:     "54:52:fe:f0:0d:0b",
			Tap:     "mantap11",
			Bridge:  "mantap-br",
		},
	}, got)
	assert.NotEmpty(t, got.UUID)
}

func TestIdentityCmd_LegacyFlags(t *testing.T) {
	out, err := execute(t, "identity", "192.168.1.42/24", "10.0.0.42/24", "--descriptor_source", "tantap")
	require.NoError(t, err)

	var got identityView
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, "tansiv-192-168-1-42", got.Hostname)
	assert.Equal(t, 42, got.Descriptor)
}

func TestIdentityCmd_MACOverrides(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		wantTantap     string
		wantManagement string
	}{
		{
			name:           "management only",
			args:           []string{"--management-mac", "52:54:00:12:34:56"},
			wantTantap:     "02:ca:fe:f0:0d:0b",
			wantManagement: "52:54:00:12:34:56",
		},
		{
			name:           "tantap only",
			args:           []string{"--mac", "02-00-00-00-00-2A"},
			wantTantap:     "02:00:00:00:00:2a",
			wantManagement: "54:52:fe:f0:0d:0b",
		},
		{
			name:           "both",
			args:           []string{"--mac", "02:00:00:00:00:01", "--management-mac", "52:54:00:00:00:01"},
			wantTantap:     "02:00:00:00:00:01",
			wantManagement: "52:54:00:00:00:01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, append([]string{"identity", "192.168.1.11/24", "10.0.0.11/24", "11"}, tt.args...)...)
			require.NoError(t, err)

			var got identityView
			require.NoError(t, yaml.Unmarshal([]byte(out), &got))
			assert.Equal(t, tt.wantTantap, got.Tantap.MAC)
			assert.Equal(t, tt.wantManagement, got.Management.MAC)
		})
	}
}

func TestIdentityCmd_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{
			name:    "missing descriptor",
			args:    []string{"identity", "192.168.1.11/24", "10.0.0.11/24"},
			wantErr: errMissingDescriptor,
		},
		{
			name:    "non numeric descriptor",
			args:    []string{"identity", "192.168.1.11/24", "10.0.0.11/24", "eleven"},
			wantErr: identity.ErrInvalidDescriptor,
		},
		{
			name:    "overlapping subnets",
			args:    []string{"identity", "192.168.1.11/24", "192.168.1.12/24", "11"},
			wantErr: identity.ErrOverlappingSubnet,
		},
		{
			name:    "descriptor with tantap source",
			args:    []string{"identity", "192.168.1.42/24", "10.0.0.42/24", "7", "--descriptor-source", "tantap"},
			wantErr: errUnusedDescriptor,
		},
		{
			name:    "descriptor with legacy management source",
			args:    []string{"net-cmds", "192.168.1.42/24", "10.0.0.42/24", "7", "--descriptor_source", "management"},
			wantErr: errUnusedDescriptor,
		},
		{
			name:    "bad management mac",
			args:    []string{"identity", "192.168.1.11/24", "10.0.0.11/24", "11", "--management-mac", "52:54:00"},
			wantErr: identity.ErrInvalidMAC,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNetCmdsCmd(t *testing.T) {
	out, err := execute(t, "net-cmds", "192.168.1.11/24", "10.0.0.11/24", "11", "--queues", "2")
	require.NoError(t, err)

	assert.Contains(t, out, "ip link add name tantap-br type bridge")
	assert.Contains(t, out, "ip tuntap add tantap11 mode tap vnet_hdr multi_queue")
	assert.Contains(t, out, "ip addr add 10.0.0.1/24 dev mantap-br")
	assert.Contains(t, out, "ip tuntap add mantap11 mode tap\n")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("tanboot version %s (%s) %s\n", Version, CommitSHA, BuildTimestamp), out)
}

func TestBootCmd_FailsBeforeBooting(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{
			name:    "unknown mode",
			args:    []string{"boot", "/tmp/s.sock", "vbox", "192.168.1.11/24", "10.0.0.11/24", "11"},
			wantErr: config.ErrInvalidConfig,
		},
		{
			name:    "missing descriptor",
			args:    []string{"boot", "/tmp/s.sock", "kvm", "192.168.1.11/24", "10.0.0.11/24"},
			wantErr: errMissingDescriptor,
		},
		{
			name: "explicit public key missing",
			args: []string{
				"boot", "/tmp/s.sock", "kvm", "192.168.1.11/24", "10.0.0.11/24", "11",
				"--public-key", filepath.Join(base, "nope.pub"),
			},
		},
		{
			name:    "bad qemu args",
			args:    []string{"boot", "/tmp/s.sock", "kvm", "192.168.1.11/24", "10.0.0.11/24", "11", "--qemu_args", `-append "x`},
			wantErr: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append(tt.args, "--base-working-dir", base)...)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	assert.NoDirExists(t, filepath.Join(base, "tansiv-11"))
}

func TestFleetCmd_Validation(t *testing.T) {
	_, err := execute(t, "fleet", "--number", "0")
	assert.ErrorIs(t, err, errFleetSize)

	_, err = execute(t, "fleet", "--number", "300")
	assert.ErrorIs(t, err, errFleetSize)

	_, err = execute(t, "fleet", "--mode", "libvirt")
	assert.ErrorIs(t, err, errFleetNeedsProcess)
}

func TestFleetInput(t *testing.T) {
	in := fleetInput(3)
	assert.Equal(t, 13, in.Descriptor)
	assert.Equal(t, "192.168.1.13/24", in.Tantap)
	assert.Equal(t, "10.0.0.13/24", in.Management)

	_, err := identity.Derive(fleetInput(maxFleetSize - 1))
	assert.NoError(t, err)
}

func TestNormalizeFlag(t *testing.T) {
	for in, want := range map[string]string{
		"qemu_cmd":             "qemu-cmd",
		"qemu_nictype":         "nic-model",
		"virtio_net_nb_queues": "queues",
		"qemu_mem":             "mem",
		"base_working_dir":     "base-working-dir",
		"cores":                "cores",
	} {
		assert.Equal(t, want, string(normalizeFlag(nil, in)), in)
	}
}

func TestRequiredTools(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   []string
	}{
		{
			name:   "tap",
			mutate: func(*config.Config) {},
			want:   []string{"qemu-img", "genisoimage", "qemu-system-x86_64"},
		},
		{
			name:   "libvirt through virsh",
			mutate: func(c *config.Config) { c.Backend = "libvirt"; c.ISOBuilder = "xorriso" },
			want:   []string{"qemu-img", "xorriso", "virsh"},
		},
		{
			name:   "libvirt through the API",
			mutate: func(c *config.Config) { c.Backend = "libvirt"; c.LibvirtURI = "qemu:///system" },
			want:   []string{"qemu-img", "genisoimage"},
		},
		{
			name:   "xen with ip fabric",
			mutate: func(c *config.Config) { c.Backend = "xen"; c.ISOBuilder = "diskfs"; c.AutoconfigNet = true },
			want:   []string{"qemu-img", "xl", "ip"},
		},
		{
			name:   "libvirt fabric",
			mutate: func(c *config.Config) { c.Backend = "tap"; c.AutoconfigNet = true; c.Fabric = "libvirt" },
			want:   []string{"qemu-img", "genisoimage", "qemu-system-x86_64", "ip"},
		},
		{
			name: "xen with libvirt fabric and uri",
			mutate: func(c *config.Config) {
				c.Backend = "xen"
				c.AutoconfigNet = true
				c.Fabric = "libvirt"
				c.LibvirtURI = "qemu:///system"
			},
			want: []string{"qemu-img", "genisoimage", "xl", "ip"},
		},
		{
			name:   "netlink fabric",
			mutate: func(c *config.Config) { c.Backend = "kvm"; c.AutoconfigNet = true; c.Fabric = "netlink" },
			want:   []string{"qemu-img", "genisoimage", "qemu-system-x86_64"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.Default()
			tt.mutate(c)
			assert.Equal(t, tt.want, requiredTools(c))
		})
	}
}

func TestDomainCreator(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   launcher.DomainCreator
	}{
		{
			name:   "libvirt without uri",
			mutate: func(c *config.Config) { c.Backend = "libvirt" },
		},
		{
			name:   "libvirt with uri",
			mutate: func(c *config.Config) { c.Backend = "libvirt"; c.LibvirtURI = "qemu:///system" },
			want:   launcher.ConnectCreator{URI: "qemu:///system"},
		},
		{
			name:   "libvirt-vmi with uri",
			mutate: func(c *config.Config) { c.Backend = "libvirt_vmi"; c.LibvirtURI = "qemu:///session" },
			want:   launcher.ConnectCreator{URI: "qemu:///session"},
		},
		{
			name: "xen with libvirt fabric and uri",
			mutate: func(c *config.Config) {
				c.Backend = "xen"
				c.Fabric = "libvirt"
				c.LibvirtURI = "qemu:///system"
			},
		},
		{
			name: "kvm with libvirt fabric and uri",
			mutate: func(c *config.Config) {
				c.Backend = "kvm"
				c.Fabric = "libvirt"
				c.LibvirtURI = "qemu:///system"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.Default()
			tt.mutate(c)
			require.NoError(t, c.Validate())
			assert.Equal(t, tt.want, domainCreator(c))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 3, exitCode(fmt.Errorf("wrapped: %w", &launcher.ExitError{Name: "tansiv-11", ExitCode: 3})))
	assert.Equal(t, 1, exitCode(&launcher.ExitError{Name: "tansiv-11", ExitCode: -1}))
}
