//go:build unit

// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloudinit_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kaganisildak/tansiv/internal/util/fakes/runnerfake"
	"github.com/kaganisildak/tansiv/pkg/cloudinit"
	"github.com/kaganisildak/tansiv/pkg/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newIdentity(t *testing.T) identity.VMIdentity {
	t.Helper()
	id, err := identity.Derive(identity.Input{
		Tantap:     "192.168.1.11/24",
		Management: "10.0.0.11/24",
		Descriptor: 11,
	})
	require.NoError(t, err)
	return id
}

func newPublicKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
}

func TestBuild(t *testing.T) {
	id := newIdentity(t)

	docs, err := cloudinit.Build(id, "")
	require.NoError(t, err)

	assert.Equal(t, "tansiv-11", docs.MetaData.InstanceID)
	assert.Empty(t, docs.MetaData.PublicKeys)

	assert.Equal(t, "tansiv-11", docs.UserData.Hostname)
	assert.Equal(t, "tansiv-11", docs.UserData.LocalHostname)
	assert.False(t, docs.UserData.DisableRoot)

	bootcmd := docs.UserData.BootCmd
	require.Len(t, bootcmd, 1+254+254+1)
	assert.Equal(t, "----> START OF TANTAP CLOUD INIT <----------------", bootcmd[0])
	assert.Equal(t, `echo "192.168.1.1    tantap1" >> /etc/hosts`, bootcmd[1])
	assert.Equal(t, `echo "192.168.1.254    tantap254" >> /etc/hosts`, bootcmd[254])
	assert.Equal(t, `echo "10.0.0.1    mantap1" >> /etc/hosts`, bootcmd[255])
	assert.Equal(t, `echo "127.0.0.1 tansiv-11" >> /etc/hosts`, bootcmd[len(bootcmd)-1])

	require.Equal(t, 2, docs.NetworkConfig.Version)
	nic1 := docs.NetworkConfig.Ethernets["nic1"]
	assert.Equal(t, "02:ca:fe:f0:0d:0b", nic1.Match.MACAddress)
	assert.Equal(t, "tan0", nic1.SetName)
	assert.Equal(t, []string{"192.168.1.11/24"}, nic1.Addresses)
	assert.Equal(t, "192.168.1.1", nic1.Gateway4)
	assert.False(t, nic1.DHCP4)
	assert.False(t, nic1.DHCP6)

	nic2 := docs.NetworkConfig.Ethernets["nic2"]
	assert.Equal(t, "54:52:fe:f0:0d:0b", nic2.Match.MACAddress)
	assert.Equal(t, "tan1", nic2.SetName)
	assert.Equal(t, []string{"10.0.0.11/24"}, nic2.Addresses)
	assert.Equal(t, "10.0.0.1", nic2.Gateway4)
}

func TestBuild_PublicKey(t *testing.T) {
	id := newIdentity(t)
	key := newPublicKey(t)

	docs, err := cloudinit.Build(id, key)
	require.NoError(t, err)
	assert.Equal(t, key, docs.MetaData.PublicKeys)

	_, err = cloudinit.Build(id, "not a key")
	assert.ErrorIs(t, err, cloudinit.ErrInvalidPublicKey)
}

func TestWriteDocuments_RoundTrip(t *testing.T) {
	id := newIdentity(t)
	key := newPublicKey(t)
	dir := t.TempDir()

	docs, err := cloudinit.Build(id, key)
	require.NoError(t, err)

	paths, err := cloudinit.WriteDocuments(dir, docs)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "user-data"),
		filepath.Join(dir, "meta-data"),
		filepath.Join(dir, "network-config"),
	}, paths)

	raw, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "#cloud-config\n"))

	parsed, err := cloudinit.ReadDocuments(dir)
	require.NoError(t, err)
	assert.Equal(t, docs, parsed)

	seen := make(map[string]int)
	for _, cmd := range parsed.UserData.BootCmd[1 : len(parsed.UserData.BootCmd)-1] {
		fields := strings.Fields(strings.TrimPrefix(cmd, "echo "))
		require.Len(t, fields, 4, cmd)
		seen[strings.Trim(fields[0], `"`)]++
	}
	for _, h := range identity.HostAliases(id.Tantap, identity.TantapPrefix) {
		assert.Equal(t, 1, seen[h.Addr.String()], h.Addr.String())
	}
	for _, h := range identity.HostAliases(id.Management, identity.MantapPrefix) {
		assert.Equal(t, 1, seen[h.Addr.String()], h.Addr.String())
	}
}

func TestReadDocuments_MissingHeader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user-data"), []byte("hostname: x\n"), 0o644))

	_, err := cloudinit.ReadDocuments(dir)
	assert.ErrorIs(t, err, cloudinit.ErrMissingHeader)
}

func TestExternalPackager(t *testing.T) {
	tests := []struct {
		name     string
		builder  cloudinit.Builder
		expected string
	}{
		{
			name:     "genisoimage",
			builder:  cloudinit.BuilderGenisoimage,
			expected: "genisoimage -output %s -volid cidata -joliet -rock user-data meta-data network-config",
		},
		{
			name:     "xorriso",
			builder:  cloudinit.BuilderXorriso,
			expected: "xorriso -as mkisofs -output %s -volid cidata -joliet -rock user-data meta-data network-config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			runner := runnerfake.New(t)

			p, err := cloudinit.NewPackager(tt.builder, runner)
			require.NoError(t, err)

			iso, err := p.Package(context.Background(), dir)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, "cloud-init.iso"), iso)

			calls := runner.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, dir, calls[0].Dir)
			assert.Equal(t, strings.Replace(tt.expected, "%s", iso, 1), calls[0].Line())
		})
	}
}

func TestExternalPackager_Failure(t *testing.T) {
	runner := runnerfake.New(t).AppendExpectation(func(string, []string) (string, string, error) {
		return "", "genisoimage: not found", errors.New("exit status 127")
	})

	p, err := cloudinit.NewPackager(cloudinit.BuilderGenisoimage, runner)
	require.NoError(t, err)

	_, err = p.Package(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, cloudinit.ErrPackageISO)
}

func TestNewPackager_Unknown(t *testing.T) {
	_, err := cloudinit.NewPackager("mkisofs9000", runnerfake.New(t))
	assert.ErrorIs(t, err, cloudinit.ErrUnknownBuilder)
}

func TestDiskfsPackager(t *testing.T) {
	dir := t.TempDir()
	docs, err := cloudinit.Build(newIdentity(t), "")
	require.NoError(t, err)
	_, err = cloudinit.WriteDocuments(dir, docs)
	require.NoError(t, err)

	p, err := cloudinit.NewPackager(cloudinit.BuilderDiskfs, nil)
	require.NoError(t, err)

	iso, err := p.Package(context.Background(), dir)
	require.NoError(t, err)

	fi, err := os.Stat(iso)
	require.NoError(t, err)
	assert.Positive(t, fi.Size())
}
