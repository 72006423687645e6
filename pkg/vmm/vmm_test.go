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

package vmm_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kaganisildak/tansiv/internal/util/fakes/runnerfake"
	"github.com/kaganisildak/tansiv/pkg/backend"
	"github.com/kaganisildak/tansiv/pkg/cloudinit"
	"github.com/kaganisildak/tansiv/pkg/identity"
	"github.com/kaganisildak/tansiv/pkg/launcher"
	"github.com/kaganisildak/tansiv/pkg/metrics"
	"github.com/kaganisildak/tansiv/pkg/network"
	"github.com/kaganisildak/tansiv/pkg/vmm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type fakePackager struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePackager) Package(_ context.Context, dir string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.err != nil {
		return "", p.err
	}
	iso := filepath.Join(dir, cloudinit.ISOFile)
	return iso, os.WriteFile(iso, []byte("iso"), 0o644)
}

type fakeFabric struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeFabric) EnsureBridge(_ context.Context, c network.BridgeConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "bridge "+c.Name+" "+c.CIDR)
	return nil
}

func (f *fakeFabric) EnsureTap(_ context.Context, c network.TapConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "tap "+c.Name+" "+c.Bridge)
	return nil
}

func publicKey(t *testing.T) string {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
}

func request(t *testing.T, base string, kind backend.Kind) vmm.Request {
	t.Helper()

	return vmm.Request{
		Identity: identity.Input{
			Tantap:     "192.168.1.11/24",
			Management: "10.0.0.11/24",
			Descriptor: 11,
		},
		Spec: backend.BootSpec{
			Kind:       kind,
			Binary:     "qemu-system-x86_64",
			Image:      "/images/base.qcow2",
			SocketName: "/tmp/tansiv.sock",
		},
		PublicKey:      publicKey(t),
		BaseWorkingDir: base,
		AutoconfigNet:  true,
	}
}

type testEnv struct {
	runner   *runnerfake.Fake
	packager *fakePackager
	fabric   *fakeFabric
	registry *prometheus.Registry
	vmm      *vmm.VMM
}

func newEnv(t *testing.T, opts ...vmm.Option) *testEnv {
	t.Helper()

	env := &testEnv{
		runner:   runnerfake.New(t),
		packager: &fakePackager{},
		fabric:   &fakeFabric{},
		registry: prometheus.NewRegistry(),
	}

	base := []vmm.Option{
		vmm.WithProvisioner(network.NewProvisioner(env.fabric, t.TempDir(), nil)),
		vmm.WithRequiredTools("qemu-img", "genisoimage"),
		vmm.WithLookPath(func(name string) (string, error) { return "/usr/bin/" + name, nil }),
		vmm.WithMetrics(metrics.New(env.registry)),
	}
	env.vmm = vmm.New(env.runner, env.packager, launcher.New(env.runner), append(base, opts...)...)

	return env
}

func TestBoot_Libvirt(t *testing.T) {
	env := newEnv(t)
	base := t.TempDir()

	meta, err := env.vmm.Boot(t.Context(), request(t, base, backend.KindLibvirt))
	require.NoError(t, err)

	wd := filepath.Join(base, "tansiv-11")
	assert.Equal(t, wd, meta.WorkDir)
	assert.Equal(t, 11, meta.Identity.Descriptor)
	assert.Equal(t, filepath.Join(wd, "image.qcow2"), meta.Artifacts.Disk)
	assert.Equal(t, filepath.Join(wd, "cloud-init.iso"), meta.Artifacts.ISO)

	for _, name := range []string{"user-data", "meta-data", "network-config", "cloud-init.iso", "domain-11.xml", "out"} {
		assert.FileExists(t, filepath.Join(wd, name))
	}

	docs, err := cloudinit.ReadDocuments(wd)
	require.NoError(t, err)
	assert.Equal(t, "tansiv-11", docs.UserData.Hostname)
	assert.Equal(t, "02:ca:fe:f0:0d:0b", docs.NetworkConfig.Ethernets["nic1"].Match.MACAddress)

	assert.Equal(t, []string{
		"qemu-img create -f qcow2 -F qcow2 -o backing_file=/images/base.qcow2 " + filepath.Join(wd, "image.qcow2"),
		"virsh create domain-11.xml",
	}, env.runner.Lines())
	for _, c := range env.runner.Calls() {
		assert.Equal(t, wd, c.Dir)
	}

	assert.Equal(t, []string{
		"bridge tantap-br 192.168.1.1/24",
		"tap tantap11 tantap-br",
		"bridge mantap-br 10.0.0.1/24",
		"tap mantap11 mantap-br",
	}, env.fabric.calls)

	require.NotNil(t, meta.Result)
	assert.Equal(t, "tansiv-11", meta.Result.DomainName)
	assert.Nil(t, meta.Instance)
	assert.Equal(t, 1245, meta.Plan.GDBPort)

	assert.Equal(t, 1, testutil.CollectAndCount(env.registry, "tansiv_boots_total"))
}

func TestBoot_WorkDirExists(t *testing.T) {
	env := newEnv(t)
	base := t.TempDir()
	wd := filepath.Join(base, "tansiv-11")
	require.NoError(t, os.Mkdir(wd, 0o755))

	_, err := env.vmm.Boot(t.Context(), request(t, base, backend.KindKVM))
	assert.ErrorIs(t, err, vmm.ErrWorkDirExists)

	env.runner.AssertNotCalled()
	assert.Zero(t, env.packager.calls)
	assert.Empty(t, env.fabric.calls)

	entries, err := os.ReadDir(wd)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBoot_WorkDirReuse(t *testing.T) {
	env := newEnv(t, vmm.WithWorkDirPolicy(vmm.WorkDirReuse))
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "tansiv-11"), 0o755))

	_, err := env.vmm.Boot(t.Context(), request(t, base, backend.KindXen))
	require.Error(t, err, "the empty domid returned by the fake runner fails the xen launch")
	assert.ErrorIs(t, err, vmm.ErrLaunch)
	assert.ErrorIs(t, err, launcher.ErrResolveDomainID)
}

func TestBoot_FailsBeforeTouchingTheHost(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(req *vmm.Request)
		opts    []vmm.Option
		wantErr error
	}{
		{
			name:    "bad address",
			mutate:  func(req *vmm.Request) { req.Identity.Tantap = "192.168.1.300/24" },
			wantErr: identity.ErrInvalidAddress,
		},
		{
			name:    "bad spec",
			mutate:  func(req *vmm.Request) { req.Spec.Queues = 3 },
			wantErr: backend.ErrInvalidSpec,
		},
		{
			name:    "bad public key",
			mutate:  func(req *vmm.Request) { req.PublicKey = "ssh-rsa not-base64" },
			wantErr: cloudinit.ErrInvalidPublicKey,
		},
		{
			name:    "missing tool",
			mutate:  func(*vmm.Request) {},
			opts:    []vmm.Option{vmm.WithLookPath(func(string) (string, error) { return "", exec.ErrNotFound })},
			wantErr: vmm.ErrMissingTool,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, tt.opts...)
			base := filepath.Join(t.TempDir(), "base")

			req := request(t, base, backend.KindKVM)
			tt.mutate(&req)

			_, err := env.vmm.Boot(t.Context(), req)
			assert.ErrorIs(t, err, tt.wantErr)
			if !errors.Is(tt.wantErr, vmm.ErrMissingTool) {
				assert.ErrorIs(t, err, vmm.ErrInvalidRequest)
			}

			env.runner.AssertNotCalled()
			assert.NoDirExists(t, base)
		})
	}
}

func TestBoot_AutoconfigWithoutProvisioner(t *testing.T) {
	runner := runnerfake.New(t)
	v := vmm.New(runner, &fakePackager{}, launcher.New(runner))

	_, err := v.Boot(t.Context(), request(t, t.TempDir(), backend.KindKVM))
	assert.ErrorIs(t, err, vmm.ErrInvalidRequest)
	runner.AssertNotCalled()
}

func TestBoot_StepFailures(t *testing.T) {
	diskErr := errors.New("qemu-img: no such file")

	t.Run("packaging", func(t *testing.T) {
		env := newEnv(t)
		env.packager.err = cloudinit.ErrPackageISO

		_, err := env.vmm.Boot(t.Context(), request(t, t.TempDir(), backend.KindKVM))
		assert.ErrorIs(t, err, vmm.ErrCloudInit)
		env.runner.AssertNotCalled()
	})

	t.Run("disk", func(t *testing.T) {
		env := newEnv(t)
		env.runner.AppendExpectation(func(string, []string) (string, string, error) { return "", "", diskErr })

		_, err := env.vmm.Boot(t.Context(), request(t, t.TempDir(), backend.KindLibvirt))
		assert.ErrorIs(t, err, vmm.ErrCreateDisk)
		assert.ErrorIs(t, err, diskErr)
		assert.Len(t, env.runner.Calls(), 1)
		assert.Empty(t, env.fabric.calls)
	})
}

func TestBoot_NoAutoconfigSkipsFabric(t *testing.T) {
	env := newEnv(t)
	req := request(t, t.TempDir(), backend.KindLibvirtVMI)
	req.AutoconfigNet = false

	_, err := env.vmm.Boot(t.Context(), req)
	require.NoError(t, err)
	assert.Empty(t, env.fabric.calls)
}

func TestBoot_Direct(t *testing.T) {
	env := newEnv(t)
	base := t.TempDir()

	req := request(t, base, backend.KindTap)
	req.Spec.Binary = "true"

	meta, err := env.vmm.Boot(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, meta.Instance)
	assert.Nil(t, meta.Result)

	select {
	case <-meta.Instance.Done():
	case <-time.After(10 * time.Second):
		_ = meta.Instance.Kill()
		t.Fatal("VM process did not exit")
	}
	assert.NoError(t, meta.Instance.Wait())

	cmdline, err := os.ReadFile(filepath.Join(meta.WorkDir, launcher.CmdlineFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(cmdline), "true\n-m\n1G\n"))
}

func TestBoot_ConcurrentDistinctDescriptors(t *testing.T) {
	env := newEnv(t)
	base := t.TempDir()

	reqs := make([]vmm.Request, 3)
	for i := range reqs {
		reqs[i] = request(t, base, backend.KindLibvirt)
		reqs[i].Identity.Descriptor = 20 + i
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = env.vmm.Boot(context.Background(), req)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "descriptor %d", 20+i)
		assert.FileExists(t, filepath.Join(base, fmt.Sprintf("tansiv-%d", 20+i), fmt.Sprintf("domain-%d.xml", 20+i)))
	}
}

func TestParseWorkDirPolicy(t *testing.T) {
	p, err := vmm.ParseWorkDirPolicy("")
	require.NoError(t, err)
	assert.Equal(t, vmm.WorkDirFail, p)

	p, err = vmm.ParseWorkDirPolicy("REUSE")
	require.NoError(t, err)
	assert.Equal(t, vmm.WorkDirReuse, p)

	_, err = vmm.ParseWorkDirPolicy("wipe")
	assert.ErrorIs(t, err, vmm.ErrInvalidRequest)
}

func TestOverlayCommand(t *testing.T) {
	assert.Equal(t,
		[]string{"qemu-img", "create", "-f", "qcow2", "-F", "qcow2", "-o", "backing_file=/img/base.qcow2", "/wd/image.qcow2"},
		vmm.OverlayCommand("/img/base.qcow2", "/wd"))
	assert.Equal(t, filepath.Join("tansiv-working-dir", "tansiv-3"), vmm.WorkDir("", "tansiv-3"))
}
