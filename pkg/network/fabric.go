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

package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/kaganisildak/tansiv/pkg/execcontext"
	"github.com/kaganisildak/tansiv/pkg/identity"
)

var (
	ErrUnknownFabric = errors.New("unknown network fabric")
	ErrLockBridge    = errors.New("failed to lock bridge")
)

const lockRetryDelay = 50 * time.Millisecond

// Fabric creates the host side of a VM NIC: a bridge holding the gateway
// address and a tap enslaved to it. Both calls are idempotent.
type Fabric interface {
	EnsureBridge(ctx context.Context, config BridgeConfig) error
	EnsureTap(ctx context.Context, config TapConfig) error
}

// Kind names a Fabric implementation.
type Kind string

const (
	KindIP      Kind = "ip"
	KindNetlink Kind = "netlink"
	// KindLibvirt creates bridges as libvirt networks and taps with the ip
	// command.
	KindLibvirt Kind = "libvirt"
)

// NewFabric returns the Fabric of the given kind. runner is only used by
// KindIP and KindLibvirt, libvirtURI only by KindLibvirt.
func NewFabric(kind Kind, runner execcontext.Runner, libvirtURI string) (Fabric, error) {
	switch kind {
	case "", KindIP:
		return NewBridgeManager(runner), nil
	case KindNetlink:
		return NetlinkFabric{}, nil
	case KindLibvirt:
		return NewLibvirtFabric(libvirtURI, NewBridgeManager(runner)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFabric, kind)
}

// Provisioner wires both NICs of a VM. Bridge setup is serialized across
// processes with one file lock per bridge.
type Provisioner struct {
	fabric  Fabric
	lockDir string
	log     *slog.Logger
}

// NewProvisioner returns a Provisioner keeping its lock files in lockDir
// (os.TempDir() when empty).
func NewProvisioner(fabric Fabric, lockDir string, log *slog.Logger) *Provisioner {
	if lockDir == "" {
		lockDir = os.TempDir()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{fabric: fabric, lockDir: lockDir, log: log}
}

// NICPlan describes the host side of one VM NIC.
type NICPlan struct {
	Bridge BridgeConfig
	Tap    TapConfig
}

// Plan returns the tantap then the management NIC of id. The management NIC
// always uses a single queue.
func Plan(id identity.VMIdentity, queues int) [2]NICPlan {
	var out [2]NICPlan
	for nic := range out {
		q := queues
		if nic == identity.Management {
			q = 1
		}
		out[nic] = NICPlan{
			Bridge: BridgeConfig{Name: id.BridgeNames[nic], CIDR: id.Gateways[nic].String()},
			Tap:    TapConfig{Name: id.TapNames[nic], Bridge: id.BridgeNames[nic], Queues: q},
		}
	}
	return out
}

// Provision ensures both NICs of id exist, tantap first.
func (p *Provisioner) Provision(ctx context.Context, id identity.VMIdentity, queues int) error {
	for _, nic := range Plan(id, queues) {
		if err := p.ensure(ctx, nic); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) ensure(ctx context.Context, nic NICPlan) error {
	unlock, err := p.lock(ctx, nic.Bridge.Name)
	if err != nil {
		return err
	}
	defer unlock()

	p.log.Info("ensuring bridge", "bridge", nic.Bridge.Name, "cidr", nic.Bridge.CIDR)
	if err := p.fabric.EnsureBridge(ctx, nic.Bridge); err != nil {
		return err
	}

	p.log.Info("ensuring tap", "tap", nic.Tap.Name, "bridge", nic.Tap.Bridge, "queues", nic.Tap.Queues)
	return p.fabric.EnsureTap(ctx, nic.Tap)
}

func (p *Provisioner) lock(ctx context.Context, bridge string) (func(), error) {
	if err := os.MkdirAll(p.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLockBridge, bridge, err)
	}

	fl := flock.New(filepath.Join(p.lockDir, fmt.Sprintf("tansiv-%s.lock", bridge)))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLockBridge, bridge, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s: %v", ErrLockBridge, bridge, ctx.Err())
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			p.log.Warn("failed to release bridge lock", "bridge", bridge, "err", err.Error())
		}
	}, nil
}

// ShellCommands renders the provisioning of each NIC as the equivalent shell
// snippet, for operators preparing the host by hand.
func ShellCommands(id identity.VMIdentity, queues int) []string {
	plans := Plan(id, queues)
	out := make([]string, 0, len(plans))
	for _, nic := range plans {
		tapOpts := ""
		if nic.Tap.Queues > 1 {
			tapOpts = " vnet_hdr multi_queue"
		}
		br, cidr, tap := nic.Bridge.Name, nic.Bridge.CIDR, nic.Tap.Name
		out = append(out, fmt.Sprintf(
			"ip link show dev %[1]s || ip link add name %[1]s type bridge\n"+
				"ip link set %[1]s up\n"+
				"(ip addr show dev %[1]s | grep %[2]s) || ip addr add %[2]s dev %[1]s\n"+
				"ip link show dev %[3]s || ip tuntap add %[3]s mode tap%[4]s\n"+
				"ip link set %[3]s master %[1]s\n"+
				"ip link set %[3]s up\n",
			br, cidr, tap, tapOpts,
		))
	}
	return out
}
