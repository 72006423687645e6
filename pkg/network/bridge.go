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
	"net/netip"
	"strings"

	"github.com/kaganisildak/tansiv/pkg/execcontext"
)

var (
	ErrBridgeNameRequired = errors.New("bridge name is required")
	ErrTapNameRequired    = errors.New("tap name is required")
	ErrCIDRRequired       = errors.New("CIDR is required")
	ErrInvalidQueues      = errors.New("queue count must be at least 1")
	ErrCreateBridge       = errors.New("failed to create bridge")
	ErrAddBridgeIP        = errors.New("failed to add IP address to bridge")
	ErrBringLinkUp        = errors.New("failed to bring link up")
	ErrCheckLinkExists    = errors.New("failed to check if link exists")
	ErrCreateTap          = errors.New("failed to create tap")
	ErrAttachTap          = errors.New("failed to attach tap to bridge")
)

// BridgeConfig contains network bridge configuration
type BridgeConfig struct {
	Name string // e.g., "tantap-br"
	CIDR string // gateway address, e.g., "192.168.1.1/24"
}

func (c BridgeConfig) validate() error {
	if c.Name == "" {
		return ErrBridgeNameRequired
	}
	if c.CIDR == "" {
		return ErrCIDRRequired
	}
	return nil
}

// TapConfig contains tap device configuration
type TapConfig struct {
	Name   string // e.g., "tantap11"
	Bridge string // bridge the tap is enslaved to
	Queues int    // more than one creates a multi-queue tap with vnet headers
}

func (c TapConfig) validate() error {
	if c.Name == "" {
		return ErrTapNameRequired
	}
	if c.Bridge == "" {
		return ErrBridgeNameRequired
	}
	if c.Queues < 1 {
		return ErrInvalidQueues
	}
	return nil
}

// BridgeManager provisions bridges and taps with the 'ip' command.
type BridgeManager struct {
	runner execcontext.Runner
}

var _ Fabric = &BridgeManager{}

// NewBridgeManager returns a BridgeManager running commands through runner.
func NewBridgeManager(runner execcontext.Runner) *BridgeManager {
	return &BridgeManager{runner: runner}
}

// EnsureBridge implements Fabric.
func (m *BridgeManager) EnsureBridge(ctx context.Context, config BridgeConfig) error {
	if err := config.validate(); err != nil {
		return err
	}

	exists, err := m.linkExists(ctx, config.Name)
	if err != nil {
		return err
	}
	if !exists {
		if _, _, err := m.run(ctx, "ip", "link", "add", "name", config.Name, "type", "bridge"); err != nil {
			return fmt.Errorf("%w: %w", ErrCreateBridge, err)
		}
	}

	if _, _, err := m.run(ctx, "ip", "link", "set", config.Name, "up"); err != nil {
		return fmt.Errorf("%w: %w", ErrBringLinkUp, err)
	}

	return m.ensureBridgeIP(ctx, config.Name, config.CIDR)
}

// EnsureTap implements Fabric.
func (m *BridgeManager) EnsureTap(ctx context.Context, config TapConfig) error {
	if err := config.validate(); err != nil {
		return err
	}

	exists, err := m.linkExists(ctx, config.Name)
	if err != nil {
		return err
	}
	if !exists {
		cmd := []string{"ip", "tuntap", "add", config.Name, "mode", "tap"}
		if config.Queues > 1 {
			cmd = append(cmd, "vnet_hdr", "multi_queue")
		}
		if _, _, err := m.run(ctx, cmd...); err != nil {
			return fmt.Errorf("%w: %w", ErrCreateTap, err)
		}
	}

	if _, _, err := m.run(ctx, "ip", "link", "set", config.Name, "master", config.Bridge); err != nil {
		return fmt.Errorf("%w: %w", ErrAttachTap, err)
	}
	if _, _, err := m.run(ctx, "ip", "link", "set", config.Name, "up"); err != nil {
		return fmt.Errorf("%w: %w", ErrBringLinkUp, err)
	}
	return nil
}

// linkExists reports whether a link named name is present.
func (m *BridgeManager) linkExists(ctx context.Context, name string) (bool, error) {
	_, stderr, err := m.run(ctx, "ip", "link", "show", "dev", name)
	if err == nil {
		return true, nil
	}
	if strings.Contains(stderr, "does not exist") {
		return false, nil
	}
	return false, fmt.Errorf("%w: %w", ErrCheckLinkExists, err)
}

// ensureBridgeIP adds cidr to the bridge unless already assigned.
func (m *BridgeManager) ensureBridgeIP(ctx context.Context, name, cidr string) error {
	want, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAddBridgeIP, err)
	}

	stdout, _, err := m.run(ctx, "ip", "addr", "show", "dev", name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAddBridgeIP, err)
	}
	if hasAddress(stdout, want) {
		return nil
	}

	if _, stderr, err := m.run(ctx, "ip", "addr", "add", cidr, "dev", name); err != nil {
		// Another VM may have raced us between show and add.
		if !strings.Contains(stderr, "File exists") {
			return fmt.Errorf("%w: %w", ErrAddBridgeIP, err)
		}
	}
	return nil
}

// hasAddress reports whether the output of "ip addr show" lists want as an
// inet or inet6 address.
func hasAddress(stdout string, want netip.Prefix) bool {
	fields := strings.Fields(stdout)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] != "inet" && fields[i] != "inet6" {
			continue
		}
		if got, err := netip.ParsePrefix(fields[i+1]); err == nil && got == want {
			return true
		}
	}
	return false
}

func (m *BridgeManager) run(ctx context.Context, cmd ...string) (string, string, error) {
	return m.runner.Run(ctx, "", cmd...)
}
