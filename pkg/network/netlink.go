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

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkFabric provisions bridges and taps over rtnetlink. The calling
// process needs CAP_NET_ADMIN.
type NetlinkFabric struct{}

var _ Fabric = NetlinkFabric{}

// EnsureBridge implements Fabric.
func (NetlinkFabric) EnsureBridge(_ context.Context, config BridgeConfig) error {
	if err := config.validate(); err != nil {
		return err
	}

	addr, err := netlink.ParseAddr(config.CIDR)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrAddBridgeIP, config.CIDR, err)
	}

	link, found, err := lookupLink(config.Name)
	if err != nil {
		return err
	}
	if !found {
		slog.Info("creating bridge", "bridge", config.Name)
		br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: config.Name}}
		if err := netlink.LinkAdd(br); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("%w: %s: %v", ErrCreateBridge, config.Name, err)
		}
		if link, err = netlink.LinkByName(config.Name); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCreateBridge, config.Name, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBringLinkUp, config.Name, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAddBridgeIP, config.Name, err)
	}
	for _, a := range addrs {
		if a.IPNet != nil && a.IPNet.String() == addr.IPNet.String() {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("%w: %s: %v", ErrAddBridgeIP, config.Name, err)
	}
	return nil
}

// EnsureTap implements Fabric.
func (NetlinkFabric) EnsureTap(_ context.Context, config TapConfig) error {
	if err := config.validate(); err != nil {
		return err
	}

	link, found, err := lookupLink(config.Name)
	if err != nil {
		return err
	}
	if !found {
		slog.Info("creating tap", "tap", config.Name, "queues", config.Queues)
		tap := &netlink.Tuntap{
			LinkAttrs: netlink.LinkAttrs{Name: config.Name},
			Mode:      netlink.TUNTAP_MODE_TAP,
			Flags:     netlink.TUNTAP_DEFAULTS,
		}
		if config.Queues > 1 {
			tap.Flags = netlink.TUNTAP_MULTI_QUEUE_DEFAULTS | netlink.TUNTAP_VNET_HDR
		}
		if err := netlink.LinkAdd(tap); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("%w: %s: %v", ErrCreateTap, config.Name, err)
		}
		// The tap is persistent; the queue descriptors opened while creating it
		// are not needed.
		for _, f := range tap.Fds {
			_ = f.Close()
		}
		if link, err = netlink.LinkByName(config.Name); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCreateTap, config.Name, err)
		}
	}

	bridge, err := netlink.LinkByName(config.Bridge)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAttachTap, config.Bridge, err)
	}
	if err := netlink.LinkSetMaster(link, bridge); err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrAttachTap, config.Name, config.Bridge, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBringLinkUp, config.Name, err)
	}
	return nil
}

func lookupLink(name string) (netlink.Link, bool, error) {
	link, err := netlink.LinkByName(name)
	if err == nil {
		return link, true, nil
	}
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%w: %s: %v", ErrCheckLinkExists, name, err)
}
