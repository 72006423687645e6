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

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

// Error variables for libvirt network operations
var (
	ErrTapFabricRequired = errors.New("libvirt fabric needs a fabric creating taps")
	ErrConnectLibvirt    = errors.New("failed to connect to libvirt")
	ErrDefineNetwork     = errors.New("failed to define libvirt network")
	ErrStartNetwork      = errors.New("failed to start libvirt network")
	ErrCheckNetwork      = errors.New("failed to check libvirt network")
	ErrMarshalNetworkXML = errors.New("failed to marshal network XML")
	ErrInvalidCIDR       = errors.New("invalid bridge CIDR")
)

// LibvirtFabric hands bridges to libvirt as isolated networks, so that
// libvirt owns the bridge and its gateway address. libvirt does not create
// standalone taps: taps are delegated to another Fabric.
type LibvirtFabric struct {
	uri  string
	taps Fabric
}

var _ Fabric = &LibvirtFabric{}

// NewLibvirtFabric returns a LibvirtFabric connecting to uri and creating
// taps through taps.
func NewLibvirtFabric(uri string, taps Fabric) *LibvirtFabric {
	return &LibvirtFabric{uri: uri, taps: taps}
}

// EnsureBridge defines and starts the network named after the bridge unless
// it already exists, in which case it is only started.
func (f *LibvirtFabric) EnsureBridge(_ context.Context, config BridgeConfig) error {
	if err := config.validate(); err != nil {
		return err
	}

	networkXML, err := NetworkXML(config)
	if err != nil {
		return err
	}

	conn, err := libvirt.NewConnect(f.uri)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnectLibvirt, f.uri, err)
	}
	defer func() { _, _ = conn.Close() }()

	network, err := conn.LookupNetworkByName(config.Name)
	if err != nil {
		var libvirtErr libvirt.Error
		if !errors.As(err, &libvirtErr) || libvirtErr.Code != libvirt.ERR_NO_NETWORK {
			return fmt.Errorf("%w: %s: %v", ErrCheckNetwork, config.Name, err)
		}

		if network, err = conn.NetworkDefineXML(networkXML); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDefineNetwork, config.Name, err)
		}
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCheckNetwork, config.Name, err)
	}
	if active {
		return nil
	}

	if err := network.Create(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStartNetwork, config.Name, err)
	}
	return nil
}

// EnsureTap delegates to the tap fabric.
func (f *LibvirtFabric) EnsureTap(ctx context.Context, config TapConfig) error {
	if f.taps == nil {
		return ErrTapFabricRequired
	}
	return f.taps.EnsureTap(ctx, config)
}

// NetworkXML renders the isolated libvirt network backing config: no forward
// mode and no DHCP, the bridge holding the gateway address.
func NetworkXML(config BridgeConfig) (string, error) {
	prefix, err := netip.ParsePrefix(config.CIDR)
	if err != nil || !prefix.Addr().Is4() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCIDR, config.CIDR)
	}

	network := &libvirtxml.Network{
		Name: config.Name,
		Bridge: &libvirtxml.NetworkBridge{
			Name: config.Name,
			STP:  "off",
		},
		IPs: []libvirtxml.NetworkIP{
			{
				Address: prefix.Addr().String(),
				Netmask: net.IP(net.CIDRMask(prefix.Bits(), 32)).String(),
			},
		},
	}

	xml, err := network.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMarshalNetworkXML, err)
	}
	return xml, nil
}
