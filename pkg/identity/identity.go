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

// Package identity derives every per-VM name and address used to wire a VM
// into the tantap (experimental) and mantap (management) networks.
//
// Derivation is pure: the same Input always yields the same VMIdentity, and no
// I/O is performed.
package identity

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation"
)

var (
	ErrInvalidAddress    = errors.New("invalid interface address")
	ErrInvalidPrefix     = errors.New("invalid prefix length")
	ErrOverlappingSubnet = errors.New("tantap and management subnets overlap")
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	ErrInvalidMAC        = errors.New("invalid MAC address")
	ErrInvalidHostname   = errors.New("invalid hostname")
)

const (
	TantapPrefix  = "tantap"
	MantapPrefix  = "mantap"
	HostnameStem  = "tansiv"
	GDBBasePort   = 1234
	MinPrefixBits = 24
	MaxPrefixBits = 30

	tantapMACFormat = "02:ca:fe:f0:0d:%02x"
	mantapMACFormat = "54:52:fe:f0:0d:%02x"
)

// NIC indexes in every two-element array of a VMIdentity.
const (
	Tantap = iota
	Management
)

// DescriptorSource selects where the descriptor of a VM comes from.
type DescriptorSource string

const (
	// DescriptorExplicit uses the descriptor given by the caller for every NIC.
	DescriptorExplicit DescriptorSource = "explicit"
	// DescriptorFromTantap takes the descriptor from the last octet of the
	// tantap address and names each NIC after the last octet of its own address.
	DescriptorFromTantap DescriptorSource = "tantap"
	// DescriptorFromManagement is DescriptorFromTantap keyed on the management
	// address instead.
	DescriptorFromManagement DescriptorSource = "management"
)

// ParseDescriptorSource accepts the names used on the command line.
func ParseDescriptorSource(s string) (DescriptorSource, error) {
	switch DescriptorSource(strings.ToLower(s)) {
	case "", DescriptorExplicit:
		return DescriptorExplicit, nil
	case DescriptorFromTantap:
		return DescriptorFromTantap, nil
	case DescriptorFromManagement:
		return DescriptorFromManagement, nil
	}
	return "", fmt.Errorf("%w: unknown descriptor source %q", ErrInvalidDescriptor, s)
}

// Input holds what the caller knows about a VM before derivation.
type Input struct {
	// Tantap and Management are interface addresses in CIDR notation,
	// e.g. "192.168.1.11/24".
	Tantap     string
	Management string

	Descriptor int
	Source     DescriptorSource

	// Hostname overrides the derived hostname when set.
	Hostname string
	// TantapMAC and ManagementMAC override the derived MACs when set.
	TantapMAC     string
	ManagementMAC string
}

// VMIdentity is the immutable result of Derive.
type VMIdentity struct {
	Descriptor int
	Tantap     netip.Prefix
	Management netip.Prefix
	Hostname   string

	// Each array is indexed by Tantap then Management.
	TapNames    [2]string
	BridgeNames [2]string
	MACs        [2]string
	Gateways    [2]netip.Prefix
}

// Derive validates in and computes the identity of a VM.
func Derive(in Input) (VMIdentity, error) {
	tantap, err := parseInterface(in.Tantap)
	if err != nil {
		return VMIdentity{}, fmt.Errorf("tantap: %w", err)
	}
	management, err := parseInterface(in.Management)
	if err != nil {
		return VMIdentity{}, fmt.Errorf("management: %w", err)
	}
	if tantap.Masked().Overlaps(management.Masked()) {
		return VMIdentity{}, fmt.Errorf("%w: %s and %s", ErrOverlappingSubnet, tantap, management)
	}

	var (
		descriptor int
		ids        [2]int
		hostname   string
	)
	switch in.Source {
	case "", DescriptorExplicit:
		descriptor = in.Descriptor
		ids = [2]int{descriptor, descriptor}
		hostname = fmt.Sprintf("%s-%d", HostnameStem, descriptor)
	case DescriptorFromTantap, DescriptorFromManagement:
		ids = [2]int{lastOctet(tantap.Addr()), lastOctet(management.Addr())}
		descriptor = ids[Tantap]
		if in.Source == DescriptorFromManagement {
			descriptor = ids[Management]
		}
		hostname = LegacyHostname(tantap.Addr())
	default:
		return VMIdentity{}, fmt.Errorf("%w: unknown descriptor source %q", ErrInvalidDescriptor, in.Source)
	}
	if descriptor < 1 || descriptor > 254 {
		return VMIdentity{}, fmt.Errorf("%w: %d is outside 1..254", ErrInvalidDescriptor, descriptor)
	}

	if in.Hostname != "" {
		if errs := validation.IsDNS1123Label(in.Hostname); len(errs) > 0 {
			return VMIdentity{}, fmt.Errorf("%w: %q: %s", ErrInvalidHostname, in.Hostname, strings.Join(errs, "; "))
		}
		hostname = in.Hostname
	}

	macs := [2]string{
		fmt.Sprintf(tantapMACFormat, ids[Tantap]),
		fmt.Sprintf(mantapMACFormat, ids[Management]),
	}
	for nic, override := range [2]string{in.TantapMAC, in.ManagementMAC} {
		if override == "" {
			continue
		}
		mac, err := ParseMAC(override)
		if err != nil {
			return VMIdentity{}, err
		}
		macs[nic] = mac
	}

	return VMIdentity{
		Descriptor: descriptor,
		Tantap:     tantap,
		Management: management,
		Hostname:   hostname,
		TapNames: [2]string{
			fmt.Sprintf("%s%d", TantapPrefix, ids[Tantap]),
			fmt.Sprintf("%s%d", MantapPrefix, ids[Management]),
		},
		BridgeNames: [2]string{TantapPrefix + "-br", MantapPrefix + "-br"},
		MACs:        macs,
		Gateways:    [2]netip.Prefix{Gateway(tantap), Gateway(management)},
	}, nil
}

// ParseMAC validates a 48-bit MAC address and returns it in lowercase,
// colon-separated form.
func ParseMAC(s string) (string, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	return hw.String(), nil
}

// GDBPort is the TCP port of the gdb stub exposed by the VM.
func (id VMIdentity) GDBPort() int {
	return GDBBasePort + id.Descriptor
}

// DomainName is the name given to the VM by libvirt and Xen.
func (id VMIdentity) DomainName() string {
	return fmt.Sprintf("%s-%d", HostnameStem, id.Descriptor)
}

// UUID is a stable UUID derived from the domain name.
func (id VMIdentity) UUID() string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id.DomainName())).String()
}

// Gateway returns the first host of the subnet of p, keeping the prefix length
// of p.
func Gateway(p netip.Prefix) netip.Prefix {
	return netip.PrefixFrom(p.Masked().Addr().Next(), p.Bits())
}

// LegacyHostname is the hostname historically derived from the tantap address,
// e.g. "tansiv-192-168-1-11".
func LegacyHostname(addr netip.Addr) string {
	return HostnameStem + "-" + strings.ReplaceAll(addr.String(), ".", "-")
}

// HostAlias maps an address to a short name.
type HostAlias struct {
	Addr  netip.Addr
	Alias string
}

// HostAliases enumerates every host of the subnet of p, excluding the network
// and broadcast addresses, in ascending order. Each host is aliased
// "<prefix><last octet>".
func HostAliases(p netip.Prefix, prefix string) []HostAlias {
	network := p.Masked()
	size := 1 << (32 - network.Bits())
	out := make([]HostAlias, 0, size-2)
	addr := network.Addr().Next()
	for i := 1; i < size-1; i++ {
		out = append(out, HostAlias{
			Addr:  addr,
			Alias: fmt.Sprintf("%s%d", prefix, lastOctet(addr)),
		})
		addr = addr.Next()
	}
	return out
}

func parseInterface(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: %q is not IPv4", ErrInvalidAddress, s)
	}
	if p.Bits() < MinPrefixBits || p.Bits() > MaxPrefixBits {
		return netip.Prefix{}, fmt.Errorf("%w: /%d not in /%d../%d", ErrInvalidPrefix, p.Bits(), MinPrefixBits, MaxPrefixBits)
	}
	if p.Addr() == p.Masked().Addr() {
		return netip.Prefix{}, fmt.Errorf("%w: %q is a network address", ErrInvalidAddress, s)
	}
	return p, nil
}

func lastOctet(addr netip.Addr) int {
	b := addr.As4()
	return int(b[3])
}
