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
	"strings"
)

var ErrUnknownKind = errors.New("unknown backend")

// Kind selects how a VM is launched.
type Kind string

const (
	// KindTap is plain QEMU with two regular taps and no tansiv coupling.
	KindTap Kind = "tap"
	// KindIcount is QEMU in instruction-counting mode driven by tansiv.
	KindIcount Kind = "icount"
	// KindKVM is QEMU/KVM driven by tansiv.
	KindKVM Kind = "kvm"
	// KindLibvirt hands a domain XML to libvirt.
	KindLibvirt Kind = "libvirt"
	// KindLibvirtVMI is KindLibvirt with KVM introspection enabled.
	KindLibvirtVMI Kind = "libvirt-vmi"
	// KindXen hands a domain config to xl and starts the tansiv bridge helper.
	KindXen Kind = "xen"
)

// Kinds lists every backend in a stable order.
func Kinds() []Kind {
	return []Kind{KindTap, KindIcount, KindKVM, KindLibvirt, KindLibvirtVMI, KindXen}
}

// ParseKind accepts backend names case-insensitively; "libvirt_vmi" is an
// alias of "libvirt-vmi".
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Templated reports whether the backend is driven through a descriptor file
// and a control-plane command rather than a direct exec.
func (k Kind) Templated() bool {
	return k == KindLibvirt || k == KindLibvirtVMI || k == KindXen
}

// Tansiv reports whether the backend is coupled to the tansiv coordinator
// socket.
func (k Kind) Tansiv() bool {
	return k != KindTap
}

// DefaultMemory is the memory assigned when none is configured.
func (k Kind) DefaultMemory() string {
	if k == KindXen {
		return "1000"
	}
	return "1G"
}

func (k Kind) String() string {
	return string(k)
}
