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

// Package network provisions the host side of the tantap and mantap networks.
//
// Every VM NIC needs a bridge carrying the gateway address of its subnet and a
// tap device enslaved to that bridge. Three Fabric implementations exist:
//
//   - BridgeManager: drives the 'ip' command through an execcontext.Runner, so
//     commands can be prefixed with sudo and are logged verbatim
//   - NetlinkFabric: talks rtnetlink directly, for processes holding
//     CAP_NET_ADMIN
//   - LibvirtFabric: defines each bridge as an isolated libvirt network and
//     delegates taps to another Fabric
//
// All are idempotent: existing links and addresses are left untouched.
//
// # Example Usage
//
//	runner := execcontext.NewRunner(execcontext.Privileged(true), slog.Default())
//	p := network.NewProvisioner(network.NewBridgeManager(runner), "/run/lock", slog.Default())
//	if err := p.Provision(ctx, id, 4); err != nil {
//	    // handle error
//	}
//
// Several VMs booting at once share the same two bridges; Provisioner holds a
// per-bridge file lock while a NIC is being set up.
package network
