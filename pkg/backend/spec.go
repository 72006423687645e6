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
	"strconv"
)

var ErrInvalidSpec = errors.New("invalid boot spec")

const (
	DefaultNICModel        = "virtio-net-pci"
	DefaultMonitorDir      = "/srv/tansiv"
	DefaultVMISocket       = "/tmp/introspector"
	DefaultXenBridgeBinary = "/opt/tansiv/bin/xen_tansiv_bridge"

	plainNICModel      = "e1000"
	managementNICModel = "virtio-net-pci"
)

// BootSpec is everything needed to synthesize the launch of one VM besides
// its identity.
type BootSpec struct {
	Kind Kind

	// Binary is the QEMU executable. Unused by KindXen.
	Binary string
	// Image is the base disk the VM overlay is backed by.
	Image string
	// Memory uses QEMU's -m syntax; an integer number of MiB for KindXen.
	Memory    string
	ExtraArgs []string

	VCPUs int
	// CPUSet pins the vCPUs; only libvirt and Xen honour it.
	CPUSet string

	// Queues is the queue count of the tantap NIC.
	Queues int
	// NICModel is the QEMU device model of the tantap NIC.
	NICModel string

	// SocketName is the unix socket of the tansiv coordinator.
	SocketName string
	// NumBuffers sizes the tansiv buffer pool; zero keeps the default.
	NumBuffers int

	MonitorDir      string
	VMISocket       string
	XenBridgeBinary string
}

// WithDefaults returns a copy of s with every unset field defaulted. icount
// always runs a single vCPU.
func (s BootSpec) WithDefaults() BootSpec {
	if s.Memory == "" {
		s.Memory = s.Kind.DefaultMemory()
	}
	if s.VCPUs == 0 || s.Kind == KindIcount {
		s.VCPUs = 1
	}
	if s.Queues == 0 {
		s.Queues = 1
	}
	if s.NICModel == "" {
		s.NICModel = DefaultNICModel
	}
	if s.CPUSet == "" && s.Kind.Templated() {
		s.CPUSet = "0-" + strconv.Itoa(s.VCPUs)
	}
	if s.MonitorDir == "" {
		s.MonitorDir = DefaultMonitorDir
	}
	if s.VMISocket == "" {
		s.VMISocket = DefaultVMISocket
	}
	if s.XenBridgeBinary == "" {
		s.XenBridgeBinary = DefaultXenBridgeBinary
	}
	return s
}

// Validate reports every problem of s at once.
func (s BootSpec) Validate() error {
	var errs []error

	if _, err := ParseKind(string(s.Kind)); err != nil {
		errs = append(errs, err)
	}
	if s.Binary == "" && s.Kind != KindXen {
		errs = append(errs, errors.New("qemu binary must be set"))
	}
	if s.Image == "" {
		errs = append(errs, errors.New("image must be set"))
	}
	if _, err := ParseMemory(s.Memory); err != nil {
		errs = append(errs, err)
	}
	if s.VCPUs < 1 {
		errs = append(errs, fmt.Errorf("vcpus must be at least 1, got %d", s.VCPUs))
	}
	if err := ValidateQueues(s.Queues, s.VCPUs); err != nil {
		errs = append(errs, err)
	}
	if s.Kind == KindTap && s.Queues > 1 {
		errs = append(errs, errors.New("the tap backend does not support multi-queue NICs"))
	}
	if s.CPUSet != "" && !s.Kind.Templated() {
		errs = append(errs, fmt.Errorf("cpuset is only supported by libvirt and xen backends, not %s", s.Kind))
	}
	if s.Kind.Tansiv() && s.SocketName == "" {
		errs = append(errs, errors.New("socket name must be set"))
	}
	if s.NumBuffers < 0 {
		errs = append(errs, fmt.Errorf("num_buffers must not be negative, got %d", s.NumBuffers))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, errors.Join(errs...))
	}
	return nil
}

// Artifacts are the per-VM files prepared before synthesis.
type Artifacts struct {
	WorkDir string
	Disk    string
	ISO     string
}

// LaunchPlan is the synthesized, not yet executed, launch of a VM.
type LaunchPlan struct {
	Kind    Kind
	GDBPort int

	// Argv is set for backends exec'ed directly.
	Argv []string

	// The fields below are set for templated backends. Control runs in the
	// working directory once Descriptor has been written to DescriptorFile.
	DomainName     string
	DescriptorFile string
	Descriptor     []byte
	Control        []string

	// DomainIDQuery prints the id of the started domain. Xen only.
	DomainIDQuery []string
	// Companion is spawned once the domain id is known. Xen only.
	Companion *XenBridge
}

// Direct reports whether the plan is a process to exec.
func (p LaunchPlan) Direct() bool {
	return len(p.Argv) > 0
}

// XenBridge describes the helper forwarding a Xen vif to tansiv.
type XenBridge struct {
	Binary     string
	DomainName string
	SocketName string
	SourceIP   string
	NumBuffers int
}

// Args returns the argv of the helper for the domain domid. Its tantap
// vif is always the first one.
func (b XenBridge) Args(domid string) []string {
	return []string{
		b.Binary,
		b.DomainName,
		b.SocketName,
		b.SourceIP,
		strconv.Itoa(b.NumBuffers),
		domid,
		fmt.Sprintf("vif%s.0", domid),
	}
}
