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
	"fmt"
	"path/filepath"

	"github.com/kaganisildak/tansiv/pkg/identity"
)

// qemuSynthesizer builds the argv of the QEMU backends.
type qemuSynthesizer struct {
	kind Kind
}

func (q qemuSynthesizer) Synthesize(id identity.VMIdentity, spec BootSpec, art Artifacts) (LaunchPlan, error) {
	argv := []string{spec.Binary}
	argv = append(argv, spec.ExtraArgs...)
	argv = append(argv, "-m", spec.Memory)

	switch q.kind {
	case KindIcount:
		argv = append(argv, vsgArgs(id, spec)...)
		argv = append(argv,
			"-icount", "shift=0,sleep=off,align=off",
			"-rtc", "clock=vm",
		)
	case KindKVM:
		argv = append(argv, vsgArgs(id, spec)...)
		argv = append(argv,
			"-accel", "kvm",
			"-smp", fmt.Sprintf("sockets=1,cores=%[1]d,threads=1,maxcpus=%[1]d", spec.VCPUs),
			"-monitor", fmt.Sprintf("unix:%s,server,nowait", filepath.Join(spec.MonitorDir, fmt.Sprintf("qemu-monitor-%d", id.Descriptor))),
			"-cpu", "max,invtsc=on",
			"-overcommit", "cpu-pm=on",
		)
	}

	argv = append(argv, "-drive", "file="+art.Disk, "-cdrom", art.ISO)
	argv = append(argv, nicArgs(id, spec, q.kind)...)
	argv = append(argv, gdbArgs(id)...)

	return LaunchPlan{
		Kind:    q.kind,
		GDBPort: id.GDBPort(),
		Argv:    argv,
	}, nil
}

// vsgArgs couples the tantap NIC to the tansiv coordinator.
func vsgArgs(id identity.VMIdentity, spec BootSpec) []string {
	vsg := fmt.Sprintf("mynet0,socket=%s,src=%s", spec.SocketName, id.Tantap.Addr())
	if spec.NumBuffers > 0 {
		vsg = fmt.Sprintf("%s,num_buffers=%d", vsg, spec.NumBuffers)
	}
	return []string{"--vsg", vsg}
}

// nicArgs declares the tantap NIC as mynet0 then the management NIC as mynet1.
func nicArgs(id identity.VMIdentity, spec BootSpec, kind Kind) []string {
	type nic struct {
		netdev string
		model  string
		queues int
	}

	nics := [2]nic{
		{netdev: "tantap", model: spec.NICModel, queues: spec.Queues},
		{netdev: "tap", model: managementNICModel, queues: 1},
	}
	if kind == KindTap {
		nics[identity.Tantap] = nic{netdev: "tap", model: plainNICModel, queues: 1}
		nics[identity.Management].model = plainNICModel
	}

	var args []string
	for i, n := range nics {
		tapOpts, deviceOpts := MultiQueueOptions(n.queues)
		args = append(args,
			"-netdev", fmt.Sprintf("%s,id=mynet%d,ifname=%s,script=no,downscript=no%s", n.netdev, i, id.TapNames[i], tapOpts),
			"-device", fmt.Sprintf("%s,netdev=mynet%d,mac=%s%s", n.model, i, id.MACs[i], deviceOpts),
		)
	}
	return args
}

func gdbArgs(id identity.VMIdentity) []string {
	return []string{"-gdb", fmt.Sprintf("tcp::%d,server,nowait", id.GDBPort())}
}
