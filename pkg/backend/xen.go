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
	"bytes"
	"errors"
	"fmt"
	"text/template"

	"github.com/kaganisildak/tansiv/pkg/identity"
)

var ErrRenderXenConfig = errors.New("failed to render xen domain config")

// xenConfig holds the values substituted into the xl domain config.
type xenConfig struct {
	Name    string
	UUID    string
	Memory  int64
	VCPUs   int
	CPUSet  string
	Image   string
	CDROM   string
	MACs    [2]string
	Bridges [2]string
}

// The tantap vif must stay first: the bridge helper attaches to vif<domid>.0.
const xenConfigTemplate = `# xl domain config for {{.Name}}
name = "{{.Name}}"
uuid = "{{.UUID}}"
type = "hvm"

memory = {{.Memory}}
vcpus = {{.VCPUs}}
cpus = "{{.CPUSet}}"

disk = [
    "format=qcow2,vdev=xvda,access=rw,target={{.Image}}",
    "format=raw,vdev=hdc,access=ro,devtype=cdrom,target={{.CDROM}}",
]
boot = "c"

vif = [
{{- range $i, $mac := .MACs}}
    "mac={{$mac}},bridge={{index $.Bridges $i}},type=vif",
{{- end}}
]

serial = "pty"
on_poweroff = "destroy"
on_reboot = "restart"
on_crash = "destroy"
`

var xenTemplate = template.Must(template.New("xen").Parse(xenConfigTemplate))

type xenSynthesizer struct{}

func (xenSynthesizer) Synthesize(id identity.VMIdentity, spec BootSpec, art Artifacts) (LaunchPlan, error) {
	mem, err := ParseMemory(spec.Memory)
	if err != nil {
		return LaunchPlan{}, err
	}

	var buf bytes.Buffer
	if err := xenTemplate.Execute(&buf, xenConfig{
		Name:    id.DomainName(),
		UUID:    id.UUID(),
		Memory:  mem.MiB(),
		VCPUs:   spec.VCPUs,
		CPUSet:  spec.CPUSet,
		Image:   art.Disk,
		CDROM:   art.ISO,
		MACs:    id.MACs,
		Bridges: id.BridgeNames,
	}); err != nil {
		return LaunchPlan{}, fmt.Errorf("%w: %v", ErrRenderXenConfig, err)
	}

	file := fmt.Sprintf("domain-%d.cfg", id.Descriptor)

	return LaunchPlan{
		Kind:           KindXen,
		GDBPort:        id.GDBPort(),
		DomainName:     id.DomainName(),
		DescriptorFile: file,
		Descriptor:     buf.Bytes(),
		Control:        []string{"xl", "create", "-f", file},
		DomainIDQuery:  []string{"xl", "domid", id.DomainName()},
		Companion: &XenBridge{
			Binary:     spec.XenBridgeBinary,
			DomainName: id.DomainName(),
			SocketName: spec.SocketName,
			SourceIP:   id.Tantap.Addr().String(),
			NumBuffers: spec.NumBuffers,
		},
	}, nil
}
