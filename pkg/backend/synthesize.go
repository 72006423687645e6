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

	"github.com/kaganisildak/tansiv/pkg/identity"
)

// Synthesizer turns an identity and a boot spec into a launch plan. It never
// touches the host.
type Synthesizer interface {
	Synthesize(id identity.VMIdentity, spec BootSpec, art Artifacts) (LaunchPlan, error)
}

var synthesizers = map[Kind]Synthesizer{
	KindTap:        qemuSynthesizer{kind: KindTap},
	KindIcount:     qemuSynthesizer{kind: KindIcount},
	KindKVM:        qemuSynthesizer{kind: KindKVM},
	KindLibvirt:    libvirtSynthesizer{},
	KindLibvirtVMI: libvirtSynthesizer{introspection: true},
	KindXen:        xenSynthesizer{},
}

// For returns the synthesizer of kind.
func For(kind Kind) (Synthesizer, error) {
	s, ok := synthesizers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

// Synthesize defaults and validates spec then builds the launch plan of the
// VM identified by id.
func Synthesize(id identity.VMIdentity, spec BootSpec, art Artifacts) (LaunchPlan, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return LaunchPlan{}, err
	}

	s, err := For(spec.Kind)
	if err != nil {
		return LaunchPlan{}, err
	}

	return s.Synthesize(id, spec, art)
}
