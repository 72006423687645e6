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

package vmm

import (
	"fmt"
	"strings"

	"github.com/kaganisildak/tansiv/pkg/backend"
	"github.com/kaganisildak/tansiv/pkg/identity"
	"github.com/kaganisildak/tansiv/pkg/launcher"
)

// WorkDirPolicy decides what happens when the working directory of a VM
// already exists.
type WorkDirPolicy string

const (
	// WorkDirFail refuses to boot over an existing working directory.
	WorkDirFail WorkDirPolicy = "fail"
	// WorkDirReuse boots into an existing directory, overwriting artifacts.
	WorkDirReuse WorkDirPolicy = "reuse"
)

func ParseWorkDirPolicy(s string) (WorkDirPolicy, error) {
	switch WorkDirPolicy(strings.ToLower(s)) {
	case "", WorkDirFail:
		return WorkDirFail, nil
	case WorkDirReuse:
		return WorkDirReuse, nil
	}
	return "", fmt.Errorf("%w: unknown working directory policy %q", ErrInvalidRequest, s)
}

// Request is everything needed to boot one VM.
type Request struct {
	Identity identity.Input
	Spec     backend.BootSpec

	// PublicKey is an authorized_keys line installed for the guest user. It
	// may be empty.
	PublicKey string

	// BaseWorkingDir holds one working directory per VM, named after its
	// hostname.
	BaseWorkingDir string

	// AutoconfigNet creates the bridges and taps before launching.
	AutoconfigNet bool
}

// Metadata describes a booted VM.
type Metadata struct {
	Identity  identity.VMIdentity
	WorkDir   string
	Artifacts backend.Artifacts
	// CreatedFiles lists the files written into WorkDir.
	CreatedFiles []string
	Plan         backend.LaunchPlan

	// Instance is set for direct backends.
	Instance *launcher.Instance
	// Result is set for templated backends.
	Result *launcher.Result
}
