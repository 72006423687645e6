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

package launcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/kaganisildak/tansiv/pkg/backend"
	"github.com/kaganisildak/tansiv/pkg/execcontext"
	"libvirt.org/go/libvirt"
)

var (
	ErrUnsupportedCreator = errors.New("domain creator does not support this backend")
	errConnectLibvirt     = errors.New("failed to connect to libvirt")
	errCloseLibvirt       = errors.New("failed to close libvirt connection")
)

// DomainCreator creates the domain of a templated plan whose descriptor has
// already been written to workDir. It returns what the control plane printed.
type DomainCreator interface {
	Create(ctx context.Context, workDir string, plan backend.LaunchPlan) (string, error)
}

var (
	_ DomainCreator = CommandCreator{}
	_ DomainCreator = ConnectCreator{}
)

// CommandCreator runs the plan's control command (virsh or xl) in workDir.
type CommandCreator struct {
	Runner execcontext.Runner
}

func (c CommandCreator) Create(ctx context.Context, workDir string, plan backend.LaunchPlan) (string, error) {
	stdout, _, err := c.Runner.Run(ctx, workDir, plan.Control...)
	return stdout, err
}

// ConnectCreator creates libvirt domains through the libvirt API at URI,
// e.g. qemu:///system.
type ConnectCreator struct {
	URI string
}

func (c ConnectCreator) Create(_ context.Context, _ string, plan backend.LaunchPlan) (out string, err error) {
	if plan.Kind != backend.KindLibvirt && plan.Kind != backend.KindLibvirtVMI {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCreator, plan.Kind)
	}

	conn, err := libvirt.NewConnect(c.URI)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", errConnectLibvirt, c.URI, err)
	}
	defer func() {
		if _, closeErr := conn.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: %v", errCloseLibvirt, closeErr)
		}
	}()

	dom, err := conn.DomainCreateXML(string(plan.Descriptor), libvirt.DOMAIN_NONE)
	if err != nil {
		return "", err
	}
	defer func() { _ = dom.Free() }()

	id, err := dom.GetID()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Domain '%s' created with id %d\n", plan.DomainName, id), nil
}
