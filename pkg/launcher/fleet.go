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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

var ErrDuplicateDescriptor = errors.New("descriptor already used in this fleet")

// Fleet tracks the VM processes started by one invocation, keyed by
// descriptor. A failing VM never affects its siblings.
type Fleet struct {
	log *slog.Logger

	mu        sync.Mutex
	instances map[int]*Instance
}

func NewFleet(log *slog.Logger) *Fleet {
	if log == nil {
		log = slog.Default()
	}
	return &Fleet{
		log:       log,
		instances: make(map[int]*Instance),
	}
}

// Reserve fails if descriptor is already tracked. It lets callers reject a
// duplicate before booting anything.
func (f *Fleet) Reserve(descriptor int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.instances[descriptor]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateDescriptor, descriptor)
	}
	f.instances[descriptor] = nil
	return nil
}

// Release forgets a reservation that was never filled.
func (f *Fleet) Release(descriptor int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.instances[descriptor] == nil {
		delete(f.instances, descriptor)
	}
}

// Add tracks inst under descriptor, filling a reservation if one exists.
func (f *Fleet) Add(descriptor int, inst *Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.instances[descriptor]; ok && existing != nil {
		return fmt.Errorf("%w: %d", ErrDuplicateDescriptor, descriptor)
	}
	f.instances[descriptor] = inst
	return nil
}

// Len returns the number of running or exited instances tracked.
func (f *Fleet) Len() int {
	return len(f.snapshot())
}

// Signal forwards sig to every instance.
func (f *Fleet) Signal(sig os.Signal) error {
	var errs []error
	for _, e := range f.snapshot() {
		f.log.Info("forwarding signal", "name", e.inst.Name, "descriptor", e.descriptor, "signal", sig.String())
		if err := e.inst.Signal(sig); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Terminate kills the process group of every instance.
func (f *Fleet) Terminate() error {
	var errs []error
	for _, e := range f.snapshot() {
		if err := e.inst.Kill(); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Wait waits for every instance and aggregates their failures.
func (f *Fleet) Wait() error {
	var errs []error
	for _, e := range f.snapshot() {
		if err := e.inst.Wait(); err != nil {
			f.log.Error("VM exited with error", "name", e.inst.Name, "descriptor", e.descriptor, "error", err.Error())
			errs = append(errs, err)
			continue
		}
		f.log.Info("VM exited", "name", e.inst.Name, "descriptor", e.descriptor)
	}
	return utilerrors.NewAggregate(errs)
}

type fleetEntry struct {
	descriptor int
	inst       *Instance
}

func (f *Fleet) snapshot() []fleetEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]fleetEntry, 0, len(f.instances))
	for d, inst := range f.instances {
		if inst != nil {
			out = append(out, fleetEntry{descriptor: d, inst: inst})
		}
	}
	slices.SortFunc(out, func(a, b fleetEntry) int { return a.descriptor - b.descriptor })
	return out
}
