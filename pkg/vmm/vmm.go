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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kaganisildak/tansiv/pkg/backend"
	"github.com/kaganisildak/tansiv/pkg/cloudinit"
	"github.com/kaganisildak/tansiv/pkg/execcontext"
	"github.com/kaganisildak/tansiv/pkg/identity"
	"github.com/kaganisildak/tansiv/pkg/launcher"
	"github.com/kaganisildak/tansiv/pkg/metrics"
	"github.com/kaganisildak/tansiv/pkg/network"
)

var (
	ErrInvalidRequest   = errors.New("invalid boot request")
	ErrMissingTool      = errors.New("required tool not found")
	ErrWorkDirExists    = errors.New("working directory already exists")
	ErrCreateWorkDir    = errors.New("failed to create working directory")
	ErrCloudInit        = errors.New("failed to prepare cloud-init seed")
	ErrCreateDisk       = errors.New("failed to create VM disk")
	ErrProvisionNetwork = errors.New("failed to provision network fabric")
	ErrSynthesize       = errors.New("failed to synthesize launch plan")
	ErrLaunch           = errors.New("failed to launch VM")
	errNoProvisioner    = errors.New("network auto-configuration requested without a provisioner")
)

// Boot steps, as reported in logs and metrics.
const (
	StepValidate  = "validate"
	StepTools     = "tools"
	StepWorkDir   = "workdir"
	StepCloudInit = "cloudinit"
	StepDisk      = "disk"
	StepNetwork   = "network"
	StepSynthesis = "synthesis"
	StepLaunch    = "launch"
)

// VMM boots tansiv VMs. Boot may be called concurrently for VMs with distinct
// descriptors.
type VMM struct {
	runner      execcontext.Runner
	packager    cloudinit.Packager
	provisioner *network.Provisioner
	launcher    *launcher.Launcher

	policy   WorkDirPolicy
	tools    []string
	lookPath func(string) (string, error)
	metrics  *metrics.Recorder
	log      *slog.Logger
}

// Option is a functional option for configuring a VMM.
type Option func(*VMM)

func WithWorkDirPolicy(p WorkDirPolicy) Option {
	return func(v *VMM) {
		v.policy = p
	}
}

// WithProvisioner enables network auto-configuration for requests asking
// for it.
func WithProvisioner(p *network.Provisioner) Option {
	return func(v *VMM) {
		v.provisioner = p
	}
}

// WithRequiredTools makes Boot fail before touching the filesystem when one
// of tools is not in PATH.
func WithRequiredTools(tools ...string) Option {
	return func(v *VMM) {
		v.tools = append(v.tools, tools...)
	}
}

// WithLookPath replaces exec.LookPath for tool checks.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(v *VMM) {
		v.lookPath = fn
	}
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(v *VMM) {
		v.metrics = r
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(v *VMM) {
		v.log = log
	}
}

// New returns a VMM running host commands through runner.
func New(runner execcontext.Runner, packager cloudinit.Packager, l *launcher.Launcher, opts ...Option) *VMM {
	v := &VMM{
		runner:   runner,
		packager: packager,
		launcher: l,
		policy:   WorkDirFail,
		lookPath: exec.LookPath,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Boot prepares every artifact of the VM described by req, then launches it.
// Steps run sequentially; the first failing step aborts the boot and its
// error wraps the step's sentinel. Nothing is created on the host before the
// request has been validated and the working directory claimed.
func (v *VMM) Boot(ctx context.Context, req Request) (meta *Metadata, err error) {
	spec := req.Spec.WithDefaults()
	kind := spec.Kind.String()
	defer func() { v.metrics.BootFinished(kind, err) }()

	// --------------------------------------------- Validate ------------------------------------------------------- //

	var (
		id   identity.VMIdentity
		docs cloudinit.Documents
	)
	if err := v.step(kind, StepValidate, func() error {
		var err error
		if id, err = identity.Derive(req.Identity); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if req.AutoconfigNet && v.provisioner == nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, errNoProvisioner)
		}
		if docs, err = cloudinit.Build(id, req.PublicKey); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	log := v.log.With("hostname", id.Hostname, "descriptor", id.Descriptor, "backend", kind)

	if err := v.step(kind, StepTools, v.checkTools); err != nil {
		return nil, err
	}

	// --------------------------------------------- Working directory ---------------------------------------------- //

	workDir, err := filepath.Abs(WorkDir(req.BaseWorkingDir, id.Hostname))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateWorkDir, err)
	}
	if err := v.step(kind, StepWorkDir, func() error { return prepareWorkDir(workDir, v.policy) }); err != nil {
		return nil, err
	}
	log.Info("prepared working directory", "workDir", workDir, "policy", string(v.policy))

	meta = &Metadata{
		Identity: id,
		WorkDir:  workDir,
	}

	// --------------------------------------------- Cloud-init ----------------------------------------------------- //

	if err := v.step(kind, StepCloudInit, func() error {
		files, err := cloudinit.WriteDocuments(workDir, docs)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCloudInit, err)
		}
		meta.CreatedFiles = append(meta.CreatedFiles, files...)

		iso, err := v.packager.Package(ctx, workDir)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCloudInit, err)
		}
		meta.Artifacts.ISO = iso
		meta.CreatedFiles = append(meta.CreatedFiles, iso)
		return nil
	}); err != nil {
		return nil, err
	}

	// --------------------------------------------- Disk ----------------------------------------------------------- //

	if err := v.step(kind, StepDisk, func() error {
		base, err := filepath.Abs(spec.Image)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCreateDisk, err)
		}
		if _, _, err := v.runner.Run(ctx, workDir, OverlayCommand(base, workDir)...); err != nil {
			return fmt.Errorf("%w: %w", ErrCreateDisk, err)
		}
		meta.Artifacts.Disk = filepath.Join(workDir, DiskFile)
		meta.CreatedFiles = append(meta.CreatedFiles, meta.Artifacts.Disk)
		return nil
	}); err != nil {
		return nil, err
	}
	meta.Artifacts.WorkDir = workDir

	// --------------------------------------------- Network -------------------------------------------------------- //

	if req.AutoconfigNet {
		if err := v.step(kind, StepNetwork, func() error {
			if err := v.provisioner.Provision(ctx, id, spec.Queues); err != nil {
				return fmt.Errorf("%w: %w", ErrProvisionNetwork, err)
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	// --------------------------------------------- Synthesis ------------------------------------------------------ //

	if err := v.step(kind, StepSynthesis, func() error {
		plan, err := backend.Synthesize(id, spec, meta.Artifacts)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSynthesize, err)
		}
		meta.Plan = plan
		return nil
	}); err != nil {
		return nil, err
	}

	// --------------------------------------------- Launch --------------------------------------------------------- //

	if err := v.step(kind, StepLaunch, func() error {
		if meta.Plan.Direct() {
			inst, err := v.launcher.Start(ctx, id.Hostname, meta.Plan, workDir)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrLaunch, err)
			}
			meta.Instance = inst
			v.metrics.VMStarted(kind)
			go func() {
				<-inst.Done()
				v.metrics.VMExited(kind)
			}()
			return nil
		}

		res, err := v.launcher.Run(ctx, meta.Plan, workDir)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrLaunch, err)
		}
		meta.Result = res
		if meta.Plan.DescriptorFile != "" {
			meta.CreatedFiles = append(meta.CreatedFiles, filepath.Join(workDir, meta.Plan.DescriptorFile))
		}
		return nil
	}); err != nil {
		return nil, err
	}

	log.Info("booted VM", "workDir", workDir, "gdbPort", meta.Plan.GDBPort, "domain", meta.Plan.DomainName)

	return meta, nil
}

func (v *VMM) checkTools() error {
	var errs []error
	for _, tool := range v.tools {
		if _, err := v.lookPath(tool); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tool, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrMissingTool, errors.Join(errs...))
	}
	return nil
}

func (v *VMM) step(kind, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	v.metrics.ObserveStep(kind, name, time.Since(start))
	if err != nil {
		v.log.Error("boot step failed", "step", name, "backend", kind, "error", err.Error())
	}
	return err
}
