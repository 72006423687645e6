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

// Package launcher executes launch plans: it spawns direct backends as
// process groups and drives templated backends through their control plane.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kaganisildak/tansiv/pkg/backend"
	"github.com/kaganisildak/tansiv/pkg/execcontext"
)

var (
	ErrNotDirect        = errors.New("launch plan is not a direct process")
	ErrNotTemplated     = errors.New("launch plan is not templated")
	ErrOpenLog          = errors.New("failed to open VM log file")
	ErrStartProcess     = errors.New("failed to start VM process")
	ErrWriteDescriptor  = errors.New("failed to write domain descriptor")
	ErrCreateDomain     = errors.New("failed to create domain")
	ErrResolveDomainID  = errors.New("failed to resolve domain id")
	ErrStartCompanion   = errors.New("failed to start companion process")
	ErrWriteCommandLine = errors.New("failed to write command line")
	errEmptyDomainID    = errors.New("empty domain id")
)

const (
	StdoutFile  = "out"
	StderrFile  = "err"
	CmdlineFile = "cmdline"
)

// Launcher starts VMs from launch plans.
type Launcher struct {
	execCtx execcontext.Context
	runner  execcontext.Runner
	creator DomainCreator
	log     *slog.Logger
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithExecContext sets the context applied to directly spawned processes.
func WithExecContext(execCtx execcontext.Context) Option {
	return func(l *Launcher) {
		l.execCtx = execCtx
	}
}

// WithDomainCreator replaces the control command used to create templated
// domains.
func WithDomainCreator(c DomainCreator) Option {
	return func(l *Launcher) {
		l.creator = c
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(l *Launcher) {
		l.log = log
	}
}

// New returns a Launcher running control-plane commands through runner.
func New(runner execcontext.Runner, opts ...Option) *Launcher {
	l := &Launcher{
		execCtx: execcontext.New(nil, nil),
		runner:  runner,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.creator == nil {
		l.creator = CommandCreator{Runner: runner}
	}
	return l
}

// Start spawns a direct plan in its own process group, with stdout and stderr
// redirected to files of workDir. Cancelling ctx kills the process group.
func (l *Launcher) Start(ctx context.Context, name string, plan backend.LaunchPlan, workDir string) (*Instance, error) {
	if !plan.Direct() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirect, plan.Kind)
	}

	if err := os.WriteFile(filepath.Join(workDir, CmdlineFile), []byte(strings.Join(plan.Argv, "\n")+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteCommandLine, err)
	}

	stdout, err := createLog(workDir, StdoutFile, false)
	if err != nil {
		return nil, err
	}
	stderr, err := createLog(workDir, StderrFile, false)
	if err != nil {
		_ = stdout.Close()
		return nil, err
	}

	cmd := exec.Command(plan.Argv[0], plan.Argv[1:]...)
	cmd.Dir = workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	execcontext.ApplyToCmd(l.execCtx, cmd)

	l.log.Info("starting VM", "name", name, "backend", plan.Kind.String(), "cmd", execcontext.FormatCmd(l.execCtx, plan.Argv...), "gdbPort", plan.GDBPort)

	inst, err := startInstance(name, cmd, stdout, stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStartProcess, name, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			if err := inst.Kill(); err != nil {
				l.log.Error("failed to kill VM", "name", name, "error", err.Error())
			}
		case <-inst.Done():
		}
	}()

	return inst, nil
}

// Result describes a domain created from a templated plan.
type Result struct {
	DomainName string
	// DomainID is set for Xen domains.
	DomainID string
	// Companion is the detached Xen bridge helper. Its lifecycle is not
	// managed by the launcher.
	Companion *Instance
}

// Run writes the descriptor of a templated plan into workDir, creates the
// domain and, for Xen, resolves its id and starts the companion helper.
func (l *Launcher) Run(ctx context.Context, plan backend.LaunchPlan, workDir string) (*Result, error) {
	if plan.Direct() {
		return nil, fmt.Errorf("%w: %s", ErrNotTemplated, plan.Kind)
	}

	descriptor := filepath.Join(workDir, plan.DescriptorFile)
	if err := os.WriteFile(descriptor, plan.Descriptor, 0o644); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrWriteDescriptor, descriptor, err)
	}

	l.log.Info("creating domain", "name", plan.DomainName, "backend", plan.Kind.String(), "descriptor", descriptor, "gdbPort", plan.GDBPort)

	out, err := l.creator.Create(ctx, workDir, plan)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCreateDomain, plan.DomainName, err)
	}
	if err := os.WriteFile(filepath.Join(workDir, StdoutFile), []byte(out), 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenLog, err)
	}

	res := &Result{DomainName: plan.DomainName}
	if len(plan.DomainIDQuery) == 0 {
		return res, nil
	}

	stdout, _, err := l.runner.Run(ctx, workDir, plan.DomainIDQuery...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrResolveDomainID, plan.DomainName, err)
	}
	res.DomainID = strings.TrimSpace(stdout)
	if res.DomainID == "" {
		return nil, fmt.Errorf("%w: %w for %s", ErrResolveDomainID, errEmptyDomainID, plan.DomainName)
	}

	if plan.Companion == nil {
		return res, nil
	}

	companion, err := l.startCompanion(plan.Companion.Args(res.DomainID), plan.DomainName, workDir)
	if err != nil {
		return nil, err
	}
	res.Companion = companion

	return res, nil
}

func (l *Launcher) startCompanion(argv []string, domain, workDir string) (*Instance, error) {
	stdout, err := createLog(workDir, StdoutFile, true)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Stdout = stdout
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	execcontext.ApplyToCmd(l.execCtx, cmd)

	l.log.Info("starting companion", "domain", domain, "cmd", execcontext.FormatCmd(l.execCtx, argv...))

	inst, err := startInstance(domain+"-bridge", cmd, stdout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStartCompanion, domain, err)
	}
	return inst, nil
}

func createLog(workDir, name string, appendMode bool) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	f, err := os.OpenFile(filepath.Join(workDir, name), flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenLog, err)
	}
	return f, nil
}
