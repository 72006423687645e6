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

package execcontext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

var ErrEmptyCommand = errors.New("empty command")

// Runner runs a host command to completion.
type Runner interface {
	// Run executes cmd in dir (the current directory when empty).
	Run(ctx context.Context, dir string, cmd ...string) (stdout, stderr string, err error)
}

// CommandError reports a command that could not run or exited non-zero.
type CommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", e.Cmd)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s with exit code %d", msg, e.ExitCode)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, stderr)
	}
	if e.Err != nil && e.ExitCode < 0 {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExecRunner is the Runner backed by os/exec.
type ExecRunner struct {
	execCtx Context
	log     *slog.Logger
}

// NewRunner returns a Runner applying execCtx to every command.
func NewRunner(execCtx Context, log *slog.Logger) *ExecRunner {
	if execCtx == nil {
		execCtx = New(nil, nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &ExecRunner{execCtx: execCtx, log: log}
}

// Context returns the execution context of the runner.
func (r *ExecRunner) Context() Context {
	return r.execCtx
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, dir string, cmd ...string) (string, string, error) {
	if len(cmd) == 0 {
		return "", "", ErrEmptyCommand
	}

	formatted := FormatCmd(r.execCtx, cmd...)
	r.log.Info("running command", "cmd", formatted, "dir", dir)

	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = dir
	ApplyToCmd(r.execCtx, c)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Run(); err != nil {
		return stdout.String(), stderr.String(), &CommandError{
			Cmd:      formatted,
			ExitCode: ExitCode(err),
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return stdout.String(), stderr.String(), nil
}

// ExitCode extracts the exit status of a finished command, or -1 if err does
// not carry one.
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
