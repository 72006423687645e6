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
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// ExitError reports a VM process that exited unsuccessfully.
type ExitError struct {
	Name     string
	ExitCode int
	Err      error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %v", e.Name, e.ExitCode, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Instance is a running VM process. It leads its own process group.
type Instance struct {
	Name string
	Argv []string

	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func startInstance(name string, cmd *exec.Cmd, closers ...*os.File) (*Instance, error) {
	if err := cmd.Start(); err != nil {
		for _, f := range closers {
			_ = f.Close()
		}
		return nil, err
	}

	inst := &Instance{
		Name: name,
		Argv: cmd.Args,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		for _, f := range closers {
			_ = f.Close()
		}

		if err != nil {
			exitErr := &ExitError{Name: name, ExitCode: -1, Err: err}
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				exitErr.ExitCode = ee.ExitCode()
			}
			err = exitErr
		}

		inst.mu.Lock()
		inst.err = err
		inst.mu.Unlock()
		close(inst.done)
	}()

	return inst, nil
}

// PID returns the process id, which is also the process group id.
func (i *Instance) PID() int {
	return i.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (i *Instance) Done() <-chan struct{} {
	return i.done
}

// Wait blocks until the process exits. A nonzero exit is an *ExitError.
func (i *Instance) Wait() error {
	<-i.done

	i.mu.Lock()
	defer i.mu.Unlock()
	return i.err
}

// Signal delivers sig to the process only.
func (i *Instance) Signal(sig os.Signal) error {
	if i.exited() {
		return nil
	}
	if err := i.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signalling %s: %w", i.Name, err)
	}
	return nil
}

// Kill sends SIGKILL to the whole process group, including children that
// outlived the leader.
func (i *Instance) Kill() error {
	if err := unix.Kill(-i.PID(), unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing %s: %w", i.Name, err)
	}
	return nil
}

func (i *Instance) exited() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}
