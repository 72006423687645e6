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
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBaseWorkingDir is relative to the current directory.
const DefaultBaseWorkingDir = "tansiv-working-dir"

// WorkDir returns the working directory of hostname under base.
func WorkDir(base, hostname string) string {
	if base == "" {
		base = DefaultBaseWorkingDir
	}
	return filepath.Join(base, hostname)
}

// prepareWorkDir creates dir according to policy. The parent directories are
// created as needed; dir itself is never removed.
func prepareWorkDir(dir string, policy WorkDirPolicy) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrCreateWorkDir, err)
	}

	err := os.Mkdir(dir, 0o755)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrExist) && policy == WorkDirReuse:
		info, statErr := os.Stat(dir)
		if statErr != nil || !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrCreateWorkDir, dir)
		}
		return nil
	case errors.Is(err, os.ErrExist):
		return fmt.Errorf("%w: %s", ErrWorkDirExists, dir)
	default:
		return fmt.Errorf("%w: %v", ErrCreateWorkDir, err)
	}
}
