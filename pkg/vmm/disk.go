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
	"path/filepath"
)

const (
	DiskFile   = "image.qcow2"
	QemuImgBin = "qemu-img"
)

// OverlayCommand returns the qemu-img invocation creating a copy-on-write
// overlay of base in workDir.
func OverlayCommand(base, workDir string) []string {
	return []string{
		QemuImgBin, "create",
		"-f", "qcow2",
		"-F", "qcow2",
		"-o", "backing_file=" + base,
		filepath.Join(workDir, DiskFile),
	}
}
