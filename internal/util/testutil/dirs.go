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

// Package testutil holds helpers shared by integration tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// LibvirtGroups are the groups the libvirt QEMU driver may run as.
var LibvirtGroups = []string{"libvirt", "libvirt-qemu", "kvm", "qemu"}

// WorkDir returns a tansiv base working directory under t.TempDir() that the
// libvirt QEMU user can traverse and write to.
//
// t.TempDir() is created 0700, so every ancestor up to /tmp is opened to
// 0755 and the libvirt groups get an ACL on the returned directory.
func WorkDir(t *testing.T) string {
	t.Helper()

	parent := t.TempDir()
	dir := filepath.Join(parent, "tansiv")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating %q: %v", dir, err)
	}

	for d := parent; d != "/" && d != "/tmp"; d = filepath.Dir(d) {
		if err := os.Chmod(d, 0o755); err != nil {
			t.Logf("chmod %q: %v", d, err)
		}
	}

	for _, group := range libvirtGroups(t) {
		for _, flags := range [][]string{{"-m"}, {"-d", "-m"}} {
			args := append([]string{"setfacl"}, flags...)
			args = append(args, "g:"+group+":rwx", dir)
			if out, err := exec.Command("sudo", args...).CombinedOutput(); err != nil {
				t.Logf("setfacl for group %q: %v: %s", group, err, out)
			}
		}
	}

	return dir
}

// libvirtGroups returns the group configured in /etc/libvirt/qemu.conf plus
// every group of LibvirtGroups present on the host.
func libvirtGroups(t *testing.T) []string {
	seen := make(map[string]bool)
	var groups []string
	add := func(g string) {
		if g != "" && !seen[g] {
			seen[g] = true
			groups = append(groups, g)
		}
	}

	if data, err := os.ReadFile("/etc/libvirt/qemu.conf"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "group = ") {
				add(strings.Trim(strings.TrimPrefix(line, "group = "), `"`))
			}
		}
	}

	for _, g := range LibvirtGroups {
		if exec.Command("getent", "group", g).Run() == nil {
			add(g)
		}
	}

	if len(groups) == 0 {
		t.Logf("no libvirt group found, relying on permissions only")
	}
	return groups
}
