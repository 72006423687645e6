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

package cloudinit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/diskfs/go-diskfs/filesystem/iso9660"
	"github.com/kaganisildak/tansiv/pkg/execcontext"
)

const (
	ISOFile  = "cloud-init.iso"
	VolumeID = "cidata"

	isoBlockSize = 2048
)

var (
	ErrPackageISO     = errors.New("failed to package cloud-init ISO")
	ErrUnknownBuilder = errors.New("unknown ISO builder")
)

// Builder names an ISO packaging backend.
type Builder string

const (
	BuilderGenisoimage Builder = "genisoimage"
	BuilderXorriso     Builder = "xorriso"
	BuilderDiskfs      Builder = "diskfs"
)

// Packager turns the seed documents of a directory into cloud-init.iso in
// that same directory.
type Packager interface {
	Package(ctx context.Context, dir string) (string, error)
}

// NewPackager returns the packager for b. There is no fallback between
// builders: a missing tool surfaces as an error when packaging.
func NewPackager(b Builder, runner execcontext.Runner) (Packager, error) {
	switch b {
	case "", BuilderGenisoimage, BuilderXorriso:
		if b == "" {
			b = BuilderGenisoimage
		}
		return &ExternalPackager{runner: runner, tool: b}, nil
	case BuilderDiskfs:
		return DiskfsPackager{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBuilder, b)
}

// Tool returns the host binary b relies on, if any.
func (b Builder) Tool() string {
	switch b {
	case "", BuilderGenisoimage:
		return string(BuilderGenisoimage)
	case BuilderXorriso:
		return string(BuilderXorriso)
	}
	return ""
}

// ExternalPackager shells out to genisoimage or xorriso.
type ExternalPackager struct {
	runner execcontext.Runner
	tool   Builder
}

// Command returns the argv used to package dir.
func (p *ExternalPackager) Command(dir string) []string {
	iso := filepath.Join(dir, ISOFile)
	var cmd []string
	if p.tool == BuilderXorriso {
		cmd = []string{"xorriso", "-as", "mkisofs"}
	} else {
		cmd = []string{"genisoimage"}
	}
	return append(cmd,
		"-output", iso,
		"-volid", VolumeID,
		"-joliet", "-rock",
		UserDataFile, MetaDataFile, NetworkConfigFile,
	)
}

// Package implements Packager.
func (p *ExternalPackager) Package(ctx context.Context, dir string) (string, error) {
	if _, _, err := p.runner.Run(ctx, dir, p.Command(dir)...); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPackageISO, err)
	}
	return filepath.Join(dir, ISOFile), nil
}

// DiskfsPackager writes an ISO 9660 image with Rock Ridge extensions without
// any host tool. Joliet records are not produced.
type DiskfsPackager struct{}

// Package implements Packager.
func (DiskfsPackager) Package(_ context.Context, dir string) (string, error) {
	iso := filepath.Join(dir, ISOFile)
	names := []string{UserDataFile, MetaDataFile, NetworkConfigFile}

	contents := make(map[string][]byte, len(names))
	size := int64(1 << 20)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrPackageISO, err)
		}
		contents[name] = b
		size += int64(len(b))
	}
	size = (size + isoBlockSize - 1) / isoBlockSize * isoBlockSize

	if err := os.Remove(iso); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %v", ErrPackageISO, err)
	}

	d, err := diskfs.Create(iso, size, diskfs.SectorSizeDefault)
	if err != nil {
		return "", fmt.Errorf("%w: create image: %v", ErrPackageISO, err)
	}
	d.LogicalBlocksize = isoBlockSize

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeISO9660,
		VolumeLabel: VolumeID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: create filesystem: %v", ErrPackageISO, err)
	}
	defer fs.Close()

	for _, name := range names {
		handle, err := fs.OpenFile("/"+name, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return "", fmt.Errorf("%w: open %s: %v", ErrPackageISO, name, err)
		}
		if _, err := handle.Write(contents[name]); err != nil {
			handle.Close()
			return "", fmt.Errorf("%w: write %s: %v", ErrPackageISO, name, err)
		}
		if err := handle.Close(); err != nil {
			return "", fmt.Errorf("%w: close %s: %v", ErrPackageISO, name, err)
		}
	}

	isoFS, ok := fs.(*iso9660.FileSystem)
	if !ok {
		return "", fmt.Errorf("%w: unexpected filesystem type %T", ErrPackageISO, fs)
	}
	if err := isoFS.Finalize(iso9660.FinalizeOptions{
		RockRidge:        true,
		VolumeIdentifier: VolumeID,
	}); err != nil {
		return "", fmt.Errorf("%w: finalize: %v", ErrPackageISO, err)
	}

	return iso, nil
}
