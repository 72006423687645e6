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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/shlex"
	"github.com/kaganisildak/tansiv/internal/util/logging"
	"github.com/kaganisildak/tansiv/pkg/backend"
	"github.com/kaganisildak/tansiv/pkg/cloudinit"
	"github.com/kaganisildak/tansiv/pkg/identity"
	"github.com/kaganisildak/tansiv/pkg/network"
	"github.com/kaganisildak/tansiv/pkg/vmm"
	"sigs.k8s.io/yaml"
)

const (
	// PathEnvKey is the environment variable key for the config file path.
	PathEnvKey = "TANSIV_CONFIG_PATH"

	DefaultQEMU          = "qemu-system-x86_64"
	DefaultPublicKeyPath = "~/.ssh/id_rsa.pub"
	DefaultLockDir       = "/tmp/tansiv-locks"
	DefaultMetricsPath   = "/metrics"
	DefaultLibvirtURI    = "qemu:///system"
)

var (
	ErrReadConfig     = errors.New("reading config file")
	ErrParseConfig    = errors.New("parsing config")
	ErrUnknownFormat  = errors.New("unknown config file format")
	ErrEnvOverride    = errors.New("invalid environment override")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrExpandHomePath = errors.New("expanding home directory")
)

// Config is used to configure tanboot.
//
// Values are resolved in order: defaults, config file, environment variables,
// then command-line flags applied by the caller.
type Config struct {
	// Backend

	// Backend is one of tap, icount, kvm, libvirt, libvirt-vmi or xen.
	Backend string `json:"backend" toml:"backend"`
	// QEMU is the path to the qemu binary.
	QEMU string `json:"qemu" toml:"qemu"`
	// Image is the base disk every VM overlay is backed by.
	Image string `json:"image" toml:"image"`
	// Memory uses QEMU's -m syntax.
	Memory string `json:"memory" toml:"memory"`
	// QEMUArgs are passed to qemu before any synthesized argument.
	QEMUArgs []string `json:"qemuArgs" toml:"qemu_args"`

	VCPUs  int    `json:"vcpus" toml:"vcpus"`
	CPUSet string `json:"cpuset" toml:"cpuset"`

	// NICModel is the device model of the tantap NIC.
	NICModel string `json:"nicModel" toml:"nic_model"`
	// Queues is the queue count of the tantap NIC.
	Queues int `json:"queues" toml:"queues"`

	// SocketName is the unix socket of the tansiv coordinator.
	SocketName string `json:"socketName" toml:"socket_name"`
	NumBuffers int    `json:"numBuffers" toml:"num_buffers"`

	MonitorDir      string `json:"monitorDir" toml:"monitor_dir"`
	VMISocket       string `json:"vmiSocket" toml:"vmi_socket"`
	XenBridgeBinary string `json:"xenBridgeBinary" toml:"xen_bridge_binary"`

	// LibvirtURI makes libvirt backends create domains through the libvirt
	// API instead of virsh. The libvirt fabric also connects to it.
	LibvirtURI string `json:"libvirtURI" toml:"libvirt_uri"`

	// Identity

	// DescriptorSource is one of explicit, tantap or management.
	DescriptorSource string `json:"descriptorSource" toml:"descriptor_source"`
	// TantapMAC and ManagementMAC override the MACs derived from the
	// descriptor. Fleets ignore them.
	TantapMAC     string `json:"tantapMAC" toml:"tantap_mac"`
	ManagementMAC string `json:"managementMAC" toml:"management_mac"`
	// PublicKeyPath is installed in the guest when the file exists.
	PublicKeyPath string `json:"publicKeyPath" toml:"public_key_path"`

	// Host preparation

	// BaseWorkingDir holds one working directory per VM.
	BaseWorkingDir string `json:"baseWorkingDir" toml:"base_working_dir"`
	// WorkDirPolicy is one of fail or reuse.
	WorkDirPolicy string `json:"workDirPolicy" toml:"work_dir_policy"`
	// ISOBuilder is one of genisoimage, xorriso or diskfs.
	ISOBuilder string `json:"isoBuilder" toml:"iso_builder"`

	// AutoconfigNet creates bridges and taps before launching.
	AutoconfigNet bool `json:"autoconfigNet" toml:"autoconfig_net"`
	// Fabric is one of ip, netlink or libvirt.
	Fabric string `json:"fabric" toml:"fabric"`
	// Sudo prefixes host commands with "sudo -n".
	Sudo    bool   `json:"sudo" toml:"sudo"`
	LockDir string `json:"lockDir" toml:"lock_dir"`

	// Log is the configuration of the logger.
	Log struct {
		// Level is one of debug, info, warn or error.
		Level       string `json:"level" toml:"level"`
		Development bool   `json:"development" toml:"development"`
	} `json:"log" toml:"log"`

	// MetricsServer is the configuration for the metrics server.
	MetricsServer struct {
		// Addr disables the server when empty.
		Addr string `json:"addr" toml:"addr"`
		Path string `json:"path" toml:"path"`
	} `json:"metricsServer" toml:"metrics_server"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	c := &Config{
		Backend:          string(backend.KindTap),
		QEMU:             DefaultQEMU,
		DescriptorSource: string(identity.DescriptorExplicit),
		PublicKeyPath:    DefaultPublicKeyPath,
		BaseWorkingDir:   vmm.DefaultBaseWorkingDir,
		WorkDirPolicy:    string(vmm.WorkDirFail),
		ISOBuilder:       string(cloudinit.BuilderGenisoimage),
		Fabric:           string(network.KindIP),
		LockDir:          DefaultLockDir,
	}
	c.Log.Level = "info"
	c.MetricsServer.Path = DefaultMetricsPath
	return c
}

// Load reads the config file at path, if any, over the defaults and applies
// environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	c := Default()

	if path == "" {
		path, _ = lookup(PathEnvKey)
	}
	if path != "" {
		if err := c.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := c.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReadConfig, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		// Parse YAML (uses json tags)
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrParseConfig, path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrParseConfig, path, err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, path)
	}
	return nil
}

// ApplyEnv overrides c with the legacy QEMU, IMAGE, QEMU_ARGS, QEMU_MEM and
// AUTOCONFIG_NET variables, then with the TANSIV_ prefixed ones.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}

	str("QEMU", &c.QEMU)
	str("IMAGE", &c.Image)
	str("QEMU_MEM", &c.Memory)
	boolean("AUTOCONFIG_NET", &c.AutoconfigNet)
	if v, ok := lookup("QEMU_ARGS"); ok && v != "" {
		args, err := shlex.Split(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("QEMU_ARGS: %v", err))
		} else {
			c.QEMUArgs = args
		}
	}

	str("TANSIV_BACKEND", &c.Backend)
	str("TANSIV_SOCKET", &c.SocketName)
	integer("TANSIV_NUM_BUFFERS", &c.NumBuffers)
	str("TANSIV_NIC_MODEL", &c.NICModel)
	integer("TANSIV_QUEUES", &c.Queues)
	integer("TANSIV_VCPUS", &c.VCPUs)
	str("TANSIV_CPUSET", &c.CPUSet)
	str("TANSIV_BASE_WORKING_DIR", &c.BaseWorkingDir)
	str("TANSIV_WORKDIR_POLICY", &c.WorkDirPolicy)
	str("TANSIV_ISO_BUILDER", &c.ISOBuilder)
	str("TANSIV_FABRIC", &c.Fabric)
	boolean("TANSIV_SUDO", &c.Sudo)
	str("TANSIV_LIBVIRT_URI", &c.LibvirtURI)
	str("TANSIV_PUBLIC_KEY", &c.PublicKeyPath)
	str("TANSIV_TANTAP_MAC", &c.TantapMAC)
	str("TANSIV_MANAGEMENT_MAC", &c.ManagementMAC)
	str("TANSIV_LOG_LEVEL", &c.Log.Level)
	str("TANSIV_METRICS_ADDR", &c.MetricsServer.Addr)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrEnvOverride, errors.Join(errs...))
	}
	return nil
}

// Validate reports every invalid setting at once. Settings checked later by
// the boot itself, such as addresses, are not checked here.
func (c *Config) Validate() error {
	var errs []error

	if _, err := backend.ParseKind(c.Backend); err != nil {
		errs = append(errs, err)
	}
	if _, err := identity.ParseDescriptorSource(c.DescriptorSource); err != nil {
		errs = append(errs, err)
	}
	for _, mac := range []string{c.TantapMAC, c.ManagementMAC} {
		if mac == "" {
			continue
		}
		if _, err := identity.ParseMAC(mac); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := vmm.ParseWorkDirPolicy(c.WorkDirPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := cloudinit.NewPackager(cloudinit.Builder(c.ISOBuilder), nil); err != nil {
		errs = append(errs, err)
	}
	if _, err := network.NewFabric(network.Kind(c.Fabric), nil, ""); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Memory != "" {
		if _, err := backend.ParseMemory(c.Memory); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Queues < 0 || c.VCPUs < 0 || c.NumBuffers < 0 {
		errs = append(errs, errors.New("queues, vcpus and numBuffers must not be negative"))
	}
	if c.LibvirtURI != "" && network.Kind(c.Fabric) != network.KindLibvirt {
		if k, _ := backend.ParseKind(c.Backend); !k.Templated() || k == backend.KindXen {
			errs = append(errs, fmt.Errorf("libvirtURI requires a libvirt backend, got %q", c.Backend))
		}
	}
	if c.MetricsServer.Addr != "" && !strings.HasPrefix(c.MetricsServer.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics path must start with /, got %q", c.MetricsServer.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// BootSpec converts c into the backend part of a boot request. c must have
// been validated.
func (c *Config) BootSpec() backend.BootSpec {
	kind, _ := backend.ParseKind(c.Backend)
	return backend.BootSpec{
		Kind:            kind,
		Binary:          c.QEMU,
		Image:           c.Image,
		Memory:          c.Memory,
		ExtraArgs:       append([]string(nil), c.QEMUArgs...),
		VCPUs:           c.VCPUs,
		CPUSet:          c.CPUSet,
		Queues:          c.Queues,
		NICModel:        c.NICModel,
		SocketName:      c.SocketName,
		NumBuffers:      c.NumBuffers,
		MonitorDir:      c.MonitorDir,
		VMISocket:       c.VMISocket,
		XenBridgeBinary: c.XenBridgeBinary,
	}
}

// FabricLibvirtURI is the libvirt daemon the libvirt fabric talks to.
func (c *Config) FabricLibvirtURI() string {
	if c.LibvirtURI != "" {
		return c.LibvirtURI
	}
	return DefaultLibvirtURI
}

// ExpandedPublicKeyPath resolves a leading "~/" against the home directory.
func (c *Config) ExpandedPublicKeyPath() (string, error) {
	p := c.PublicKeyPath
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExpandHomePath, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
