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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kaganisildak/tansiv/pkg/identity"
	"golang.org/x/crypto/ssh"
	"sigs.k8s.io/yaml"
)

const (
	UserDataFile      = "user-data"
	MetaDataFile      = "meta-data"
	NetworkConfigFile = "network-config"

	cloudConfigHeader = "#cloud-config\n"
	bootMarker        = "----> START OF TANTAP CLOUD INIT <----------------"
)

var (
	ErrInvalidPublicKey = errors.New("invalid SSH public key")
	ErrRenderDocument   = errors.New("failed to render cloud-init document")
	ErrWriteDocument    = errors.New("failed to write cloud-init document")
	ErrMissingHeader    = errors.New("user-data does not start with #cloud-config")
)

type MetaData struct {
	InstanceID string `json:"instance-id"`
	PublicKeys string `json:"public-keys,omitempty"`
}

type Match struct {
	MACAddress string `json:"macaddress"`
}

type Ethernet struct {
	Match     Match    `json:"match"`
	SetName   string   `json:"set-name"`
	Addresses []string `json:"addresses"`
	Gateway4  string   `json:"gateway4"`
	DHCP4     bool     `json:"dhcp4"`
	DHCP6     bool     `json:"dhcp6"`
}

type NetworkConfig struct {
	Version   int                 `json:"version"`
	Ethernets map[string]Ethernet `json:"ethernets"`
}

type UserData struct {
	Hostname      string   `json:"hostname"`
	LocalHostname string   `json:"local-hostname"`
	DisableRoot   bool     `json:"disable_root"`
	BootCmd       []string `json:"bootcmd"`
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("%w: user-data: %v", ErrRenderDocument, err)
	}
	return fmt.Sprintf("%s%s", cloudConfigHeader, string(b)), nil
}

func (md MetaData) Render() (string, error) {
	b, err := yaml.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("%w: meta-data: %v", ErrRenderDocument, err)
	}
	return string(b), nil
}

func (nc NetworkConfig) Render() (string, error) {
	b, err := yaml.Marshal(nc)
	if err != nil {
		return "", fmt.Errorf("%w: network-config: %v", ErrRenderDocument, err)
	}
	return string(b), nil
}

// Documents is the NoCloud seed of one VM.
type Documents struct {
	UserData      UserData
	MetaData      MetaData
	NetworkConfig NetworkConfig
}

// Build derives the seed documents of a VM. publicKey is an authorized_keys
// line; when empty, meta-data carries no key.
func Build(id identity.VMIdentity, publicKey string) (Documents, error) {
	md := MetaData{InstanceID: id.Hostname}
	if strings.TrimSpace(publicKey) != "" {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey)); err != nil {
			return Documents{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		md.PublicKeys = publicKey
	}

	return Documents{
		UserData: UserData{
			Hostname:      id.Hostname,
			LocalHostname: id.Hostname,
			DisableRoot:   false,
			BootCmd:       bootCommands(id),
		},
		MetaData: md,
		NetworkConfig: NetworkConfig{
			Version: 2,
			Ethernets: map[string]Ethernet{
				"nic1": ethernet(id, identity.Tantap),
				"nic2": ethernet(id, identity.Management),
			},
		},
	}, nil
}

func ethernet(id identity.VMIdentity, nic int) Ethernet {
	addr := id.Tantap
	if nic == identity.Management {
		addr = id.Management
	}
	return Ethernet{
		Match:     Match{MACAddress: id.MACs[nic]},
		SetName:   fmt.Sprintf("tan%d", nic),
		Addresses: []string{addr.String()},
		Gateway4:  id.Gateways[nic].Addr().String(),
		DHCP4:     false,
		DHCP6:     false,
	}
}

// bootCommands fills /etc/hosts with an alias for every address of both
// subnets, then maps the hostname to the loopback address.
func bootCommands(id identity.VMIdentity) []string {
	tantap := identity.HostAliases(id.Tantap, identity.TantapPrefix)
	mantap := identity.HostAliases(id.Management, identity.MantapPrefix)

	cmds := make([]string, 0, len(tantap)+len(mantap)+2)
	cmds = append(cmds, bootMarker)
	for _, h := range append(tantap, mantap...) {
		cmds = append(cmds, fmt.Sprintf(`echo "%s    %s" >> /etc/hosts`, h.Addr, h.Alias))
	}
	cmds = append(cmds, fmt.Sprintf(`echo "127.0.0.1 %s" >> /etc/hosts`, id.Hostname))
	return cmds
}

// WriteDocuments renders docs into dir as user-data, meta-data and
// network-config, and returns the written paths in that order.
func WriteDocuments(dir string, docs Documents) ([]string, error) {
	userData, err := docs.UserData.Render()
	if err != nil {
		return nil, err
	}
	metaData, err := docs.MetaData.Render()
	if err != nil {
		return nil, err
	}
	networkConfig, err := docs.NetworkConfig.Render()
	if err != nil {
		return nil, err
	}

	files := []struct {
		name    string
		content string
	}{
		{UserDataFile, userData},
		{MetaDataFile, metaData},
		{NetworkConfigFile, networkConfig},
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrWriteDocument, path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ReadDocuments parses the documents written by WriteDocuments.
func ReadDocuments(dir string) (Documents, error) {
	var docs Documents

	b, err := os.ReadFile(filepath.Join(dir, UserDataFile))
	if err != nil {
		return Documents{}, err
	}
	if !strings.HasPrefix(string(b), cloudConfigHeader) {
		return Documents{}, ErrMissingHeader
	}
	if err := yaml.Unmarshal(b, &docs.UserData); err != nil {
		return Documents{}, fmt.Errorf("parsing %s: %w", UserDataFile, err)
	}

	b, err = os.ReadFile(filepath.Join(dir, MetaDataFile))
	if err != nil {
		return Documents{}, err
	}
	if err := yaml.Unmarshal(b, &docs.MetaData); err != nil {
		return Documents{}, fmt.Errorf("parsing %s: %w", MetaDataFile, err)
	}

	b, err = os.ReadFile(filepath.Join(dir, NetworkConfigFile))
	if err != nil {
		return Documents{}, err
	}
	if err := yaml.Unmarshal(b, &docs.NetworkConfig); err != nil {
		return Documents{}, fmt.Errorf("parsing %s: %w", NetworkConfigFile, err)
	}

	return docs, nil
}

// ReadPublicKey loads an authorized_keys line from path.
func ReadPublicKey(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("cannot read SSH public key at %s: %w", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}
