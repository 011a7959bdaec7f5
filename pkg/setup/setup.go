// Package setup loads lab setup descriptions: the devices of a named setup
// with their addresses, credentials and out-of-band controls.
package setup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Defaults applied to devices that leave the field empty.
const (
	DefaultSSHPort  = 22
	DefaultUser     = "admin"
	DefaultPassword = "YourPaSsWoRd"
)

// Setup is one lab setup.
type Setup struct {
	Name string `yaml:"name"`
	// HTTPBase is prefixed to NFS image paths to form installer URLs,
	// e.g. "http://fit69.lab.example.com".
	HTTPBase string `yaml:"http_base"`
	// SharedPath is the per-setup directory (under HTTPBase) holding
	// port_config.ini and config_db.json for base config apply.
	SharedPath string                 `yaml:"shared_path"`
	Devices    map[string]*DeviceSpec `yaml:"devices"`

	// IsSimulated is true for SimX setups. Derived from Name at load time.
	IsSimulated bool `yaml:"-"`
}

// DeviceSpec describes one device of a setup.
type DeviceSpec struct {
	Name         string   `yaml:"-"`
	Address      string   `yaml:"address"`
	SSHPort      int      `yaml:"ssh_port,omitempty"`
	User         string   `yaml:"user,omitempty"`
	Password     string   `yaml:"password,omitempty"`
	AltPasswords []string `yaml:"alt_passwords,omitempty"`
	Platform     string   `yaml:"platform,omitempty"`
	HwSKU        string   `yaml:"hwsku,omitempty"`
	// Ports expected to come back up after install.
	Ports []string `yaml:"ports,omitempty"`
	// RemoteReboot is a host command that power-cycles the device out of band.
	RemoteReboot string `yaml:"remote_reboot,omitempty"`
	// PXEBootNext is a host command that sets the next boot to PXE.
	PXEBootNext string       `yaml:"pxe_boot_next,omitempty"`
	Console     *ConsoleSpec `yaml:"console,omitempty"`
	Bluefield   bool         `yaml:"bluefield,omitempty"`
	BFB         *BFBSpec     `yaml:"bfb,omitempty"`
	DNSServers  []string     `yaml:"dns_servers,omitempty"`
}

// ConsoleSpec is a console-server port attached to the device serial line.
type ConsoleSpec struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BFBSpec locates the host a BlueField DPU is attached to.
type BFBSpec struct {
	// Host runs bfb-install. Empty means the local machine.
	Host  string `yaml:"host,omitempty"`
	Rshim string `yaml:"rshim,omitempty"`
}

// Load reads and validates a setup file.
func Load(path string) (*Setup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading setup %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("setup %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		s.IsSimulated = isSimulated(s.Name)
	}
	return s, nil
}

// LoadNamed loads <dir>/<name>.yaml, falling back to .yml.
func LoadNamed(dir, name string) (*Setup, error) {
	path := filepath.Join(dir, name+".yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		alt := filepath.Join(dir, name+".yml")
		if _, err := os.Stat(alt); err == nil {
			path = alt
		}
	}
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	if s.Name != name {
		util.Warnf("setup file %s declares name %q, using %q", path, s.Name, name)
		s.Name = name
		s.IsSimulated = isSimulated(name)
	}
	return s, nil
}

// Parse decodes setup YAML, applies defaults and validates.
func Parse(data []byte) (*Setup, error) {
	var s Setup
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrInvalidConfig, err)
	}

	var vb util.ValidationBuilder
	vb.Add(len(s.Devices) > 0, "at least one device is required")
	for name, d := range s.Devices {
		if d == nil {
			vb.AddErrorf("device %s: empty definition", name)
			continue
		}
		d.Name = name
		vb.Add(d.Address != "", fmt.Sprintf("device %s: address is required", name))
		if d.Console != nil {
			vb.Add(d.Console.Host != "" && d.Console.Port > 0,
				fmt.Sprintf("device %s: console needs host and port", name))
		}
		if d.SSHPort == 0 {
			d.SSHPort = DefaultSSHPort
		}
		if d.User == "" {
			d.User = DefaultUser
		}
		if d.Password == "" {
			d.Password = DefaultPassword
		}
	}
	if err := vb.Build(); err != nil {
		return nil, err
	}

	s.IsSimulated = isSimulated(s.Name)
	return &s, nil
}

func isSimulated(name string) bool {
	return strings.Contains(strings.ToLower(name), "simx")
}

// Device returns the named device. An empty name selects the only device
// of a single-device setup.
func (s *Setup) Device(name string) (*DeviceSpec, error) {
	if name == "" {
		if len(s.Devices) == 1 {
			for _, d := range s.Devices {
				return d, nil
			}
		}
		return nil, fmt.Errorf("setup %s has %d devices: device name required", s.Name, len(s.Devices))
	}
	d, ok := s.Devices[name]
	if !ok {
		return nil, fmt.Errorf("device %s in setup %s: %w", name, s.Name, util.ErrNotFound)
	}
	return d, nil
}

// DeviceNames returns device names in sorted order.
func (s *Setup) DeviceNames() []string {
	names := make([]string, 0, len(s.Devices))
	for n := range s.Devices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
