// Package device holds the per-switch handle used across a deployment:
// identity, credentials, detected software state and the engine that
// talks to it.
package device

import (
	"context"
	"fmt"

	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/setup"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Credentials is a login pair.
type Credentials struct {
	User     string
	Password string
}

// Device is one switch (or DPU) under test. It is owned by a single
// deployment flow and is not safe for concurrent use.
type Device struct {
	Name        string
	Address     string
	SSHPort     int
	Credentials Credentials
	// AltPasswords are tried, in order, when Credentials are rejected.
	AltPasswords []string

	// Detected software state. Updated by Refresh.
	Branch       string
	ImageVersion string
	IsSanitizer  bool

	Platform string
	HwSKU    string
	Ports    []string

	IsBluefield bool
	// IsSimulated is fixed at construction from the setup name.
	IsSimulated bool

	RemoteRebootCmd string
	PXEBootCmd      string
	Console         *setup.ConsoleSpec
	BFB             *setup.BFBSpec
	DNSServers      []string

	Engine engine.Engine
}

// New builds a device handle from its setup entry with an SSH engine
// that has not dialed yet.
func New(spec *setup.DeviceSpec, s *setup.Setup) *Device {
	d := &Device{
		Name:            spec.Name,
		Address:         spec.Address,
		SSHPort:         spec.SSHPort,
		Credentials:     Credentials{User: spec.User, Password: spec.Password},
		AltPasswords:    append([]string(nil), spec.AltPasswords...),
		Platform:        spec.Platform,
		HwSKU:           spec.HwSKU,
		Ports:           append([]string(nil), spec.Ports...),
		IsBluefield:     spec.Bluefield,
		RemoteRebootCmd: spec.RemoteReboot,
		PXEBootCmd:      spec.PXEBootNext,
		Console:         spec.Console,
		BFB:             spec.BFB,
		DNSServers:      append([]string(nil), spec.DNSServers...),
	}
	if s != nil {
		d.IsSimulated = s.IsSimulated
	}
	d.Engine = engine.NewSSHEngine(d.Address, d.SSHPort, d.Credentials.User, d.Credentials.Password)
	return d
}

// String returns the device name.
func (d *Device) String() string { return d.Name }

// Refresh re-detects branch, image version and the sanitizer flag. It is
// called after every install since all three change with the image.
func (d *Device) Refresh(ctx context.Context) error {
	log := util.WithDevice(d.Name)

	branch, err := DetectBranch(ctx, d.Engine)
	if err != nil {
		return fmt.Errorf("device %s: %w", d.Name, err)
	}
	version, err := DetectImageVersion(ctx, d.Engine)
	if err != nil {
		return fmt.Errorf("device %s: %w", d.Name, err)
	}
	sanitizer := IsSanitizerVersion(version)

	d.Branch, d.ImageVersion, d.IsSanitizer = branch, version, sanitizer
	log.Infof("Detected branch=%s version=%s sanitizer=%v", branch, version, sanitizer)
	return nil
}

// Disconnect drops the device session.
func (d *Device) Disconnect() error {
	if d.Engine == nil {
		return nil
	}
	return d.Engine.Disconnect()
}
