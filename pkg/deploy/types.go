// Package deploy brings a switch from whatever it runs now to a target
// SONiC image: it recovers the device into an installable state, installs
// with one mechanism-specific retry, validates the result and optionally
// applies the setup's base configuration.
package deploy

import (
	"fmt"
	"strings"
	"time"

	"github.com/newtron-network/newtdeploy/pkg/image"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Mechanism selects how the image reaches the device.
type Mechanism string

const (
	MechanismONIE  Mechanism = "onie"
	MechanismSONiC Mechanism = "sonic"
	MechanismBFB   Mechanism = "bfb"
	MechanismPXE   Mechanism = "pxe"
)

// Mechanisms lists every supported mechanism.
var Mechanisms = []Mechanism{MechanismONIE, MechanismSONiC, MechanismBFB, MechanismPXE}

// ParseMechanism accepts a mechanism name in any case.
func ParseMechanism(s string) (Mechanism, error) {
	m := Mechanism(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Mechanisms {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown deploy type %q (want onie, sonic, bfb or pxe): %w", s, util.ErrInvalidConfig)
}

// BootState is where the device is in the deployment lifecycle.
type BootState string

const (
	StateUnknown           BootState = "UNKNOWN_BOOT_STATE"
	StateInBootloader      BootState = "IN_BOOTLOADER"
	StateInOS              BootState = "IN_OS"
	StateUnreachable       BootState = "UNREACHABLE"
	StateInstalling        BootState = "INSTALLING"
	StateRebooting         BootState = "REBOOTING"
	StatePostInstallChecks BootState = "POST_INSTALL_CHECKS"
	StateDone              BootState = "DONE"
	StateFailed            BootState = "FAILED"
)

// Transition is one recorded state change.
type Transition struct {
	State BootState
	At    time.Time
	Note  string
}

// Outcome summarizes one device deployment.
type Outcome struct {
	Device      string
	Mechanism   Mechanism
	ImageURL    string
	Binary      string
	Branch      string
	Retried     bool
	Started     time.Time
	Finished    time.Time
	Transitions []Transition
}

// State returns the last recorded state.
func (o *Outcome) State() BootState {
	if len(o.Transitions) == 0 {
		return StateUnknown
	}
	return o.Transitions[len(o.Transitions)-1].State
}

// States returns the recorded states in order.
func (o *Outcome) States() []BootState {
	states := make([]BootState, len(o.Transitions))
	for i, t := range o.Transitions {
		states[i] = t.State
	}
	return states
}

// PlatformParams identifies the hardware the image and base config target.
type PlatformParams struct {
	Platform string
	HwSKU    string
	// Quirks are free-form platform flags, e.g. "bluefield".
	Quirks []string
}

// HasQuirk reports whether q is set.
func (p PlatformParams) HasQuirk(q string) bool {
	for _, x := range p.Quirks {
		if x == q {
			return true
		}
	}
	return false
}

// Request is one deployment. Use Validate to obtain the normalized copy the
// orchestrator consumes.
type Request struct {
	ImagePath string
	Mechanism Mechanism
	// FirmwarePath is the firmware package; its presence raises the docker
	// budget since firmware updates delay container start.
	FirmwarePath string
	Platform     PlatformParams
	SetupName    string
	// HTTPBase prefixes NFS paths and the setup's shared directory.
	HTTPBase string
	// SharedPath is the directory under HTTPBase with the setup's
	// port_config.ini and config_db.json.
	SharedPath string

	ApplyBaseConfig    bool
	RebootAfterInstall bool
	ShutdownBGP        bool
	DisableZTP         bool
	WJHDebURL          string
	// DockerTries is the post-install container budget. Zero means the
	// default, or FirmwareDockerTries when FirmwarePath is set.
	DockerTries int

	// Derived by Validate.
	imageURL   string
	imageLocal string
	validated  bool
}

// FirmwareDockerTries is the container budget for flows that also burn
// firmware.
const FirmwareDockerTries = 30

// ImageURL is the installer URL, set by Validate.
func (r Request) ImageURL() string { return r.imageURL }

// ImageLocalPath is the NFS path of the image when known, set by Validate.
func (r Request) ImageLocalPath() string { return r.imageLocal }

// Validate checks the request and returns a normalized copy: an NFS path
// gets its installer URL, and a URL under HTTPBase gets its NFS path back.
func (r Request) Validate() (Request, error) {
	v := &util.ValidationBuilder{}
	v.Add(r.ImagePath != "", "image path is required")
	if r.Mechanism != "" {
		if _, err := ParseMechanism(string(r.Mechanism)); err != nil {
			v.AddErrorf("unknown deploy type %q", r.Mechanism)
		}
	}
	v.Add(r.DockerTries >= 0, "docker tries must not be negative")
	if r.ApplyBaseConfig {
		v.Add(r.SetupName != "" || r.SharedPath != "", "base config needs a setup name or shared path")
		v.Add((r.Platform.Platform == "") == (r.Platform.HwSKU == ""), "base config needs both platform and hwsku")
	}
	if err := v.Build(); err != nil {
		return Request{}, err
	}

	out := r
	out.Platform.Quirks = append([]string(nil), r.Platform.Quirks...)
	if out.Mechanism == "" {
		out.Mechanism = MechanismONIE
	}
	if out.HTTPBase == "" {
		out.HTTPBase = image.DefaultHTTPBase
	}
	if out.DockerTries == 0 {
		out.DockerTries = defaultDockerTries
		if out.FirmwarePath != "" {
			out.DockerTries = FirmwareDockerTries
		}
	}

	if image.IsURL(r.ImagePath) {
		out.imageURL = r.ImagePath
		if p, ok := image.FromURL(r.ImagePath, out.HTTPBase); ok {
			out.imageLocal = p
		}
	} else {
		out.imageLocal = image.NormalizeNFSPath(r.ImagePath)
		u, err := image.ToInstallerURL(r.ImagePath, out.HTTPBase)
		if err != nil {
			return Request{}, err
		}
		out.imageURL = u
	}
	out.validated = true
	return out, nil
}

// sharedURL is the HTTP directory holding the setup's base config files.
func (r Request) sharedURL() string {
	if r.SharedPath != "" {
		if image.IsURL(r.SharedPath) {
			return strings.TrimRight(r.SharedPath, "/")
		}
		return strings.TrimRight(r.HTTPBase, "/") + "/" + strings.Trim(r.SharedPath, "/")
	}
	return strings.TrimRight(r.HTTPBase, "/") + MarsTopoFolder + r.SetupName
}

// MarsTopoFolder is the NFS directory of per-setup topology files.
const MarsTopoFolder = "/auto/sw_regression/system/SONIC/MARS/conf/topo/"

// Timing holds every fixed wait of a deployment.
type Timing struct {
	SleepBeforeRemoteReboot time.Duration
	SleepAfterRemoteReboot  time.Duration
	// OnieRebootWaitAfterPing is slept after a NOS to ONIE reboot.
	OnieRebootWaitAfterPing time.Duration
	BGPTries                int
	BGPDelay                time.Duration
	// RebootValidateAttempts is the reboot-and-recheck budget when
	// RebootAfterInstall is set.
	RebootValidateAttempts int
	AliveTries             int
	PortTries              int
	BFBTimeout             time.Duration
	HostTimeout            time.Duration
	SSHTries               int
	SSHDelay               time.Duration
	ConsoleTimeout         time.Duration
}

const defaultDockerTries = 21

// DefaultTiming returns the lab timing.
func DefaultTiming() Timing {
	return Timing{
		SleepBeforeRemoteReboot: 5 * time.Second,
		SleepAfterRemoteReboot:  35 * time.Second,
		OnieRebootWaitAfterPing: 15 * time.Second,
		BGPTries:                6,
		BGPDelay:                10 * time.Second,
		RebootValidateAttempts:  2,
		AliveTries:              2,
		PortTries:               120,
		BFBTimeout:              30 * time.Minute,
		HostTimeout:             5 * time.Minute,
		SSHTries:                10,
		SSHDelay:                10 * time.Second,
		ConsoleTimeout:          60 * time.Second,
	}
}
