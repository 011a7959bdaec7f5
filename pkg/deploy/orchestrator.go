package deploy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newtron-network/newtdeploy/pkg/device"
	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/health"
	"github.com/newtron-network/newtdeploy/pkg/onie"
	"github.com/newtron-network/newtdeploy/pkg/sonic"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// ONIE is the bootloader session the orchestrator needs. *onie.Session
// implements it.
type ONIE interface {
	InInstallMode(ctx context.Context) (bool, error)
	ConfirmInstallMode(ctx context.Context) error
	Install(ctx context.Context, url string) (string, error)
}

var _ ONIE = (*onie.Session)(nil)

// Console is a serial console. *engine.ConsoleEngine implements it.
type Console interface {
	Send(keys string) error
	SendLine(line string) error
	Expect(ctx context.Context, pattern *regexp.Regexp, timeout time.Duration) (string, error)
	Login(ctx context.Context, user, password string) error
	Close() error
}

var _ Console = (*engine.ConsoleEngine)(nil)

// BluefieldDockersList are the containers a healthy DPU runs.
var BluefieldDockersList = []string{"swss", "syncd", "pmon", "lldp"}

// Orchestrator deploys images onto one device. It owns the device for the
// duration of Run and is not safe for concurrent use.
type Orchestrator struct {
	Device  *device.Device
	Timing  Timing
	Sleeper util.Sleeper
	Host    engine.HostRunner
	Prober  health.PortWaiter
	// PortStatus reads link state. Nil means "show interfaces status".
	PortStatus sonic.PortStatusReader

	// NewCLI resolves the general CLI for the current branch.
	NewCLI func(branch string, args sonic.Args) sonic.GeneralCLI
	// NewONIE opens a session to the device bootloader.
	NewONIE func() ONIE
	// DialConsole opens the device serial console. Nil disables the
	// console fallbacks.
	DialConsole func(ctx context.Context) (Console, error)
	// WithPassword returns an engine for the device logging in with an
	// alternate password.
	WithPassword func(password string) engine.Engine

	outcome *Outcome
}

// New wires an orchestrator for d with real collaborators.
func New(d *device.Device) *Orchestrator {
	o := &Orchestrator{
		Device:  d,
		Timing:  DefaultTiming(),
		Sleeper: util.RealSleeper{},
		Host:    engine.LocalHost{},
		Prober:  health.NewPortProber(),
		NewCLI:  sonic.NewGeneralCLI,
	}
	o.NewONIE = func() ONIE {
		s := onie.NewSession(d.Address, d.SSHPort)
		s.Prober = o.Prober
		s.Sleeper = o.Sleeper
		return s
	}
	if d.Console != nil {
		spec := *d.Console
		o.DialConsole = func(ctx context.Context) (Console, error) {
			return engine.DialConsole(ctx, spec.Host, spec.Port)
		}
	}
	if ssh, ok := d.Engine.(*engine.SSHEngine); ok {
		o.WithPassword = func(password string) engine.Engine { return ssh.WithPassword(password) }
	}
	return o
}

func (o *Orchestrator) log() *logrus.Entry {
	return util.WithDevice(o.Device.Name)
}

func (o *Orchestrator) sleeper() util.Sleeper {
	if o.Sleeper == nil {
		return util.RealSleeper{}
	}
	return o.Sleeper
}

func (o *Orchestrator) sshPort() int {
	if o.Device.SSHPort == 0 {
		return 22
	}
	return o.Device.SSHPort
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration, why string) error {
	o.log().Infof("Sleeping %s %s", d, why)
	return o.sleeper().Sleep(ctx, d)
}

// CLI resolves the general CLI for the device's current branch.
func (o *Orchestrator) CLI() sonic.GeneralCLI {
	newCLI := o.NewCLI
	if newCLI == nil {
		newCLI = sonic.NewGeneralCLI
	}
	return newCLI(o.Device.Branch, sonic.Args{
		Engine:     o.Device.Engine,
		Sleeper:    o.sleeper(),
		PortStatus: o.PortStatus,
	})
}

func (o *Orchestrator) transition(s BootState, note string) {
	if o.outcome == nil {
		return
	}
	o.outcome.Transitions = append(o.outcome.Transitions, Transition{State: s, At: time.Now(), Note: note})
	if note != "" {
		o.log().Infof("State %s (%s)", s, note)
	} else {
		o.log().Infof("State %s", s)
	}
}

// RemoteReboot power-cycles the device out of band and waits until it
// answers on the SSH port. The host command must exit 0.
func (o *Orchestrator) RemoteReboot(ctx context.Context) error {
	cmd := o.Device.RemoteRebootCmd
	if cmd == "" {
		return util.NewPreconditionError("remote reboot", o.Device.Name, "remote reboot command configured", "")
	}
	o.log().Info("Executing remote reboot")
	res := o.Host.Run(ctx, cmd, o.Timing.HostTimeout)
	if res.Err != nil {
		return fmt.Errorf("remote reboot %s: %w", o.Device.Name, res.Err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("remote reboot %s: rc %d: %s", o.Device.Name, res.ExitCode, util.FirstLine(res.Stderr))
	}
	o.transition(StateRebooting, "remote reboot")
	return o.Prober.TillAlive(ctx, true, o.Device.Address, o.sshPort(), o.Timing.PortTries)
}

// isAlive probes the SSH port a couple of times.
func (o *Orchestrator) isAlive(ctx context.Context) bool {
	return o.Prober.TillAlive(ctx, true, o.Device.Address, o.sshPort(), o.Timing.AliveTries) == nil
}

// CheckAliveAndRevive remote reboots a device that does not answer.
func (o *Orchestrator) CheckAliveAndRevive(ctx context.Context) error {
	if o.isAlive(ctx) {
		return nil
	}
	o.log().Info("Device is not alive, reviving")
	if err := o.RemoteReboot(ctx); err != nil {
		return err
	}
	o.log().Info("Device is revived")
	return nil
}

// Probe classifies the device: IN_OS when the NOS accepts the device
// credentials, IN_BOOTLOADER when they are rejected (ONIE only knows root),
// UNREACHABLE otherwise.
func (o *Orchestrator) Probe(ctx context.Context) (BootState, error) {
	if !o.isAlive(ctx) {
		return StateUnreachable, fmt.Errorf("%s: ssh port closed: %w", o.Device.Name, util.ErrUnreachable)
	}
	_, err := o.Device.Engine.RunCmd(ctx, "echo dummy_command", engine.Validate(), engine.Quiet())
	switch {
	case err == nil:
		return StateInOS, nil
	case onie.IsONIE(err):
		return StateInBootloader, nil
	default:
		return StateUnreachable, err
	}
}

// confirm re-probes and, for a device sitting in ONIE, makes sure it is in
// install mode.
func (o *Orchestrator) confirm(ctx context.Context) (BootState, error) {
	state, err := o.Probe(ctx)
	if state != StateInBootloader {
		return state, err
	}
	o.log().Info("Login to ONIE succeeded")
	if err := o.NewONIE().ConfirmInstallMode(ctx); err != nil {
		return StateUnknown, fmt.Errorf("confirm ONIE install mode: %w", err)
	}
	return StateInBootloader, nil
}

type prepStep struct {
	name string
	run  func(ctx context.Context) error
}

// Prepare brings the device into a state an install can start from:
// either the NOS answering on its credentials or ONIE in install mode. It
// tries the recovery steps in order and re-probes after each one; the
// first confirmation wins.
func (o *Orchestrator) Prepare(ctx context.Context) (BootState, error) {
	o.transition(StateUnknown, "probe")
	steps := []prepStep{
		{"revive", o.CheckAliveAndRevive},
		{"alternate credentials", o.tryAltPasswords},
		{"remote reboot", o.remoteRebootStep},
		{"console boot menu", o.consoleBootMenu},
		{"console grub edit", o.consoleGrubEdit},
	}

	var errs []error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return StateUnknown, err
		}
		if err := step.run(ctx); errors.Is(err, errSkipStep) {
			continue
		} else if err != nil {
			o.log().Warnf("Preparation step %q failed: %v", step.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
		state, err := o.confirm(ctx)
		if err == nil {
			o.transition(state, step.name)
			return state, nil
		}
		o.log().Warnf("Device not ready after %q: %v", step.name, err)
		errs = append(errs, fmt.Errorf("after %s: %w", step.name, err))
	}
	o.transition(StateUnreachable, "")
	return StateUnreachable, fmt.Errorf("%s: could not bring device to an installable state: %w",
		o.Device.Name, errors.Join(errs...))
}

// prepareSONiC only revives the device and checks its state. The recovery
// chain of Prepare ends in ONIE, which a sonic-installer deploy cannot
// start from.
func (o *Orchestrator) prepareSONiC(ctx context.Context) (BootState, error) {
	o.transition(StateUnknown, "probe")
	if err := o.CheckAliveAndRevive(ctx); err != nil {
		o.transition(StateUnreachable, "")
		return StateUnreachable, fmt.Errorf("%s: revive: %w", o.Device.Name, err)
	}
	state, err := o.confirm(ctx)
	if err != nil {
		o.transition(StateUnreachable, "")
		return StateUnreachable, fmt.Errorf("%s: %w", o.Device.Name, err)
	}
	o.transition(state, "revive")
	return state, nil
}

var errSkipStep = errors.New("step not applicable")

func (o *Orchestrator) remoteRebootStep(ctx context.Context) error {
	if o.Device.RemoteRebootCmd == "" {
		return errSkipStep
	}
	return o.RemoteReboot(ctx)
}

// tryAltPasswords adopts the first alternate password the NOS accepts.
func (o *Orchestrator) tryAltPasswords(ctx context.Context) error {
	if len(o.Device.AltPasswords) == 0 || o.WithPassword == nil {
		return errSkipStep
	}
	for _, pw := range o.Device.AltPasswords {
		eng := o.WithPassword(pw)
		_, err := eng.RunCmd(ctx, "echo dummy_command", engine.Validate(), engine.Quiet())
		if err == nil {
			o.log().Info("Logged in with an alternate password")
			o.Device.Disconnect()
			o.Device.Engine = eng
			o.Device.Credentials.Password = pw
			return nil
		}
		eng.Disconnect()
		if !errors.Is(err, util.ErrAuthentication) {
			return err
		}
	}
	return fmt.Errorf("no alternate password accepted: %w", util.ErrAuthentication)
}

// Boot menu keystrokes: leave the current menu, enter, jump to the last
// entry (ONIE), enter, enter to pick install.
const bootMenuKeys = engine.KeyEsc + engine.KeyEnter + "\x16" + engine.KeyEnter + engine.KeyEnter

func (o *Orchestrator) consoleBootMenu(ctx context.Context) error {
	if o.DialConsole == nil {
		return errSkipStep
	}
	con, err := o.DialConsole(ctx)
	if err != nil {
		return err
	}
	defer con.Close()
	o.log().Info("Selecting ONIE from the boot menu over the console")
	for _, k := range bootMenuKeys {
		if err := con.Send(string(k)); err != nil {
			return err
		}
		if err := o.sleeper().Sleep(ctx, time.Second); err != nil {
			return err
		}
	}
	return o.waitBoot(ctx)
}

var shellPromptRE = regexp.MustCompile(`[$#]\s*$`)

func (o *Orchestrator) consoleGrubEdit(ctx context.Context) error {
	if o.DialConsole == nil {
		return errSkipStep
	}
	con, err := o.DialConsole(ctx)
	if err != nil {
		return err
	}
	defer con.Close()
	o.log().Info("Setting grub next_entry=ONIE over the console")
	c := o.Device.Credentials
	if err := con.Login(ctx, c.User, c.Password); err != nil {
		return fmt.Errorf("console login: %w", err)
	}
	if err := con.SendLine("sudo grub-editenv /host/grub/grubenv set next_entry=ONIE"); err != nil {
		return err
	}
	if _, err := con.Expect(ctx, shellPromptRE, o.Timing.ConsoleTimeout); err != nil {
		return err
	}
	if err := con.SendLine("sudo reboot"); err != nil {
		return err
	}
	return o.waitBoot(ctx)
}

// waitBoot waits out a reboot started behind the orchestrator's back.
func (o *Orchestrator) waitBoot(ctx context.Context) error {
	o.transition(StateRebooting, "")
	if err := o.sleep(ctx, o.Timing.SleepBeforeRemoteReboot, "before waiting for the switch"); err != nil {
		return err
	}
	if err := o.Prober.TillAlive(ctx, true, o.Device.Address, o.sshPort(), o.Timing.PortTries); err != nil {
		return err
	}
	return o.sleep(ctx, o.Timing.SleepAfterRemoteReboot, "after the switch answered to handle ssh flapping")
}
