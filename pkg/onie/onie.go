// Package onie drives the ONIE install environment over its root shell.
package onie

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/health"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// InstalledMarker is printed by onie-nos-install on success.
const InstalledMarker = "Installed SONiC base image SONiC-OS successfully"

var (
	promptRE     = regexp.MustCompile(`ONIE:.+ #`)
	shellReadyRE = regexp.MustCompile(`#`)
	installRE    = regexp.MustCompile(`(` + regexp.QuoteMeta(InstalledMarker) + `)|(ONIE:.+ #)`)
)

// Terminal is an interactive shell driven by lines and prompt matching.
// *engine.ConsoleEngine implements it.
type Terminal interface {
	SendLine(line string) error
	Expect(ctx context.Context, pattern *regexp.Regexp, timeout time.Duration) (string, error)
	Close() error
}

// Timing is the ONIE wait budget.
type Timing struct {
	// CommandTimeout bounds a single shell command.
	CommandTimeout time.Duration
	// InstallWindow is how long onie-nos-install may stay silent before
	// the window counts as a timeout.
	InstallWindow time.Duration
	// InstallTimeouts silent windows fail the install.
	InstallTimeouts int
	// Settle is slept after the switch is back up from the install reboot.
	Settle time.Duration
	// SleepBeforeReboot and SleepAfterReboot bracket the install-mode reboot.
	SleepBeforeReboot time.Duration
	SleepAfterReboot  time.Duration
	// PortTries bounds each port down/up wait.
	PortTries int
}

// DefaultTiming returns the lab defaults.
func DefaultTiming() Timing {
	return Timing{
		CommandTimeout:    10 * time.Second,
		InstallWindow:     60 * time.Second,
		InstallTimeouts:   10,
		Settle:            10 * time.Second,
		SleepBeforeReboot: 5 * time.Second,
		SleepAfterReboot:  35 * time.Second,
		PortTries:         120,
	}
}

// Session talks to one switch sitting in ONIE. Every operation opens its
// own shell, since commands like reboot end the connection.
type Session struct {
	Host    string
	Port    int
	Timing  Timing
	Prober  health.PortWaiter
	Sleeper util.Sleeper
	// Dial opens a root shell. Defaults to SSH as root with an empty password.
	Dial func(ctx context.Context) (Terminal, error)
}

// NewSession returns a session for host with default timing.
func NewSession(host string, port int) *Session {
	if port == 0 {
		port = 22
	}
	s := &Session{
		Host:    host,
		Port:    port,
		Timing:  DefaultTiming(),
		Prober:  health.NewPortProber(),
		Sleeper: util.DefaultSleeper,
	}
	s.Dial = func(ctx context.Context) (Terminal, error) { return DialSSH(ctx, s.Host, s.Port) }
	return s
}

// DialSSH opens the ONIE root shell over SSH.
func DialSSH(ctx context.Context, host string, port int) (Terminal, error) {
	eng := engine.NewSSHEngine(host, port, "root", "")
	shell, err := eng.OpenShell(ctx)
	if err != nil {
		return nil, err
	}
	return &sshTerminal{ConsoleEngine: shell, eng: eng}, nil
}

type sshTerminal struct {
	*engine.ConsoleEngine
	eng *engine.SSHEngine
}

func (t *sshTerminal) Close() error {
	err := t.ConsoleEngine.Close()
	t.eng.Disconnect()
	return err
}

// IsONIE reports whether a NOS login failure means the switch answered
// from ONIE, which rejects the NOS credentials.
func IsONIE(err error) bool {
	return errors.Is(err, util.ErrAuthentication)
}

func (s *Session) open(ctx context.Context) (Terminal, error) {
	t, err := s.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("onie %s: %w", s.Host, err)
	}
	if _, err := t.Expect(ctx, shellReadyRE, s.Timing.CommandTimeout); err != nil {
		t.Close()
		return nil, fmt.Errorf("onie %s: no shell prompt: %w", s.Host, err)
	}
	return t, nil
}

// Run executes cmd in a fresh shell and returns its output. A connection
// dropped by the command itself (reboot) is not an error.
func (s *Session) Run(ctx context.Context, cmd string) (string, error) {
	t, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	defer t.Close()

	util.WithDevice(s.Host).Infof("Executing command %s", cmd)
	if err := t.SendLine(cmd); err != nil {
		return "", err
	}
	out, err := t.Expect(ctx, promptRE, s.Timing.CommandTimeout)
	if err != nil && !errors.Is(err, io.EOF) {
		return out, fmt.Errorf("onie %s: %s: %w", s.Host, cmd, err)
	}
	util.WithDevice(s.Host).Debugf("Output: %s", out)
	return out, nil
}

// Cmdline returns /proc/cmdline.
func (s *Session) Cmdline(ctx context.Context) (string, error) {
	return s.Run(ctx, "cat /proc/cmdline")
}

// InInstallMode reports whether ONIE booted in install mode.
func (s *Session) InInstallMode(ctx context.Context) (bool, error) {
	out, err := s.Cmdline(ctx)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "boot_reason=install"), nil
}

// ConfirmInstallMode switches ONIE into install mode, rebooting if needed.
func (s *Session) ConfirmInstallMode(ctx context.Context) error {
	log := util.WithDevice(s.Host)
	ok, err := s.InInstallMode(ctx)
	if err != nil {
		return err
	}
	if ok {
		log.Info("Switch is in ONIE install mode")
		return nil
	}

	log.Info("Switch is not in ONIE install mode, fixing")
	if _, err := s.Run(ctx, "onie-boot-mode -o install"); err != nil {
		return err
	}
	if _, err := s.Run(ctx, "reboot"); err != nil {
		return err
	}
	log.Infof("Sleeping %s before waiting for the switch", s.Timing.SleepBeforeReboot)
	if err := s.Sleeper.Sleep(ctx, s.Timing.SleepBeforeReboot); err != nil {
		return err
	}
	if err := s.Prober.TillAlive(ctx, true, s.Host, s.Port, s.Timing.PortTries); err != nil {
		return err
	}
	log.Infof("Sleeping %s to let the SSH session settle", s.Timing.SleepAfterReboot)
	return s.Sleeper.Sleep(ctx, s.Timing.SleepAfterReboot)
}

// StopDiscovery stops the ONIE discovery loop so it does not race a
// manual install.
func (s *Session) StopDiscovery(ctx context.Context) error {
	_, err := s.Run(ctx, "onie-discovery-stop")
	return err
}

// Install runs onie-nos-install for url and waits for the switch to
// reboot into the new image. Failures reported by the installer are
// *util.InstallationError.
func (s *Session) Install(ctx context.Context, url string) (string, error) {
	out, err := s.install(ctx, url)
	if err != nil {
		return out, err
	}

	log := util.WithDevice(s.Host)
	log.Info("Waiting for switch shutdown after install")
	if err := s.Prober.TillAlive(ctx, false, s.Host, s.Port, s.Timing.PortTries); err != nil {
		return out, err
	}
	log.Info("Waiting for switch bring-up after install")
	if err := s.Prober.TillAlive(ctx, true, s.Host, s.Port, s.Timing.PortTries); err != nil {
		return out, err
	}
	log.Infof("Waiting %s for CLI bring-up", s.Timing.Settle)
	return out, s.Sleeper.Sleep(ctx, s.Timing.Settle)
}

func (s *Session) install(ctx context.Context, url string) (string, error) {
	log := util.WithDevice(s.Host)
	t, err := s.open(ctx)
	if err != nil {
		return "", err
	}
	defer t.Close()

	var stdout strings.Builder
	log.Info("Stopping onie discovery")
	if err := t.SendLine("onie-discovery-stop"); err != nil {
		return "", err
	}
	out, err := t.Expect(ctx, promptRE, s.Timing.InstallWindow)
	stdout.WriteString(out)
	if err != nil && !errors.Is(err, io.EOF) {
		return stdout.String(), fmt.Errorf("onie %s: onie-discovery-stop: %w", s.Host, err)
	}

	log.Infof("Installing image %s", url)
	if err := t.SendLine("onie-nos-install " + url); err != nil {
		return stdout.String(), err
	}

	fail := func(cause error) (string, error) {
		return stdout.String(), util.NewInstallationError("onie", s.Host, stdout.String(), cause)
	}
	timeouts := 0
	for {
		out, err := t.Expect(ctx, installRE, s.Timing.InstallWindow)
		if !errors.Is(err, engine.ErrExpectTimeout) {
			stdout.WriteString(out)
		}
		switch {
		case err == nil:
			if strings.Contains(out, InstalledMarker) {
				log.Info("SONiC installed")
				return stdout.String(), nil
			}
			return fail(errors.New("onie-nos-install returned to the prompt"))
		case errors.Is(err, engine.ErrExpectTimeout):
			timeouts++
			log.Infof("No installer output for %s (%d/%d)", s.Timing.InstallWindow, timeouts, s.Timing.InstallTimeouts)
			if timeouts >= s.Timing.InstallTimeouts {
				stdout.WriteString(out)
				return fail(fmt.Errorf("no install result after %d silent windows of %s", timeouts, s.Timing.InstallWindow))
			}
		case errors.Is(err, io.EOF):
			return fail(errors.New("connection closed before install finished"))
		default:
			return stdout.String(), err
		}
	}
}
