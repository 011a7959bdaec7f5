package deploy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtdeploy/internal/testutil"
	"github.com/newtron-network/newtdeploy/pkg/device"
	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/setup"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

const (
	rebootCmd = "rreboot dut"
	newImage  = "SONiC-OS-master.234-27a6641fb_Internal"
)

// fakeWaiter fails the first dead TillAlive(true) calls.
type fakeWaiter struct {
	mu    sync.Mutex
	dead  int
	calls []bool
}

func (w *fakeWaiter) TillAlive(ctx context.Context, shouldBeAlive bool, host string, port, tries int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, shouldBeAlive)
	if shouldBeAlive && w.dead > 0 {
		w.dead--
		return fmt.Errorf("%s:%d: %w", host, port, util.ErrHealthTimeout)
	}
	return nil
}

type fakeONIE struct {
	mu          sync.Mutex
	confirmErrs []error
	installErrs []error
	confirms    int
	installs    []string
}

func (f *fakeONIE) InInstallMode(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeONIE) ConfirmInstallMode(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	if len(f.confirmErrs) > 0 {
		err := f.confirmErrs[0]
		f.confirmErrs = f.confirmErrs[1:]
		return err
	}
	return nil
}

func (f *fakeONIE) Install(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installs = append(f.installs, url)
	if len(f.installErrs) > 0 {
		err := f.installErrs[0]
		f.installErrs = f.installErrs[1:]
		return "", err
	}
	return "Installed SONiC base image SONiC-OS successfully", nil
}

type fakeConsole struct {
	sends []string
	lines []string
	login bool
}

func (c *fakeConsole) Send(keys string) error     { c.sends = append(c.sends, keys); return nil }
func (c *fakeConsole) SendLine(line string) error { c.lines = append(c.lines, line); return nil }
func (c *fakeConsole) Login(ctx context.Context, user, password string) error {
	c.login = true
	return nil
}
func (c *fakeConsole) Expect(ctx context.Context, re *regexp.Regexp, timeout time.Duration) (string, error) {
	return "$ ", nil
}
func (c *fakeConsole) Close() error { return nil }

type fixture struct {
	eng     *testutil.FakeEngine
	sleeper *testutil.FakeSleeper
	host    *testutil.FakeHost
	waiter  *fakeWaiter
	onie    *fakeONIE
	o       *Orchestrator
}

func newFixture(name string) *fixture {
	f := &fixture{
		eng:     testutil.NewFakeEngine("10.0.0.1"),
		sleeper: &testutil.FakeSleeper{},
		host:    &testutil.FakeHost{},
		waiter:  &fakeWaiter{},
		onie:    &fakeONIE{},
	}
	f.eng.On("which sonic-installer", "/usr/local/bin/sonic-installer")
	f.eng.On("sudo sonic-installer binary-version", newImage+"\n")
	f.eng.On("sudo sonic-installer list", "Current: "+newImage+"\nNext: "+newImage+"\nAvailable:\n"+newImage+"\n")
	d := &device.Device{
		Name:            name,
		Address:         "10.0.0.1",
		SSHPort:         22,
		Credentials:     device.Credentials{User: "admin", Password: "YourPaSsWoRd"},
		RemoteRebootCmd: "rreboot " + name,
		Engine:          f.eng,
	}
	f.o = &Orchestrator{
		Device:  d,
		Timing:  DefaultTiming(),
		Sleeper: f.sleeper,
		Host:    f.host,
		Prober:  f.waiter,
		NewONIE: func() ONIE { return f.onie },
	}
	return f
}

func sonicRequest() Request {
	return Request{ImagePath: "/auto/images/x.bin", Mechanism: MechanismSONiC, HTTPBase: "http://h"}
}

func installCmds(eng *testutil.FakeEngine) []string {
	var cmds []string
	for _, c := range eng.History() {
		if strings.HasPrefix(c, "sudo sonic-installer install") {
			cmds = append(cmds, c)
		}
	}
	return cmds
}

func TestRunSONiC(t *testing.T) {
	f := newFixture("dut")
	out, err := f.o.Run(context.Background(), sonicRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Binary != newImage || out.Retried {
		t.Errorf("outcome binary=%q retried=%v", out.Binary, out.Retried)
	}
	if out.Branch != "master" {
		t.Errorf("branch = %q, want master", out.Branch)
	}
	wantStates := []BootState{StateUnknown, StateInOS, StateInstalling, StateRebooting, StatePostInstallChecks, StateDone}
	if diff := cmp.Diff(wantStates, out.States()); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if out.Finished.IsZero() {
		t.Error("Finished not set")
	}

	hist := f.eng.History()
	order := []string{
		"echo dummy_command",
		"sudo curl http://h/auto/images/x.bin -o " + SonicTmpImage,
		"sudo sonic-installer install " + SonicTmpImage + " -y",
		"sudo sonic-installer set-default " + newImage,
		"reload sudo reboot",
		"sudo sonic-installer list",
	}
	idx := 0
	for _, c := range hist {
		if idx < len(order) && c == order[idx] {
			idx++
		}
	}
	if idx != len(order) {
		t.Errorf("command %q missing or out of order in\n%s", order[idx], strings.Join(hist, "\n"))
	}
	if f.eng.Count("sudo config bgp") != 0 {
		t.Error("bgp touched without ShutdownBGP")
	}
	if len(f.sleeper.Sleeps) != 0 {
		t.Errorf("unexpected sleeps %v", f.sleeper.Sleeps)
	}
}

func TestRunSONiCRetriesInstallationOnce(t *testing.T) {
	f := newFixture("dut")
	f.eng.Add(testutil.Response{Prefix: "sudo sonic-installer install", Output: "No space left on device", ExitCode: 1, Times: 1})

	out, err := f.o.Run(context.Background(), sonicRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Retried {
		t.Error("Retried not recorded")
	}
	if n := f.host.Count(rebootCmd); n != 1 {
		t.Errorf("remote reboots = %d, want 1", n)
	}
	if diff := cmp.Diff([]time.Duration{35 * time.Second}, f.sleeper.Sleeps); diff != "" {
		t.Errorf("sleeps (-want +got):\n%s", diff)
	}
	cmds := installCmds(f.eng)
	if len(cmds) != 2 || cmds[0] != cmds[1] {
		t.Errorf("install commands = %q, want the same command twice", cmds)
	}
}

func TestRunSONiCFailsAfterSecondInstallationError(t *testing.T) {
	f := newFixture("dut")
	f.eng.OnExit("sudo sonic-installer install", 1)

	out, err := f.o.Run(context.Background(), sonicRequest())
	if !util.IsInstallationError(err) {
		t.Fatalf("err = %v, want InstallationError", err)
	}
	if n := len(installCmds(f.eng)); n != 2 {
		t.Errorf("install attempts = %d, want 2", n)
	}
	if n := f.host.Count(rebootCmd); n != 1 {
		t.Errorf("remote reboots = %d, want 1", n)
	}
	if out.State() != StateFailed {
		t.Errorf("final state = %s, want FAILED", out.State())
	}
}

func TestRunDoesNotRetryOtherErrors(t *testing.T) {
	f := newFixture("dut")
	f.eng.OnExit("sudo curl", 22)

	_, err := f.o.Run(context.Background(), sonicRequest())
	if !errors.Is(err, util.ErrCommandFailed) || util.IsInstallationError(err) {
		t.Fatalf("err = %v, want plain command failure", err)
	}
	if n := f.host.Count(rebootCmd); n != 0 {
		t.Errorf("remote reboots = %d, want 0", n)
	}
}

func TestRunSONiCWhileInONIE(t *testing.T) {
	f := newFixture("dut")
	f.eng.OnErr("echo dummy_command", fmt.Errorf("SSH login: %w", util.ErrAuthentication))

	out, err := f.o.Run(context.Background(), sonicRequest())
	var pe *util.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PreconditionError", err)
	}
	if f.onie.confirms != 1 {
		t.Errorf("ONIE install mode confirmations = %d, want 1", f.onie.confirms)
	}
	if len(installCmds(f.eng)) != 0 {
		t.Error("installer ran on a device in ONIE")
	}
	if !cmp.Equal(out.States()[:2], []BootState{StateUnknown, StateInBootloader}) {
		t.Errorf("states = %v", out.States())
	}
}

func TestRunSONiCSkipsONIERecovery(t *testing.T) {
	f := newFixture("dut")
	f.eng.OnErr("echo dummy_command", errors.New("ssh: handshake failed"))
	con := &fakeConsole{}
	dials := 0
	f.o.DialConsole = func(ctx context.Context) (Console, error) { dials++; return con, nil }
	f.o.WithPassword = func(pw string) engine.Engine { t.Error("alternate password tried"); return f.eng }
	f.o.Device.AltPasswords = []string{"pw1"}

	out, err := f.o.Run(context.Background(), sonicRequest())
	if err == nil {
		t.Fatal("expected the state check to fail")
	}
	if dials != 0 || len(con.sends) != 0 || len(con.lines) != 0 {
		t.Errorf("console used: dials=%d sends=%q lines=%q", dials, con.sends, con.lines)
	}
	if n := f.host.Count(rebootCmd); n != 0 {
		t.Errorf("remote reboots = %d, want 0 for a device that answers", n)
	}
	if f.onie.confirms != 0 {
		t.Errorf("ONIE confirmations = %d, want 0", f.onie.confirms)
	}
	if len(installCmds(f.eng)) != 0 {
		t.Error("installer ran without a working login")
	}
	if out.State() != StateFailed {
		t.Errorf("final state = %s, want FAILED", out.State())
	}
}

func TestRunSONiCRevivesDeadDevice(t *testing.T) {
	f := newFixture("dut")
	f.waiter.dead = 1

	if _, err := f.o.Run(context.Background(), sonicRequest()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := f.host.Count(rebootCmd); n != 1 {
		t.Errorf("remote reboots = %d, want 1", n)
	}
}

func TestRunSONiCUsesRunningBranchForInstall(t *testing.T) {
	f := newFixture("dut")
	f.eng.On("sonic-cfggen -y /etc/sonic/sonic_version.yml -v release", "202012\n")

	if _, err := f.o.Run(context.Background(), sonicRequest()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"sudo sonic-installer install " + SonicTmpImage + " -y --skip-package-migration"}
	if diff := cmp.Diff(want, installCmds(f.eng)); diff != "" {
		t.Errorf("install commands (-want +got):\n%s", diff)
	}
	hist := strings.Join(f.eng.History(), "\n")
	if strings.Index(hist, "sonic_version.yml -v release") > strings.Index(hist, "sudo sonic-installer install") {
		t.Errorf("branch detected after the install:\n%s", hist)
	}
}

func TestRunONIEFromOS(t *testing.T) {
	f := newFixture("dut")
	req := Request{ImagePath: "/auto/images/x.bin", Mechanism: MechanismONIE, HTTPBase: "http://h"}

	if _, err := f.o.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.eng.Count("sudo grub-editenv /host/grub/grubenv set next_entry=ONIE") != 1 {
		t.Error("next boot entry not set to ONIE")
	}
	if len(f.eng.ReloadOpts) != 1 {
		t.Fatalf("reloads = %d, want 1", len(f.eng.ReloadOpts))
	}
	opts := f.eng.ReloadOpts[0]
	if opts.SSHAfterReload || opts.WaitAfterPing != 15*time.Second {
		t.Errorf("reload options = %+v", opts)
	}
	if f.onie.confirms != 1 {
		t.Errorf("confirms = %d, want 1", f.onie.confirms)
	}
	if diff := cmp.Diff([]string{"http://h/auto/images/x.bin"}, f.onie.installs); diff != "" {
		t.Errorf("installs (-want +got):\n%s", diff)
	}
}

func TestRunONIERetriesInstallationError(t *testing.T) {
	f := newFixture("dut")
	// ONIE rejects the NOS credentials on both probes; the installed NOS
	// accepts them.
	f.eng.Add(testutil.Response{Prefix: "echo dummy_command", Err: util.ErrAuthentication, Times: 2})
	f.onie.installErrs = []error{util.NewInstallationError("onie", "dut", "", errors.New("prompt returned"))}

	req := Request{ImagePath: "/auto/images/x.bin", Mechanism: MechanismONIE, HTTPBase: "http://h"}
	out, err := f.o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.onie.installs) != 2 || f.onie.installs[0] != f.onie.installs[1] {
		t.Errorf("onie installs = %q, want the same URL twice", f.onie.installs)
	}
	if f.host.Count(rebootCmd) != 1 {
		t.Errorf("remote reboots = %d, want 1", f.host.Count(rebootCmd))
	}
	if f.sleeper.CountOf(35*time.Second) != 1 {
		t.Errorf("sleeps = %v", f.sleeper.Sleeps)
	}
	if f.eng.Count("sudo grub-editenv") != 0 {
		t.Error("grub edited for a device already in ONIE")
	}
	if !out.Retried || out.State() != StateDone {
		t.Errorf("retried=%v state=%s", out.Retried, out.State())
	}
}

func TestPrepareAlternatePassword(t *testing.T) {
	f := newFixture("dut")
	f.eng.OnErr("echo dummy_command", util.ErrAuthentication)
	f.onie.confirmErrs = []error{errors.New("root login refused")}
	f.o.Device.AltPasswords = []string{"pw1", "pw2"}

	alt := map[string]*testutil.FakeEngine{
		"pw1": testutil.NewFakeEngine("10.0.0.1").OnErr("echo dummy_command", util.ErrAuthentication),
		"pw2": testutil.NewFakeEngine("10.0.0.1"),
	}
	f.o.WithPassword = func(pw string) engine.Engine { return alt[pw] }

	state, err := f.o.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if state != StateInOS {
		t.Errorf("state = %s, want IN_OS", state)
	}
	if f.o.Device.Engine != alt["pw2"] || f.o.Device.Credentials.Password != "pw2" {
		t.Error("alternate credentials not adopted")
	}
	if f.host.Count(rebootCmd) != 0 {
		t.Error("remote reboot should not run once a password works")
	}
}

func TestPrepareRemoteRebootRevivesDeadDevice(t *testing.T) {
	f := newFixture("dut")
	f.waiter.dead = 1

	state, err := f.o.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if state != StateInOS {
		t.Errorf("state = %s", state)
	}
	if f.host.Count(rebootCmd) != 1 {
		t.Errorf("remote reboots = %d, want 1", f.host.Count(rebootCmd))
	}
}

func TestPrepareConsoleBootMenu(t *testing.T) {
	f := newFixture("dut")
	f.o.Device.RemoteRebootCmd = ""
	f.eng.OnErr("echo dummy_command", util.ErrAuthentication)
	f.onie.confirmErrs = []error{errors.New("stuck in grub")}
	con := &fakeConsole{}
	dials := 0
	f.o.DialConsole = func(ctx context.Context) (Console, error) { dials++; return con, nil }

	state, err := f.o.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if state != StateInBootloader {
		t.Errorf("state = %s, want IN_BOOTLOADER", state)
	}
	want := []string{"\x1b", "\r", "\x16", "\r", "\r"}
	if diff := cmp.Diff(want, con.sends); diff != "" {
		t.Errorf("keystrokes (-want +got):\n%s", diff)
	}
	if dials != 1 || con.login {
		t.Errorf("grub edit should not run after the boot menu worked (dials=%d)", dials)
	}
}

func TestPrepareExhaustsEveryFallback(t *testing.T) {
	f := newFixture("dut")
	f.waiter.dead = 1000
	f.host.Results = map[string]engine.Result{rebootCmd: {ExitCode: 1}}
	con := &fakeConsole{}
	f.o.DialConsole = func(ctx context.Context) (Console, error) { return con, nil }

	state, err := f.o.Prepare(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if state != StateUnreachable {
		t.Errorf("state = %s", state)
	}
	if !con.login || len(con.sends) != 5 {
		t.Errorf("console fallbacks not attempted: login=%v sends=%d", con.login, len(con.sends))
	}
	wantLines := []string{"sudo grub-editenv /host/grub/grubenv set next_entry=ONIE", "sudo reboot"}
	if diff := cmp.Diff(wantLines, con.lines); diff != "" {
		t.Errorf("grub edit lines (-want +got):\n%s", diff)
	}
	for _, step := range []string{"after revive:", "after remote reboot:", "after console boot menu:", "after console grub edit:"} {
		if !strings.Contains(err.Error(), step) {
			t.Errorf("error lacks %q: %v", step, err)
		}
	}
	// revive and the explicit remote reboot step
	if f.host.Count(rebootCmd) != 2 {
		t.Errorf("remote reboots = %d, want 2", f.host.Count(rebootCmd))
	}
}

func TestRunBGPShutdownAlwaysStartsUp(t *testing.T) {
	f := newFixture("dut")
	f.eng.Add(testutil.Response{Prefix: "show ip route bgp", Output: "B>* 10.0.0.0/24 via 10.0.1.1\n", Times: 2})
	f.eng.OnExit("sudo curl", 22)
	req := sonicRequest()
	req.ShutdownBGP = true

	_, err := f.o.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected the download failure")
	}
	if f.eng.Count("sudo config bgp shutdown all") != 1 || f.eng.Count("sudo config bgp startup all") != 1 {
		t.Errorf("history:\n%s", strings.Join(f.eng.History(), "\n"))
	}
	if n := f.sleeper.CountOf(10 * time.Second); n != 2 {
		t.Errorf("bgp polls slept %d times, want 2", n)
	}
}

func TestRunBGPShutdownTimeout(t *testing.T) {
	f := newFixture("dut")
	f.eng.On("show ipv6 route bgp", "B>* 2001:db8::/64 via fe80::1\n")
	req := sonicRequest()
	req.ShutdownBGP = true

	_, err := f.o.Run(context.Background(), req)
	if !errors.Is(err, util.ErrHealthTimeout) {
		t.Fatalf("err = %v, want ErrHealthTimeout", err)
	}
	if f.eng.Count("show ipv6 route bgp") != 6 {
		t.Errorf("polls = %d, want 6", f.eng.Count("show ipv6 route bgp"))
	}
	if f.eng.Count("sudo config bgp startup all") != 1 {
		t.Error("bgp not started up")
	}
	if len(installCmds(f.eng)) != 0 {
		t.Error("installed despite bgp shutdown failure")
	}
}

func TestRunPXE(t *testing.T) {
	f := newFixture("dut")
	f.o.Device.PXEBootCmd = "pxe-next dut"
	req := Request{ImagePath: "/auto/images/x.bin", Mechanism: MechanismPXE, HTTPBase: "http://h"}

	out, err := f.o.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"pxe-next dut", rebootCmd}, f.host.Commands); diff != "" {
		t.Errorf("host commands (-want +got):\n%s", diff)
	}
	if f.sleeper.CountOf(35*time.Second) != 1 {
		t.Errorf("sleeps = %v", f.sleeper.Sleeps)
	}
	if out.Binary != "" {
		t.Errorf("binary = %q, want empty for pxe", out.Binary)
	}
}

func TestRunPXEWithoutCommand(t *testing.T) {
	f := newFixture("dut")
	req := Request{ImagePath: "/auto/images/x.bin", Mechanism: MechanismPXE}
	if _, err := f.o.Run(context.Background(), req); !errors.Is(err, util.ErrPreconditionFailed) {
		t.Errorf("err = %v, want precondition failure", err)
	}
}

func TestRunBFB(t *testing.T) {
	f := newFixture("dpu")
	f.o.Device.IsBluefield = true
	f.o.Device.BFB = &setup.BFBSpec{Host: "bf-host", Rshim: "rshim1"}
	req := Request{ImagePath: "/auto/images/dpu.bfb", Mechanism: MechanismBFB, HTTPBase: "http://h"}

	if _, err := f.o.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "ssh bf-host 'sudo bfb-install --bfb /auto/images/dpu.bfb --rshim rshim1'"
	if diff := cmp.Diff([]string{want}, f.host.Commands); diff != "" {
		t.Errorf("host commands (-want +got):\n%s", diff)
	}
	if f.eng.Count("docker ps | grep bgp") != 0 {
		t.Error("DPU checked for the bgp container")
	}
}

func TestRunBFBFailureIsRetried(t *testing.T) {
	f := newFixture("dpu")
	f.o.Device.RemoteRebootCmd = rebootCmd
	f.o.Device.BFB = &setup.BFBSpec{}
	bfb := "sudo bfb-install --bfb /auto/images/dpu.bfb --rshim rshim0"
	f.host.Results = map[string]engine.Result{bfb: {ExitCode: 1, Stderr: "rshim busy"}}
	req := Request{ImagePath: "/auto/images/dpu.bfb", Mechanism: MechanismBFB}

	_, err := f.o.Run(context.Background(), req)
	if !util.IsInstallationError(err) {
		t.Fatalf("err = %v, want InstallationError", err)
	}
	if f.host.Count(bfb) != 2 || f.host.Count(rebootCmd) != 1 {
		t.Errorf("host commands = %v", f.host.Commands)
	}
}
