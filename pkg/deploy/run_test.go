package deploy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtdeploy/internal/testutil"
	"github.com/newtron-network/newtdeploy/pkg/sonic"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

const portsStatus = `  Interface    Lanes    Speed    MTU    FEC    Alias    Vlan    Oper    Admin    Type    Asym PFC
-----------  -------  -------  -----  -----  -------  ------  ------  -------  ------  ----------
  Ethernet0  0,1,2,3     100G   9100    N/A     etp1  routed      up       up  QSFP28         N/A
  Ethernet4  4,5,6,7     100G   9100    N/A     etp2  routed    down       up  QSFP28         N/A
`

func TestRunApplyBaseConfig(t *testing.T) {
	f := newFixture("dut")
	f.eng.On("show interfaces status", portsStatus)
	f.o.Device.Ports = []string{"Ethernet0", "Ethernet4"}
	f.o.Device.DNSServers = []string{"10.211.0.124"}
	req := sonicRequest()
	req.ApplyBaseConfig = true
	req.SetupName = "setup1"
	req.Platform = PlatformParams{Platform: "x86_64-mlnx_msn2700-r0", HwSKU: "ACS-MSN2700"}

	if _, err := f.o.Run(context.Background(), req); err != nil {
		t.Fatalf("Run: %v", err)
	}

	shared := "http://h" + MarsTopoFolder + "setup1"
	want := []string{
		"sudo curl " + shared + "/port_config.ini -o /usr/share/sonic/device/x86_64-mlnx_msn2700-r0/ACS-MSN2700/port_config.ini",
		"sudo curl " + shared + "/config_db.json -o " + sonic.ConfigDBPath,
		"reload sudo reboot",
		"sudo config dns nameserver add 10.211.0.124",
		"sudo config qos reload",
		"docker exec swss supervisorctl restart buffermgrd",
		"sudo swssloglevel -l NOTICE -a",
		"sudo config save -y",
	}
	var got []string
	seenBase := false
	for _, c := range f.eng.History() {
		if strings.Contains(c, "/port_config.ini") {
			seenBase = true
		}
		if !seenBase {
			continue
		}
		for _, w := range want {
			if c == w {
				got = append(got, c)
			}
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("base config commands (-want +got):\n%s", diff)
	}
}

func TestApplyBaseConfigUsesDevicePlatform(t *testing.T) {
	f := newFixture("dut")
	req, err := Request{ImagePath: "/auto/images/x.bin", HTTPBase: "http://h", SetupName: "setup1", ApplyBaseConfig: true}.Validate()
	if err != nil {
		t.Fatal(err)
	}

	err = f.o.ApplyBaseConfig(context.Background(), f.o.CLI(), req, nil)
	if !errors.Is(err, util.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want precondition failure", err)
	}

	f.o.Device.Platform, f.o.Device.HwSKU = "x86_64-mlnx_msn2700-r0", "ACS-MSN2700"
	if err := f.o.ApplyBaseConfig(context.Background(), f.o.CLI(), req, nil); err != nil {
		t.Fatal(err)
	}
	if f.eng.Count("sudo curl http://h"+MarsTopoFolder+"setup1/port_config.ini -o /usr/share/sonic/device/x86_64-mlnx_msn2700-r0/ACS-MSN2700/") != 1 {
		t.Errorf("port_config.ini not fetched for the device platform: %v", f.eng.History())
	}
}

func TestApplyFixupsStopsAtFirstFailure(t *testing.T) {
	f := newFixture("dut")
	f.eng.OnExit("sudo config qos reload", 1)

	err := f.o.ApplyFixups(context.Background(), f.o.CLI())
	if err == nil || !strings.Contains(err.Error(), "qos reload") {
		t.Fatalf("err = %v, want qos reload failure", err)
	}
	if f.eng.Count("docker exec swss") != 0 || f.eng.Count("sudo config save") != 0 {
		t.Error("fixups continued after a failure")
	}
}

func TestFixupsWithoutDNS(t *testing.T) {
	f := newFixture("dut")
	var names []string
	for _, fx := range f.o.Fixups() {
		names = append(names, fx.Name)
	}
	if diff := cmp.Diff([]string{"qos reload", "buffermgrd restart", "log level"}, names); diff != "" {
		t.Errorf("fixups (-want +got):\n%s", diff)
	}
}

func TestValidateDockersRebootIfFail(t *testing.T) {
	f := newFixture("dut")
	f.eng.Add(testutil.Response{Prefix: "docker ps | grep swss", ExitCode: 1, Times: 2})
	f.o.ValidateDockersRebootIfFail(context.Background(), f.o.CLI(), sonic.DockersList, 2)

	if diff := cmp.Diff([][]string{{"sudo reboot"}}, f.eng.Reloads); diff != "" {
		t.Errorf("reloads (-want +got):\n%s", diff)
	}
}

func TestValidateDockersRebootIfFailGivesUp(t *testing.T) {
	f := newFixture("dut")
	f.eng.OnExit("docker ps | grep swss", 1)
	f.o.ValidateDockersRebootIfFail(context.Background(), f.o.CLI(), sonic.DockersList, 1)

	if len(f.eng.Reloads) != 2 {
		t.Errorf("reloads = %d, want 2", len(f.eng.Reloads))
	}
}

func TestRunRebootAfterInstallFailsWhenContainersStayDown(t *testing.T) {
	f := newFixture("dut")
	// Up right after install, down for good after that.
	f.eng.Add(testutil.Response{Prefix: "docker ps | grep syncd", Output: "syncd", Times: 1})
	f.eng.OnExit("docker ps | grep syncd", 1)
	req := sonicRequest()
	req.RebootAfterInstall = true
	req.DockerTries = 1

	out, err := f.o.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected container failure")
	}
	if out.State() != StateFailed {
		t.Errorf("state = %s", out.State())
	}
	// install reboot plus two recovery reboots
	if len(f.eng.Reloads) != 3 {
		t.Errorf("reloads = %d, want 3", len(f.eng.Reloads))
	}
}

func TestInstallWJH(t *testing.T) {
	f := newFixture("dut")
	if err := f.o.InstallWJH(context.Background(), f.o.CLI(), "http://h/wjh.deb"); err != nil {
		t.Fatalf("InstallWJH: %v", err)
	}
	want := []string{
		"sudo curl http://h/wjh.deb -o " + WJHDebPath,
		"sudo dpkg -i " + WJHDebPath,
		"sudo config feature state what-just-happened enabled",
		"sudo config save -y",
		"sudo rm -f " + WJHDebPath,
	}
	if diff := cmp.Diff(want, f.eng.History()); diff != "" {
		t.Errorf("commands (-want +got):\n%s", diff)
	}
}

func TestRunChecksLinksThatWereUp(t *testing.T) {
	f := newFixture("dut")
	f.o.Device.Ports = []string{"Ethernet0", "Ethernet4"}
	// Up before the install, down for good after it.
	f.eng.Add(testutil.Response{Prefix: "show interfaces status", Output: portsStatus, Times: 1})
	f.eng.On("show interfaces status", strings.Replace(portsStatus, "routed      up", "routed    down", 1))

	_, err := f.o.Run(context.Background(), sonicRequest())
	if err == nil || !strings.Contains(err.Error(), "Ethernet0") {
		t.Fatalf("err = %v, want Ethernet0 link failure", err)
	}
}

func TestDeployAll(t *testing.T) {
	ok := newFixture("dut1")
	bad := newFixture("dut2")
	bad.eng.OnExit("sudo curl", 22)

	outs, err := DeployAll(context.Background(), []*Orchestrator{ok.o, bad.o}, sonicRequest())
	if err == nil || !strings.Contains(err.Error(), "dut2") || strings.Contains(err.Error(), "dut1:") {
		t.Fatalf("err = %v, want only dut2 failure", err)
	}
	if len(outs) != 2 || outs[0].State() != StateDone || outs[1].State() != StateFailed {
		t.Errorf("outcomes = %+v", outs)
	}
}

func TestDeployAllRejectsInvalidRequest(t *testing.T) {
	f := newFixture("dut")
	if _, err := DeployAll(context.Background(), []*Orchestrator{f.o}, Request{}); err == nil {
		t.Error("expected validation error")
	}
	if len(f.eng.History()) != 0 {
		t.Error("device touched for an invalid request")
	}
}
