package device

import (
	"testing"

	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/setup"
)

func TestNew(t *testing.T) {
	s := &setup.Setup{Name: "r-lion-simx-01", IsSimulated: true}
	spec := &setup.DeviceSpec{
		Name:         "dut",
		Address:      "10.0.0.5",
		SSHPort:      22,
		User:         "admin",
		Password:     "YourPaSsWoRd",
		AltPasswords: []string{"admin"},
		Platform:     "x86_64-mlnx_msn2700-r0",
		HwSKU:        "Mellanox-SN2700",
		Bluefield:    true,
		RemoteReboot: "rreboot 10.0.0.5",
	}

	d := New(spec, s)
	if !d.IsSimulated {
		t.Error("IsSimulated should come from the setup")
	}
	if !d.IsBluefield || d.RemoteRebootCmd != "rreboot 10.0.0.5" || d.HwSKU != "Mellanox-SN2700" {
		t.Errorf("device = %+v", d)
	}
	ssh, ok := d.Engine.(*engine.SSHEngine)
	if !ok {
		t.Fatalf("Engine = %T, want *engine.SSHEngine", d.Engine)
	}
	if ssh.Address() != "10.0.0.5" || ssh.Port() != 22 || ssh.User() != "admin" {
		t.Errorf("engine endpoint = %s:%d as %s", ssh.Address(), ssh.Port(), ssh.User())
	}

	spec.AltPasswords[0] = "changed"
	if d.AltPasswords[0] != "admin" {
		t.Error("device must not alias the setup's slices")
	}
}
