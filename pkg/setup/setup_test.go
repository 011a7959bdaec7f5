package setup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

const sampleSetup = `
name: r-tigris-simx-05
http_base: http://fit69.lab.example.com
shared_path: /auto/sw_regression/mars/topo/r-tigris-simx-05
devices:
  dut:
    address: 10.210.24.130
    platform: x86_64-mlnx_msn2700-r0
    hwsku: Mellanox-SN2700
    alt_passwords: [admin, root]
    ports: [Ethernet0, Ethernet4]
    remote_reboot: /usr/local/bin/rreboot 10.210.24.130
    console:
      host: 10.210.24.10
      port: 7005
  dpu:
    address: 10.210.24.131
    ssh_port: 2222
    user: ubuntu
    password: secret
    bluefield: true
    bfb:
      rshim: rshim0
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sampleSetup))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !s.IsSimulated {
		t.Error("setup name containing simx should be simulated")
	}

	dut, err := s.Device("dut")
	if err != nil {
		t.Fatal(err)
	}
	if dut.Name != "dut" || dut.SSHPort != DefaultSSHPort || dut.User != DefaultUser || dut.Password != DefaultPassword {
		t.Errorf("defaults not applied: %+v", dut)
	}
	if diff := cmp.Diff([]string{"admin", "root"}, dut.AltPasswords); diff != "" {
		t.Errorf("AltPasswords (-want +got):\n%s", diff)
	}
	if dut.Console == nil || dut.Console.Port != 7005 {
		t.Errorf("Console = %+v", dut.Console)
	}

	dpu, _ := s.Device("dpu")
	if dpu.SSHPort != 2222 || dpu.User != "ubuntu" || !dpu.Bluefield || dpu.BFB.Rshim != "rshim0" {
		t.Errorf("dpu = %+v", dpu)
	}

	if diff := cmp.Diff([]string{"dpu", "dut"}, s.DeviceNames()); diff != "" {
		t.Errorf("DeviceNames (-want +got):\n%s", diff)
	}
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no devices", "name: x\n"},
		{"missing address", "devices:\n  dut:\n    platform: p\n"},
		{"bad console", "devices:\n  dut:\n    address: 1.1.1.1\n    console:\n      host: c\n"},
		{"not yaml", "devices: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, util.ErrValidationFailed) && !errors.Is(err, util.ErrInvalidConfig) {
				t.Errorf("err = %v, want validation or config error", err)
			}
		})
	}
}

func TestDeviceLookup(t *testing.T) {
	s, err := Parse([]byte("name: lab1\ndevices:\n  dut:\n    address: 1.1.1.1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if s.IsSimulated {
		t.Error("lab1 is not simulated")
	}
	d, err := s.Device("")
	if err != nil || d.Name != "dut" {
		t.Errorf("Device(\"\") = %v, %v", d, err)
	}
	if _, err := s.Device("nope"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadNamed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sonic_lab_simx.yml"), []byte("devices:\n  dut:\n    address: 1.1.1.1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadNamed(dir, "sonic_lab_simx")
	if err != nil {
		t.Fatalf("LoadNamed: %v", err)
	}
	if s.Name != "sonic_lab_simx" || !s.IsSimulated {
		t.Errorf("Name = %q, IsSimulated = %v", s.Name, s.IsSimulated)
	}
	if _, err := LoadNamed(dir, "missing"); err == nil {
		t.Error("expected error for missing setup")
	}
}
