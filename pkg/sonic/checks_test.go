package sonic

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/newtron-network/newtdeploy/internal/testutil"
)

type staticPorts map[string]string

func (s staticPorts) PortOperStatus(_ context.Context, ports []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range ports {
		out[p] = s[p]
	}
	return out, nil
}

func TestLinksCheck(t *testing.T) {
	src := staticPorts{"Ethernet0": "up", "Ethernet4": "down"}
	tests := []struct {
		name     string
		ports    []string
		expected string
		wantErr  string
	}{
		{"all up", []string{"Ethernet0"}, "", ""},
		{"one down", []string{"Ethernet0", "Ethernet4"}, "", "Ethernet4=down"},
		{"expect down", []string{"Ethernet4"}, "down", ""},
		{"no ports", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := LinksCheck{Source: src, Ports: tt.ports, Expected: tt.expected}.Run(context.Background())
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Run = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Run = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDockersCheck(t *testing.T) {
	eng := testutil.NewFakeEngine("10.0.0.1").OnExit("docker ps | grep pmon", 1)
	c := DockersCheck{Engine: eng, Dockers: []string{"swss", "pmon", "lldp"}}

	err := c.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "pmon") {
		t.Fatalf("Run = %v, want pmon failure", err)
	}
	if eng.Count("docker ps | grep lldp") != 0 {
		t.Error("check should stop at the first missing docker")
	}
}

func TestCLIPortStatus(t *testing.T) {
	eng := testutil.NewFakeEngine("10.0.0.1").On("show interfaces status", interfacesStatus)
	got, err := CLIPortStatus{Engine: eng}.PortOperStatus(context.Background(), []string{"Ethernet0", "Ethernet8", "Ethernet16"})
	if err != nil {
		t.Fatalf("PortOperStatus: %v", err)
	}
	if got["Ethernet0"] != "up" || got["Ethernet8"] != "down" || got["Ethernet16"] != "unknown" {
		t.Errorf("status = %v", got)
	}

	failing := testutil.NewFakeEngine("10.0.0.1").OnErr("show interfaces status", errors.New("session closed"))
	if _, err := (CLIPortStatus{Engine: failing}).PortOperStatus(context.Background(), []string{"Ethernet0"}); err == nil {
		t.Error("expected engine error to propagate")
	}
}
