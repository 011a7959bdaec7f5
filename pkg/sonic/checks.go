package sonic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/health"
)

// Readiness budgets. All intervals are fixed.
const (
	DefaultDockerTries = 21
	DefaultDockerDelay = 10 * time.Second
	DefaultLinkTries   = 8
	DefaultLinkDelay   = 10 * time.Second
)

// DockersList are the containers a healthy SONiC switch runs.
var DockersList = []string{"swss", "syncd", "bgp", "teamd", "pmon", "lldp", "dhcp_relay"}

// PortStatusReader returns oper status per port name.
type PortStatusReader interface {
	PortOperStatus(ctx context.Context, ports []string) (map[string]string, error)
}

// CLIPortStatus reads oper status from "show interfaces status".
type CLIPortStatus struct {
	Engine engine.Engine
}

// PortOperStatus implements PortStatusReader. Ports absent from the
// output are "unknown".
func (c CLIPortStatus) PortOperStatus(ctx context.Context, ports []string) (map[string]string, error) {
	out, err := c.Engine.RunCmd(ctx, "show interfaces status", engine.Validate(), engine.Quiet())
	if err != nil {
		return nil, err
	}
	table := ParseTableBy(out, "Interface")
	status := make(map[string]string, len(ports))
	for _, p := range ports {
		s := table[p]["Oper"]
		if s == "" {
			s = "unknown"
		}
		status[p] = s
	}
	return status, nil
}

// DockersCheck passes when every named container shows in "docker ps".
type DockersCheck struct {
	Engine  engine.Engine
	Dockers []string
}

var _ health.Check = DockersCheck{}

// Name implements health.Check.
func (c DockersCheck) Name() string { return "dockers up" }

// Run implements health.Check.
func (c DockersCheck) Run(ctx context.Context) error {
	for _, d := range c.Dockers {
		if _, err := c.Engine.RunCmd(ctx, fmt.Sprintf("docker ps | grep %s", d), engine.Validate(), engine.Quiet()); err != nil {
			return fmt.Errorf("docker %s is not running: %w", d, err)
		}
	}
	return nil
}

// LinksCheck passes when every port reports the expected oper status.
type LinksCheck struct {
	Source PortStatusReader
	Ports  []string
	// Expected defaults to "up".
	Expected string
}

var _ health.Check = LinksCheck{}

// Name implements health.Check.
func (c LinksCheck) Name() string { return "links " + c.expected() }

func (c LinksCheck) expected() string {
	if c.Expected == "" {
		return "up"
	}
	return c.Expected
}

// Run implements health.Check.
func (c LinksCheck) Run(ctx context.Context) error {
	if len(c.Ports) == 0 {
		return nil
	}
	status, err := c.Source.PortOperStatus(ctx, c.Ports)
	if err != nil {
		return err
	}
	var bad []string
	for _, p := range c.Ports {
		if status[p] != c.expected() {
			bad = append(bad, fmt.Sprintf("%s=%s", p, status[p]))
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("ports not %s: %s", c.expected(), strings.Join(bad, ", "))
	}
	return nil
}
