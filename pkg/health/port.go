package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// DefaultPortDelay is the fixed spacing between port probes.
const DefaultPortDelay = 10 * time.Second

// PortWaiter waits for a TCP port to reach a state. *PortProber is the
// real implementation.
type PortWaiter interface {
	TillAlive(ctx context.Context, shouldBeAlive bool, host string, port, tries int) error
}

var _ PortWaiter = (*PortProber)(nil)

// PortProber checks TCP port liveness at a fixed interval.
type PortProber struct {
	Delay       time.Duration
	DialTimeout time.Duration
	Sleeper     util.Sleeper
}

// NewPortProber returns a prober with the default spacing.
func NewPortProber() *PortProber {
	return &PortProber{
		Delay:       DefaultPortDelay,
		DialTimeout: 3 * time.Second,
		Sleeper:     util.DefaultSleeper,
	}
}

// IsAlive reports whether host:port accepts a TCP connection.
func (p *PortProber) IsAlive(ctx context.Context, host string, port int) bool {
	d := net.Dialer{Timeout: p.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// TillAlive polls until the port state equals shouldBeAlive, failing after
// tries probes with a *util.HealthTimeoutError.
func (p *PortProber) TillAlive(ctx context.Context, shouldBeAlive bool, host string, port, tries int) error {
	want := "down"
	if shouldBeAlive {
		want = "up"
	}
	name := fmt.Sprintf("port %s:%d %s", host, port, want)
	return util.RetryWith(ctx, p.Sleeper, name, tries, p.Delay, func(ctx context.Context) error {
		if p.IsAlive(ctx, host, port) == shouldBeAlive {
			return nil
		}
		return fmt.Errorf("port %s:%d is not %s", host, port, want)
	})
}

// CheckPortStatusTillAlive waits until host:port reaches the requested
// state using the default prober.
func CheckPortStatusTillAlive(ctx context.Context, shouldBeAlive bool, host string, port, tries int) error {
	return NewPortProber().TillAlive(ctx, shouldBeAlive, host, port, tries)
}
