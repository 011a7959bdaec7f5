// Package health provides readiness probes and health reports for devices
// under deployment.
package health

import (
	"context"
	"time"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Status represents the health status of a component
type Status string

const (
	StatusOK       Status = "ok"
	StatusCritical Status = "critical"
	StatusUnknown  Status = "unknown"
)

// Check is a single readiness predicate. Run returns nil when healthy.
type Check interface {
	Name() string
	Run(ctx context.Context) error
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

// Name returns the check name.
func (c CheckFunc) Name() string { return c.CheckName }

// Run runs the function.
func (c CheckFunc) Run(ctx context.Context) error { return c.Fn(ctx) }

// Result represents the result of a health check
type Result struct {
	Check    string        `json:"check"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report contains all health check results for a device
type Report struct {
	Device    string        `json:"device"`
	Timestamp time.Time     `json:"timestamp"`
	Overall   Status        `json:"overall"`
	Results   []Result      `json:"results"`
	Duration  time.Duration `json:"duration"`
}

// Run executes every check once and returns a report. A cancelled context
// marks the remaining checks unknown.
func Run(ctx context.Context, device string, checks ...Check) *Report {
	start := time.Now()
	report := &Report{
		Device:    device,
		Timestamp: start,
		Overall:   StatusOK,
		Results:   make([]Result, 0, len(checks)),
	}

	for _, check := range checks {
		r := Result{Check: check.Name(), Status: StatusOK}
		if ctx.Err() != nil {
			r.Status = StatusUnknown
			r.Message = ctx.Err().Error()
		} else {
			t := time.Now()
			if err := check.Run(ctx); err != nil {
				r.Status = StatusCritical
				r.Message = err.Error()
			}
			r.Duration = time.Since(t)
		}
		report.Results = append(report.Results, r)

		// worst wins
		if r.Status == StatusCritical {
			report.Overall = StatusCritical
		} else if r.Status == StatusUnknown && report.Overall == StatusOK {
			report.Overall = StatusUnknown
		}
	}

	report.Duration = time.Since(start)
	return report
}

// Failed returns the results that are not ok.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Status != StatusOK {
			out = append(out, res)
		}
	}
	return out
}

// Poll runs check until it passes, at most tries times with a fixed delay
// between runs. Exhaustion yields a *util.HealthTimeoutError wrapping the
// last failure.
func Poll(ctx context.Context, s util.Sleeper, check Check, tries int, delay time.Duration) error {
	return util.RetryWith(ctx, s, check.Name(), tries, delay, check.Run)
}

// Connector is anything that can open a login session.
type Connector interface {
	Connect(ctx context.Context) error
}

// SSHLogin passes when c accepts a login.
func SSHLogin(device string, c Connector) Check {
	return CheckFunc{
		CheckName: "ssh login " + device,
		Fn:        c.Connect,
	}
}
