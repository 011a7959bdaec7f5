// Package audit keeps a queryable history of deployments and device
// changes made by newtdeploy.
package audit

import (
	"fmt"
	"time"

	"github.com/newtron-network/newtdeploy/pkg/deploy"
)

// Event is one recorded operation on a device.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	User      string        `json:"user"`
	Setup     string        `json:"setup,omitempty"`
	Device    string        `json:"device"`
	Operation string        `json:"operation"`
	Image     string        `json:"image,omitempty"`
	Mechanism string        `json:"mechanism,omitempty"`
	Binary    string        `json:"binary,omitempty"`
	State     string        `json:"state,omitempty"`
	Retried   bool          `json:"retried,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Operation names.
const (
	OpDeployBase   = "deploy.base"
	OpDeployTarget = "deploy.target"
	OpRelayAdd     = "dhcp-relay.add"
	OpRelayDel     = "dhcp-relay.del"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	Device      string
	Setup       string
	Operation   string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// Match reports whether e passes every set criterion. Offset and Limit
// apply to the result list, not to single events.
func (f Filter) Match(e *Event) bool {
	if f.Device != "" && e.Device != f.Device {
		return false
	}
	if f.Setup != "" && e.Setup != f.Setup {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	if f.SuccessOnly && !e.Success || f.FailureOnly && e.Success {
		return false
	}
	return true
}

func (f Filter) page(events []*Event) []*Event {
	if f.Offset > 0 {
		events = events[min(f.Offset, len(events)):]
	}
	if f.Limit > 0 && f.Limit < len(events) {
		events = events[:f.Limit]
	}
	return events
}

// NewEvent creates a new audit event
func NewEvent(user, setup, device, operation string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		User:      user,
		Setup:     setup,
		Device:    device,
		Operation: operation,
	}
}

// WithOutcome copies a deployment outcome into the event.
func (e *Event) WithOutcome(o *deploy.Outcome) *Event {
	if o == nil {
		return e
	}
	e.Image = o.ImageURL
	e.Mechanism = string(o.Mechanism)
	e.Binary = o.Binary
	e.State = string(o.State())
	e.Retried = o.Retried
	if !o.Finished.IsZero() {
		e.Duration = o.Finished.Sub(o.Started)
	}
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithResult calls WithSuccess or WithError depending on err.
func (e *Event) WithResult(err error) *Event {
	if err != nil {
		return e.WithError(err)
	}
	return e.WithSuccess()
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
