// Package util provides logging, retry and common error types shared by
// the deployment packages.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors
var (
	ErrInstallation       = errors.New("image installation failed")
	ErrAuthentication     = errors.New("authentication failed")
	ErrHealthTimeout      = errors.New("health check budget exhausted")
	ErrNotConnected       = errors.New("device not connected")
	ErrUnreachable        = errors.New("device unreachable")
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrPreconditionFailed = errors.New("precondition not met")
	ErrValidationFailed   = errors.New("validation failed")
	ErrCommandFailed      = errors.New("command failed")
)

// InstallationError is the one retryable install failure: the installer
// itself (ONIE, sonic-installer, bfb-install) reported failure. The
// orchestrator reboots the device and retries once on this error only.
type InstallationError struct {
	Mechanism string
	Device    string
	Output    string
	Err       error
}

func (e *InstallationError) Error() string {
	msg := fmt.Sprintf("%s install on %s failed", e.Mechanism, e.Device)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InstallationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInstallation}
	}
	return []error{ErrInstallation, e.Err}
}

// NewInstallationError creates an installation error
func NewInstallationError(mechanism, device, output string, err error) *InstallationError {
	return &InstallationError{
		Mechanism: mechanism,
		Device:    device,
		Output:    output,
		Err:       err,
	}
}

// IsInstallationError reports whether err is (or wraps) an InstallationError.
func IsInstallationError(err error) bool {
	var ie *InstallationError
	return errors.As(err, &ie)
}

// HealthTimeoutError is returned when a polled predicate never held within
// its (tries, delay) budget. Last is the final predicate failure.
type HealthTimeoutError struct {
	Check string
	Tries int
	Last  error
}

func (e *HealthTimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: not ready after %d tries", e.Check, e.Tries)
	}
	return fmt.Sprintf("%s: not ready after %d tries: %v", e.Check, e.Tries, e.Last)
}

func (e *HealthTimeoutError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrHealthTimeout}
	}
	return []error{ErrHealthTimeout, e.Last}
}

// CommandError is a validated remote command that exited non-zero.
type CommandError struct {
	Command  string
	Output   string
	ExitCode int
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("command %q exited %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitCode, out)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}

// PreconditionError represents a failed precondition check with context
type PreconditionError struct {
	Operation    string
	Resource     string
	Precondition string
	Details      string
}

func (e *PreconditionError) Error() string {
	msg := fmt.Sprintf("precondition failed for %s on %s: %s", e.Operation, e.Resource, e.Precondition)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *PreconditionError) Unwrap() error {
	return ErrPreconditionFailed
}

// NewPreconditionError creates a new precondition error
func NewPreconditionError(operation, resource, precondition, details string) *PreconditionError {
	return &PreconditionError{
		Operation:    operation,
		Resource:     resource,
		Precondition: precondition,
		Details:      details,
	}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
