// Package engine runs commands on devices and on the local host.
//
// An Engine is owned by exactly one device handle and is not safe for
// concurrent use. Parallel work across devices goes through Job and
// JobGroup, one engine per goroutine.
package engine

import (
	"context"
	"time"
)

// Engine is the command surface the CLI families and the deploy
// orchestrator drive. Every method may fail on connectivity loss.
type Engine interface {
	// Address returns the management address of the device.
	Address() string
	// RunCmd runs one shell command and returns its combined output.
	RunCmd(ctx context.Context, cmd string, opts ...RunOption) (string, error)
	// RunCmdSet runs commands in order and returns the concatenated output.
	// It stops at the first failure.
	RunCmdSet(ctx context.Context, cmds []string, opts ...RunOption) (string, error)
	// CopyFile uploads a local file to remotePath.
	CopyFile(ctx context.Context, localPath, remotePath string) error
	// WriteFile uploads data to remotePath.
	WriteFile(ctx context.Context, remotePath string, data []byte) error
	// Reload issues cmds (typically a reboot) and waits for the device to
	// go down and come back.
	Reload(ctx context.Context, cmds []string, opts ReloadOptions) error
	// Disconnect drops the session. The next call reconnects.
	Disconnect() error
}

// RunOptions is the resolved form of a RunOption list.
type RunOptions struct {
	Validate bool
	Quiet    bool
	Timeout  time.Duration
}

// RunOption tunes a single RunCmd call.
type RunOption func(*RunOptions)

// Validate turns a non-zero exit status into a *util.CommandError.
func Validate() RunOption {
	return func(o *RunOptions) { o.Validate = true }
}

// Quiet logs the command at debug level instead of info.
func Quiet() RunOption {
	return func(o *RunOptions) { o.Quiet = true }
}

// WithTimeout bounds the command. Zero means no bound beyond ctx.
func WithTimeout(d time.Duration) RunOption {
	return func(o *RunOptions) { o.Timeout = d }
}

// ResolveRunOptions applies opts in order.
func ResolveRunOptions(opts ...RunOption) RunOptions {
	var o RunOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ReloadOptions controls the wait after a reload command.
type ReloadOptions struct {
	// WaitAfterPing is slept once the SSH port answers again.
	WaitAfterPing time.Duration
	// SSHAfterReload re-establishes the SSH session before returning.
	// ONIE reboots leave it false: the NOS credentials do not work there.
	SSHAfterReload bool
	// PortTries bounds each of the down and up waits.
	PortTries int
}

// DefaultReloadOptions matches a plain "sudo reboot".
func DefaultReloadOptions() ReloadOptions {
	return ReloadOptions{
		WaitAfterPing:  45 * time.Second,
		SSHAfterReload: true,
		PortTries:      120,
	}
}
