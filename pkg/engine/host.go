package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Result is the outcome of a host command or background job.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// HostRunner runs shell commands on the machine driving the deployment
// (out-of-band reboot scripts, PXE and BFB helpers).
type HostRunner interface {
	Run(ctx context.Context, cmd string, timeout time.Duration) Result
}

// LocalHost runs commands with /bin/sh on this machine.
type LocalHost struct{}

// Run runs cmd through sh -c. When timeout elapses the process is killed
// and whatever it wrote so far is still returned, with Err set.
func (LocalHost) Run(ctx context.Context, cmd string, timeout time.Duration) Result {
	return RunOnHost(ctx, cmd, timeout)
}

// hostWaitDelay bounds how long Wait keeps collecting output after the
// process group is killed.
const hostWaitDelay = 2 * time.Second

// RunOnHost runs cmd through sh -c with an optional timeout. The timeout
// kills sh and everything it started.
func RunOnHost(ctx context.Context, cmd string, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	util.Infof("Running on host: %s", cmd)
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	// Children of sh inherit its pipes; killing only sh would leave Wait
	// blocked until they exit.
	killProcessGroup(c)
	c.WaitDelay = hostWaitDelay
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Err = fmt.Errorf("host command %q: %w", cmd, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		res.ExitCode = -1
		res.Err = fmt.Errorf("host command %q: %w", cmd, err)
	}
	util.Debugf("host command %q rc=%d", cmd, res.ExitCode)
	return res
}
