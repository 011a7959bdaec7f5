//go:build unix

package engine

import (
	"os/exec"
	"syscall"
)

// killProcessGroup starts c in its own process group and makes context
// cancellation kill the whole group.
func killProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
}
