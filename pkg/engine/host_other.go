//go:build !unix

package engine

import "os/exec"

// killProcessGroup leaves the default kill; WaitDelay still bounds Wait.
func killProcessGroup(c *exec.Cmd) {}
