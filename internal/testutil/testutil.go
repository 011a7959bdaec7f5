//go:build integration

package testutil

import (
	"context"
	"net"
	"os"
	"testing"
	"time"
)

// Integration tests find their services through NEWTDEPLOY_TEST_* variables
// and skip when a variable is unset or the service does not answer.
const envPrefix = "NEWTDEPLOY_TEST_"

// requireService returns the address in NEWTDEPLOY_TEST_<name>, skipping t
// unless a TCP connect to it succeeds.
func requireService(t *testing.T, name, what string) string {
	t.Helper()
	addr := os.Getenv(envPrefix + name)
	if addr == "" {
		t.Skipf("no test %s: set %s%s", what, envPrefix, name)
	}
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Skipf("test %s at %s unreachable: %v", what, addr, err)
	}
	conn.Close()
	return addr
}

// Context is cancelled after 30s or when the test ends.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
