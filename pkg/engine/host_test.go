package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunOnHost(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		stdout   string
		stderr   string
		exitCode int
	}{
		{"success", "echo out; echo err >&2", "out\n", "err\n", 0},
		{"non-zero", "echo partial; exit 3", "partial\n", "", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := RunOnHost(context.Background(), tt.cmd, 10*time.Second)
			if res.Err != nil {
				t.Fatalf("Err = %v", res.Err)
			}
			if res.Stdout != tt.stdout || res.Stderr != tt.stderr || res.ExitCode != tt.exitCode {
				t.Errorf("got (%q, %q, %d), want (%q, %q, %d)",
					res.Stdout, res.Stderr, res.ExitCode, tt.stdout, tt.stderr, tt.exitCode)
			}
		})
	}
}

func TestRunOnHostTimeoutKeepsOutput(t *testing.T) {
	res := RunOnHost(context.Background(), "echo started; sleep 5", 300*time.Millisecond)
	if res.Err == nil {
		t.Fatal("expected timeout error")
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "started") {
		t.Errorf("output written before the kill should be kept, got %q", res.Stdout)
	}
}

func TestRunOnHostTimeoutKillsChildren(t *testing.T) {
	start := time.Now()
	res := RunOnHost(context.Background(), "echo started; sleep 4 && echo late", 300*time.Millisecond)
	if took := time.Since(start); took > 2*time.Second {
		t.Errorf("RunOnHost returned after %v, want about the 300ms timeout", took)
	}
	if res.Err == nil || res.ExitCode != -1 {
		t.Errorf("got (err=%v, rc=%d), want timeout with rc -1", res.Err, res.ExitCode)
	}
	if res.Stdout != "started\n" {
		t.Errorf("Stdout = %q, want only the output before the kill", res.Stdout)
	}
}
