// Package testutil provides fakes for unit tests and service helpers for
// integration tests.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/newtron-network/newtdeploy/pkg/engine"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Response is a canned answer for commands starting with Prefix.
type Response struct {
	Prefix   string
	Output   string
	ExitCode int
	Err      error
	// Times limits how often the response is used. Zero means always.
	Times int
	used  int
}

// FakeEngine is a scripted engine.Engine. Responses are matched by prefix
// in registration order; exhausted responses are skipped. Unmatched
// commands succeed with empty output.
type FakeEngine struct {
	Addr string

	mu          sync.Mutex
	responses   []*Response
	Commands    []string
	Reloads     [][]string
	ReloadOpts  []engine.ReloadOptions
	Uploads     map[string][]byte
	Disconnects int
	// ReloadErr is returned by the next Reload, then cleared.
	ReloadErr error
}

// NewFakeEngine returns an empty fake for addr.
func NewFakeEngine(addr string) *FakeEngine {
	return &FakeEngine{Addr: addr, Uploads: map[string][]byte{}}
}

// On answers commands with prefix with output, every time.
func (f *FakeEngine) On(prefix, output string) *FakeEngine {
	return f.Add(Response{Prefix: prefix, Output: output})
}

// OnExit answers commands with prefix with a non-zero exit status.
func (f *FakeEngine) OnExit(prefix string, code int) *FakeEngine {
	return f.Add(Response{Prefix: prefix, ExitCode: code})
}

// OnErr fails commands with prefix with err.
func (f *FakeEngine) OnErr(prefix string, err error) *FakeEngine {
	return f.Add(Response{Prefix: prefix, Err: err})
}

// Add registers r.
func (f *FakeEngine) Add(r Response) *FakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, &r)
	return f
}

// Address returns Addr.
func (f *FakeEngine) Address() string { return f.Addr }

// RunCmd records cmd and returns the first matching response.
func (f *FakeEngine) RunCmd(ctx context.Context, cmd string, opts ...engine.RunOption) (string, error) {
	o := engine.ResolveRunOptions(opts...)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Commands = append(f.Commands, cmd)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, r := range f.responses {
		if !strings.HasPrefix(cmd, r.Prefix) {
			continue
		}
		if r.Times > 0 && r.used >= r.Times {
			continue
		}
		r.used++
		if r.Err != nil {
			return r.Output, r.Err
		}
		if o.Validate && r.ExitCode != 0 {
			return r.Output, &util.CommandError{Command: cmd, Output: r.Output, ExitCode: r.ExitCode}
		}
		return r.Output, nil
	}
	return "", nil
}

// RunCmdSet runs each command through RunCmd.
func (f *FakeEngine) RunCmdSet(ctx context.Context, cmds []string, opts ...engine.RunOption) (string, error) {
	var all strings.Builder
	for _, c := range cmds {
		out, err := f.RunCmd(ctx, c, opts...)
		all.WriteString(out)
		if err != nil {
			return all.String(), err
		}
	}
	return all.String(), nil
}

// CopyFile records the upload under remotePath with the local path as content.
func (f *FakeEngine) CopyFile(ctx context.Context, localPath, remotePath string) error {
	return f.WriteFile(ctx, remotePath, []byte("file:"+localPath))
}

// WriteFile records the upload.
func (f *FakeEngine) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploads[remotePath] = append([]byte(nil), data...)
	f.Commands = append(f.Commands, "upload "+remotePath)
	return nil
}

// Reload records the reload commands.
func (f *FakeEngine) Reload(ctx context.Context, cmds []string, opts engine.ReloadOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reloads = append(f.Reloads, append([]string(nil), cmds...))
	f.ReloadOpts = append(f.ReloadOpts, opts)
	f.Commands = append(f.Commands, "reload "+strings.Join(cmds, ";"))
	err := f.ReloadErr
	f.ReloadErr = nil
	return err
}

// Disconnect counts disconnects.
func (f *FakeEngine) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnects++
	f.Commands = append(f.Commands, "disconnect")
	return nil
}

// Count returns how many recorded commands start with prefix.
func (f *FakeEngine) Count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Commands {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// History returns a copy of the recorded commands.
func (f *FakeEngine) History() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Commands...)
}

// FakeSleeper records sleeps without waiting.
type FakeSleeper struct {
	mu     sync.Mutex
	Sleeps []time.Duration
}

// Sleep records d.
func (s *FakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sleeps = append(s.Sleeps, d)
	return ctx.Err()
}

// CountOf returns how many sleeps of exactly d were recorded.
func (s *FakeSleeper) CountOf(d time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.Sleeps {
		if x == d {
			n++
		}
	}
	return n
}

// FakeHost is a scripted engine.HostRunner.
type FakeHost struct {
	mu       sync.Mutex
	Commands []string
	// Results maps a command to its result. Unknown commands exit 0.
	Results map[string]engine.Result
}

// Run records cmd and returns its scripted result.
func (h *FakeHost) Run(ctx context.Context, cmd string, timeout time.Duration) engine.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Commands = append(h.Commands, cmd)
	if r, ok := h.Results[cmd]; ok {
		return r
	}
	return engine.Result{}
}

// Count returns how many times cmd ran.
func (h *FakeHost) Count(cmd string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.Commands {
		if c == cmd {
			n++
		}
	}
	return n
}
