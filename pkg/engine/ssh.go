package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/newtdeploy/pkg/health"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// SSHEngine runs commands on a device over SSH. It dials lazily and
// redials after Disconnect or a reload.
type SSHEngine struct {
	host     string
	port     int
	user     string
	password string

	// Timeout bounds the TCP dial and SSH handshake.
	Timeout time.Duration
	// Sleeper is used by Reload between port checks.
	Sleeper util.Sleeper
	// Prober checks SSH port liveness during Reload.
	Prober *health.PortProber

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHEngine creates an engine for user@host:port. Nothing is dialed yet.
func NewSSHEngine(host string, port int, user, password string) *SSHEngine {
	if port == 0 {
		port = 22
	}
	return &SSHEngine{
		host:     host,
		port:     port,
		user:     user,
		password: password,
		Timeout:  10 * time.Second,
		Sleeper:  util.DefaultSleeper,
		Prober:   health.NewPortProber(),
	}
}

// Address returns the device host.
func (e *SSHEngine) Address() string { return e.host }

// Port returns the SSH port.
func (e *SSHEngine) Port() int { return e.port }

// User returns the login user.
func (e *SSHEngine) User() string { return e.user }

// WithPassword returns a fresh, unconnected engine for the same endpoint
// using a different password.
func (e *SSHEngine) WithPassword(password string) *SSHEngine {
	n := NewSSHEngine(e.host, e.port, e.user, password)
	n.Timeout = e.Timeout
	n.Sleeper = e.Sleeper
	n.Prober = e.Prober
	return n
}

func (e *SSHEngine) clientConfig() *ssh.ClientConfig {
	password := e.password
	return &ssh.ClientConfig{
		User: e.user,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		// Lab switches are re-imaged constantly; host keys change on every install.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.Timeout,
	}
}

// Connect dials the device if no session is open.
func (e *SSHEngine) Connect(ctx context.Context) error {
	_, err := e.connect(ctx)
	return err
}

func (e *SSHEngine) connect(ctx context.Context) (*ssh.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}

	addr := net.JoinHostPort(e.host, fmt.Sprintf("%d", e.port))
	dialer := &net.Dialer{Timeout: e.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w: %w", addr, util.ErrUnreachable, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, e.clientConfig())
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, fmt.Errorf("SSH login %s@%s: %w: %w", e.user, addr, util.ErrAuthentication, err)
		}
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	e.client = ssh.NewClient(sshConn, chans, reqs)
	return e.client, nil
}

// Dial opens a connection to addr as seen from the device, over the
// engine's SSH session.
func (e *SSHEngine) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("forwarding to %s on %s: %w", addr, e.host, err)
	}
	return conn, nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Disconnect closes the SSH connection if open.
func (e *SSHEngine) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// RunCmd runs cmd in a new session and returns stdout and stderr combined.
// Without Validate a non-zero exit is not an error, matching how callers
// grep command output themselves.
func (e *SSHEngine) RunCmd(ctx context.Context, cmd string, opts ...RunOption) (string, error) {
	o := ResolveRunOptions(opts...)
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	log := util.WithDevice(e.host)
	if o.Quiet {
		log.Debugf("Executing command: %s", cmd)
	} else {
		log.Infof("Executing command: %s", cmd)
	}

	client, err := e.connect(ctx)
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		e.Disconnect()
		return "", fmt.Errorf("SSH session: %w: %w", util.ErrNotConnected, err)
	}
	defer session.Close()

	var out syncBuffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Start(cmd); err != nil {
		return "", fmt.Errorf("SSH exec '%s': %w", cmd, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return out.String(), fmt.Errorf("SSH exec '%s': %w", cmd, ctx.Err())
	case err = <-done:
	}

	output := out.String()
	log.Debugf("Output: %s", output)

	code := 0
	var exitErr *ssh.ExitError
	switch {
	case errors.As(err, &exitErr):
		code = exitErr.ExitStatus()
	case err != nil:
		return output, fmt.Errorf("SSH exec '%s': %w", cmd, err)
	}
	if o.Validate && code != 0 {
		return output, &util.CommandError{Command: cmd, Output: output, ExitCode: code}
	}
	return output, nil
}

// RunCmdSet runs each command in order, stopping at the first error.
func (e *SSHEngine) RunCmdSet(ctx context.Context, cmds []string, opts ...RunOption) (string, error) {
	var all strings.Builder
	for _, cmd := range cmds {
		out, err := e.RunCmd(ctx, cmd, opts...)
		all.WriteString(out)
		if err != nil {
			return all.String(), err
		}
	}
	return all.String(), nil
}

// CopyFile uploads localPath to remotePath over SFTP.
func (e *SSHEngine) CopyFile(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	return e.upload(ctx, f, remotePath)
}

// WriteFile uploads data to remotePath over SFTP.
func (e *SSHEngine) WriteFile(ctx context.Context, remotePath string, data []byte) error {
	return e.upload(ctx, bytes.NewReader(data), remotePath)
}

// upload stages the file in /tmp as the login user, then moves it into
// place with sudo since most targets (/etc/sonic, /usr/share/sonic) are
// root-owned.
func (e *SSHEngine) upload(ctx context.Context, r io.Reader, remotePath string) error {
	client, err := e.connect(ctx)
	if err != nil {
		return err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sc.Close()

	staging := path.Join("/tmp", path.Base(remotePath))
	dst, err := sc.Create(staging)
	if err != nil {
		return fmt.Errorf("sftp create %s: %w", staging, err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		return fmt.Errorf("sftp write %s: %w", staging, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("sftp close %s: %w", staging, err)
	}
	util.WithDevice(e.host).Infof("Uploaded %s", staging)

	if staging == remotePath {
		return nil
	}
	mv := fmt.Sprintf("sudo mv %s %s", util.SingleQuote(staging), util.SingleQuote(remotePath))
	_, err = e.RunCmd(ctx, mv, Validate())
	return err
}

// Reload sends cmds without waiting for them to return, then waits for the
// SSH port to drop and come back.
func (e *SSHEngine) Reload(ctx context.Context, cmds []string, opts ReloadOptions) error {
	log := util.WithDevice(e.host)
	client, err := e.connect(ctx)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		log.Infof("Reloading with: %s", cmd)
		session, err := client.NewSession()
		if err != nil {
			return fmt.Errorf("SSH session: %w", err)
		}
		if err := session.Start(cmd); err != nil {
			session.Close()
			return fmt.Errorf("SSH exec '%s': %w", cmd, err)
		}
		// The session dies with the device; its exit status is meaningless.
		go func() {
			session.Wait()
			session.Close()
		}()
	}
	e.Disconnect()

	tries := opts.PortTries
	if tries <= 0 {
		tries = DefaultReloadOptions().PortTries
	}
	log.Info("Waiting for switch shutdown after reload command")
	if err := e.Prober.TillAlive(ctx, false, e.host, e.port, tries); err != nil {
		return fmt.Errorf("reload %s: %w", e.host, err)
	}
	log.Info("Waiting for switch bring-up after reload")
	if err := e.Prober.TillAlive(ctx, true, e.host, e.port, tries); err != nil {
		return fmt.Errorf("reload %s: %w", e.host, err)
	}
	if opts.WaitAfterPing > 0 {
		log.Infof("Sleeping %s after port is up", opts.WaitAfterPing)
		if err := e.Sleeper.Sleep(ctx, opts.WaitAfterPing); err != nil {
			return err
		}
	}
	if !opts.SSHAfterReload {
		return nil
	}
	return util.RetryWith(ctx, e.Sleeper, "ssh after reload", 10, 10*time.Second, e.Connect)
}

// OpenShell starts an interactive shell on a PTY. The returned terminal is
// driven with Send/Expect and owns the session until Close.
func (e *SSHEngine) OpenShell(ctx context.Context) (*ConsoleEngine, error) {
	client, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("SSH session: %w: %w", util.ErrNotConnected, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("SSH stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("SSH stdout: %w", err)
	}
	modes := ssh.TerminalModes{ssh.ECHO: 0}
	if err := session.RequestPty("vt100", 200, 80, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("SSH pty: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("SSH shell: %w", err)
	}
	addr := net.JoinHostPort(e.host, fmt.Sprintf("%d", e.port))
	return NewConsoleEngine(addr, &shellStream{Reader: stdout, stdin: stdin, session: session}), nil
}

type shellStream struct {
	io.Reader
	stdin   io.WriteCloser
	session *ssh.Session
}

func (s *shellStream) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *shellStream) Close() error {
	s.stdin.Close()
	return s.session.Close()
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes an SSH
// session performs on stdout and stderr.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
