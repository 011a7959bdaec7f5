package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// Console keystrokes.
const (
	KeyEsc   = "\x1b"
	KeyEnter = "\r"
	KeyDown  = "\x1b[B"
	KeyUp    = "\x1b[A"
)

// ErrExpectTimeout is wrapped by Expect when the pattern does not show up
// in time.
var ErrExpectTimeout = errors.New("expect timeout")

// ConsoleEngine drives a raw terminal stream with keystrokes and prompt
// matching: a serial console exposed as a TCP port on a console server, or
// an interactive SSH shell (see SSHEngine.OpenShell).
type ConsoleEngine struct {
	addr string
	conn io.ReadWriteCloser

	mu     sync.Mutex
	buf    bytes.Buffer
	rerr   error
	notify chan struct{}
	wg     sync.WaitGroup
}

// DialConsole connects to the console server port for a device.
func DialConsole(ctx context.Context, host string, port int) (*ConsoleEngine, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("console dial %s: %w", addr, err)
	}
	return NewConsoleEngine(addr, conn), nil
}

// NewConsoleEngine wraps an established terminal stream.
func NewConsoleEngine(addr string, conn io.ReadWriteCloser) *ConsoleEngine {
	c := &ConsoleEngine{
		addr:   addr,
		conn:   conn,
		notify: make(chan struct{}, 1),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// Address returns the console server address.
func (c *ConsoleEngine) Address() string { return c.addr }

func (c *ConsoleEngine) readLoop() {
	defer c.wg.Done()
	chunk := make([]byte, 4096)
	for {
		n, err := c.conn.Read(chunk)
		c.mu.Lock()
		c.buf.Write(chunk[:n])
		if err != nil {
			c.rerr = err
		}
		c.mu.Unlock()
		select {
		case c.notify <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// Send writes raw keystrokes.
func (c *ConsoleEngine) Send(keys string) error {
	util.Debugf("console %s: send %q", c.addr, keys)
	if _, err := io.WriteString(c.conn, keys); err != nil {
		return fmt.Errorf("console write %s: %w", c.addr, err)
	}
	return nil
}

// SendLine writes line followed by Enter.
func (c *ConsoleEngine) SendLine(line string) error {
	util.Infof("console %s: %s", c.addr, line)
	return c.Send(line + KeyEnter)
}

// Expect waits until pattern appears in the console output and returns
// everything read up to and including the match. Consumed output is
// dropped from the buffer. On timeout or cancellation the unmatched output
// is returned but stays buffered for the next Expect.
func (c *ConsoleEngine) Expect(ctx context.Context, pattern *regexp.Regexp, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if loc := pattern.FindIndex(c.buf.Bytes()); loc != nil {
			out := string(c.buf.Next(loc[1]))
			c.mu.Unlock()
			return out, nil
		}
		rerr := c.rerr
		c.mu.Unlock()
		if rerr != nil {
			return c.drain(), fmt.Errorf("console %s: %q not seen: %w", c.addr, pattern.String(), rerr)
		}

		select {
		case <-ctx.Done():
			return c.pending(), ctx.Err()
		case <-timer.C:
			return c.pending(), fmt.Errorf("console %s: %w after %s waiting for %q", c.addr, ErrExpectTimeout, timeout, pattern.String())
		case <-c.notify:
		}
	}
}

// Login answers a login/password prompt pair.
func (c *ConsoleEngine) Login(ctx context.Context, user, password string) error {
	if err := c.SendLine(""); err != nil {
		return err
	}
	if _, err := c.Expect(ctx, regexp.MustCompile(`login:\s*$`), 30*time.Second); err != nil {
		return err
	}
	if err := c.SendLine(user); err != nil {
		return err
	}
	if _, err := c.Expect(ctx, regexp.MustCompile(`[Pp]assword:\s*$`), 30*time.Second); err != nil {
		return err
	}
	if err := c.SendLine(password); err != nil {
		return err
	}
	_, err := c.Expect(ctx, regexp.MustCompile(`[$#]\s*$`), 30*time.Second)
	return err
}

func (c *ConsoleEngine) pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *ConsoleEngine) drain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.buf.String()
	c.buf.Reset()
	return out
}

// Close closes the console connection and waits for the reader to exit.
func (c *ConsoleEngine) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	return err
}
