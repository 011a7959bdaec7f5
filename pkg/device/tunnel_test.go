package device

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/newtron-network/newtdeploy/internal/testutil"
	"github.com/newtron-network/newtdeploy/pkg/util"
)

// loopForwarder dials on this host, standing in for the device side.
type loopForwarder struct {
	dials []string
}

func (f *loopForwarder) Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	f.dials = append(f.dials, addr)
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func echoServer(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					c.Write([]byte(strings.ToUpper(line)))
				}
			}()
		}
	}()
	return l.Addr().String()
}

func TestSSHTunnelForwards(t *testing.T) {
	remote := echoServer(t)
	fwd := &loopForwarder{}
	tun, err := NewSSHTunnel(fwd, remote)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		c, err := net.DialTimeout("tcp", tun.LocalAddr(), 2*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		c.SetDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.Write([]byte("ping\n")); err != nil {
			t.Fatal(err)
		}
		got, err := bufio.NewReader(c).ReadString('\n')
		if err != nil || got != "PING\n" {
			t.Errorf("reply = %q, %v", got, err)
		}
		c.Close()
	}

	if err := tun.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if len(fwd.dials) != 2 || fwd.dials[0] != remote {
		t.Errorf("dials = %v", fwd.dials)
	}
	if _, err := net.DialTimeout("tcp", tun.LocalAddr(), time.Second); err == nil {
		t.Error("tunnel still accepting after Close")
	}
}

func TestSSHTunnelCloseWithOpenConnection(t *testing.T) {
	tun, err := NewSSHTunnel(&loopForwarder{}, echoServer(t))
	if err != nil {
		t.Fatal(err)
	}
	c, err := net.Dial("tcp", tun.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.Write([]byte("x\n"))

	done := make(chan struct{})
	go func() {
		tun.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on an open forward")
	}
}

func TestOpenRedisNeedsForwarder(t *testing.T) {
	d := &Device{Name: "dut1", Engine: testutil.NewFakeEngine("10.0.0.1")}
	_, err := OpenRedis(context.Background(), d)
	if !errors.Is(err, util.ErrPreconditionFailed) {
		t.Errorf("err = %v, want precondition failure", err)
	}
}
