package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/newtron-network/newtdeploy/pkg/util"
)

// RedisAddr is where SONiC's Redis listens inside the switch. It is not
// exposed on the management network.
const RedisAddr = "127.0.0.1:6379"

// Forwarder dials addresses from the device's side. *engine.SSHEngine
// implements it.
type Forwarder interface {
	Dial(ctx context.Context, network, addr string) (net.Conn, error)
}

// SSHTunnel exposes a device-local address on a loopback port of this host.
// Each accepted connection is forwarded through its own Forwarder dial, so
// a dropped SSH session only fails the connections open at the time.
type SSHTunnel struct {
	fwd      Forwarder
	remote   string
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSSHTunnel listens on a random loopback port and forwards to remote.
func NewSSHTunnel(fwd Forwarder, remote string) (*SSHTunnel, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("tunnel listen: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &SSHTunnel{fwd: fwd, remote: remote, listener: l, ctx: ctx, cancel: cancel}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// LocalAddr is the loopback address to connect to, e.g. "127.0.0.1:54321".
func (t *SSHTunnel) LocalAddr() string {
	return t.listener.Addr().String()
}

// Close stops accepting, tears down open forwards and waits for them.
func (t *SSHTunnel) Close() error {
	t.cancel()
	err := t.listener.Close()
	t.wg.Wait()
	return err
}

func (t *SSHTunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			util.Debugf("tunnel %s: accept: %v", t.remote, err)
			continue
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

func (t *SSHTunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.fwd.Dial(t.ctx, "tcp", t.remote)
	if err != nil {
		util.Debugf("tunnel %s: %v", t.remote, err)
		return
	}
	defer remote.Close()

	// Closing both ends on the first EOF or on Close unblocks the other copy.
	stop := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		stop <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		stop <- struct{}{}
	}()
	select {
	case <-stop:
	case <-t.ctx.Done():
	}
	local.Close()
	remote.Close()
	<-stop
}
