// Package localnet implements bridge.NetworkBackend directly against Go's
// own net.Dial, standing in for relay.Client when the embedding host has
// no actual relay proxy configured — the dev CLI's default, the way a
// headless test harness dials loopback services directly instead of
// going through a browser's proxy.
package localnet

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/linuxwasm/hostrt/bridge"
)

// Dialer implements bridge.NetworkBackend by dialing real TCP connections,
// one per Open call, tracked by a small integer id the same way
// relay.Client tracks its multiplexed logical connections.
type Dialer struct {
	mu     sync.Mutex
	conns  map[int32]net.Conn
	nextID atomic.Int32

	// DialTimeout bounds how long Open waits for the TCP handshake.
	DialTimeout time.Duration
}

var _ bridge.NetworkBackend = (*Dialer)(nil)

// NewDialer creates a Dialer with a sane default DialTimeout.
func NewDialer() *Dialer {
	return &Dialer{
		conns:       make(map[int32]net.Conn),
		DialTimeout: 10 * time.Second,
	}
}

// Open implements bridge.NetworkBackend.
func (d *Dialer) Open(ctx context.Context, host string, port int32) (int32, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.DialTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return 0, errors.Wrapf(err, "dial %s:%d", host, port)
	}

	id := d.nextID.Add(1)

	d.mu.Lock()
	d.conns[id] = conn
	d.mu.Unlock()

	return id, nil
}

func (d *Dialer) lookup(id int32) net.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[id]
}

// Write implements bridge.NetworkBackend.
func (d *Dialer) Write(ctx context.Context, id int32, p []byte) (int, error) {
	conn := d.lookup(id)
	if conn == nil {
		return 0, errors.New("localnet: unknown connection")
	}
	return conn.Write(p)
}

// Read implements bridge.NetworkBackend: blocks until some data arrives,
// an EOF, or ctx's deadline passes. A ctx canceled without a deadline
// does not interrupt a read already waiting.
func (d *Dialer) Read(ctx context.Context, id int32, p []byte) (int, error) {
	conn := d.lookup(id)
	if conn == nil {
		return 0, errors.New("localnet: unknown connection")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}

	n, err := conn.Read(p)
	if errors.Is(err, net.ErrClosed) {
		return n, nil
	}
	if err != nil && n == 0 {
		return 0, nil // EOF or reset reads as a closed connection, not an error
	}
	return n, nil
}

// Poll implements bridge.NetworkBackend. A plain net.Conn offers no
// non-blocking peek, so Poll only ever reports PollNoData for a still-open
// connection — the kernel's own read-with-timeout loop, not Poll, is what
// actually waits for data on this backend.
func (d *Dialer) Poll(ctx context.Context, id int32) bridge.PollState {
	if d.lookup(id) == nil {
		return bridge.PollError
	}
	return bridge.PollNoData
}

// Close implements bridge.NetworkBackend.
func (d *Dialer) Close(ctx context.Context, id int32) error {
	d.mu.Lock()
	conn := d.conns[id]
	delete(d.conns, id)
	d.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
