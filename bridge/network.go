package bridge

import (
	"context"

	"github.com/linuxwasm/hostrt/memory"
)

// PollState is what net_poll reports for a connection, matching the
// POLL_NO_DATA/POLL_HAS_DATA/POLL_CLOSED/POLL_ERROR enum the guest's lwnet
// driver expects.
type PollState int32

const (
	PollNoData PollState = 0
	PollHasData PollState = 1
	PollClosed  PollState = 2
	PollError   PollState = 3
)

// NetworkBackend is whatever actually opens, reads, writes, polls and
// closes connections — the relay client in production, a fake in tests.
type NetworkBackend interface {
	Open(ctx context.Context, host string, port int32) (int32, error)
	Write(ctx context.Context, id int32, p []byte) (int, error)
	Read(ctx context.Context, id int32, p []byte) (int, error)
	Poll(ctx context.Context, id int32) PollState
	Close(ctx context.Context, id int32) error
}

// Network implements the net_open/net_write/net_read/net_poll/net_close
// host callbacks over a NetworkBackend, moving bytes to and from kernel
// memory at the call boundary.
type Network struct {
	km      *memory.KernelMemory
	backend NetworkBackend
}

func NewNetwork(km *memory.KernelMemory, backend NetworkBackend) *Network {
	return &Network{km: km, backend: backend}
}

// Open implements net_open. Returns a non-negative connection id, or a
// negative value on failure.
func (n *Network) Open(ctx context.Context, hostAddr, hostLen uint32, port int32) int32 {
	hostBuf := make([]byte, hostLen)
	if err := n.km.ReadAt(hostBuf, hostAddr); err != nil {
		return -1
	}

	m := NewMessenger()
	m.Begin()

	id, err := n.backend.Open(ctx, string(hostBuf), port)
	if err != nil {
		m.Complete(StatusError)
	} else {
		m.Complete(StatusOK, id)
	}

	status, results, err := m.Wait(ctx)
	if err != nil || status != StatusOK {
		return -1
	}

	return results[0]
}

// Write implements net_write.
func (n *Network) Write(ctx context.Context, id int32, addr, length uint32) int32 {
	buf := make([]byte, length)
	if err := n.km.ReadAt(buf, addr); err != nil {
		return -1
	}

	m := NewMessenger()
	m.Begin()

	written, err := n.backend.Write(ctx, id, buf)
	if err != nil {
		m.Complete(StatusError)
	} else {
		m.Complete(StatusOK, int32(written))
	}

	status, results, err := m.Wait(ctx)
	if err != nil || status != StatusOK {
		return -1
	}

	return results[0]
}

// Read implements net_read.
func (n *Network) Read(ctx context.Context, id int32, addr, maxLen uint32) int32 {
	buf := make([]byte, maxLen)

	m := NewMessenger()
	m.Begin()

	got, err := n.backend.Read(ctx, id, buf)
	if err != nil {
		m.Complete(StatusError)
	} else if got > 0 {
		if err := n.km.WriteAt(buf[:got], addr); err != nil {
			m.Complete(StatusError)
		} else {
			m.Complete(StatusOK, int32(got))
		}
	} else {
		m.Complete(StatusOK, 0)
	}

	status, results, err := m.Wait(ctx)
	if err != nil || status != StatusOK {
		return -1
	}

	return results[0]
}

// Poll implements net_poll.
func (n *Network) Poll(ctx context.Context, id int32) int32 {
	m := NewMessenger()
	m.Begin()
	m.Complete(StatusOK, int32(n.backend.Poll(ctx, id)))

	_, results, err := m.Wait(ctx)
	if err != nil {
		return int32(PollError)
	}

	return results[0]
}

// Close implements net_close.
func (n *Network) Close(ctx context.Context, id int32) {
	_ = n.backend.Close(ctx, id)
}
