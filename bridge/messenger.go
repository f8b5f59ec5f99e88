// Package bridge turns the controller's asynchronous, main-thread-shaped
// capabilities — console, network, persistence — into calls a runner
// goroutine can make synchronously from inside a guest syscall, the way a
// worker thread in the browser blocks on a shared status cell rather than
// awaiting a promise. Modeled on the wait/notify shape of the teacher's
// pkg/waiter, cut down to the single-waiter case a messenger actually
// needs.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Status is the messenger's completion code, written into the status slot
// last — after every result slot — so a waiter that observes a non-pending
// status is guaranteed to see completed results.
type Status int32

const (
	// StatusPending is the sentinel the status slot holds while the
	// call is in flight. Never a valid completion value.
	StatusPending Status = -1
	StatusOK      Status = 0
	StatusError   Status = 1
	// StatusNotFound is persistence-specific: load/delete of a missing key.
	StatusNotFound Status = 2
	// StatusRemoteClosed is network-specific: the relay connection closed
	// out from under an in-flight read or write.
	StatusRemoteClosed Status = 3
)

// resultSlots is the number of scalar result words a messenger carries —
// enough for every call family in §4.3 (at most a byte count and a
// connection id together).
const resultSlots = 2

// Messenger carries one in-flight host call's completion: the result
// words a backend call produced, and the status cell a waiter polls to
// learn they're ready. Console, Network, and Persistence each allocate a
// fresh Messenger per call rather than keeping one per runner — they have
// no runner/task identity to key a reusable instance by — but every call
// still goes Begin, do the work, Complete, Wait, so the result-before-
// status ordering spec.md §4.3 requires is the one path every host call
// actually takes, not a parallel implementation of the same guarantee.
type Messenger struct {
	status  atomic.Int32
	results [resultSlots]int32
	ready   chan struct{}

	mu sync.Mutex // serializes Begin/Complete against reuse
}

// NewMessenger creates a messenger already in the completed, idle state.
func NewMessenger() *Messenger {
	m := &Messenger{ready: make(chan struct{}, 1)}
	m.status.Store(int32(StatusOK))
	return m
}

// Begin resets the messenger to pending, ready for a new call. The caller
// must call Begin before posting work and before Wait.
func (m *Messenger) Begin() {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.ready:
	default:
	}

	m.status.Store(int32(StatusPending))
}

// Complete writes the call's results, then its status, then wakes the
// waiter — result-before-status is the ordering invariant spec.md §5
// requires.
func (m *Messenger) Complete(status Status, results ...int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < len(results) && i < resultSlots; i++ {
		m.results[i] = results[i]
	}

	m.status.Store(int32(status))

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Wait blocks until Complete has run, or ctx is done, and returns the
// status and result words observed.
func (m *Messenger) Wait(ctx context.Context) (Status, [resultSlots]int32, error) {
	if Status(m.status.Load()) != StatusPending {
		return Status(m.status.Load()), m.results, nil
	}

	select {
	case <-m.ready:
		return Status(m.status.Load()), m.results, nil
	case <-ctx.Done():
		return StatusPending, m.results, errors.Wrap(ctx.Err(), "bridge call canceled")
	}
}
