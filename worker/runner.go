// Package worker is the runner substrate: one goroutine per guest "CPU" or
// task, each owning its own kernel module instance and (for tasks) user
// module instance, cooperatively handed off via the serialize host
// callback the way spec.md §4.1 describes. Grounded on the teacher's
// Process/ProcessGroup bookkeeping in kernel/process.go and
// kernel/process_group.go, generalized from "the process that runs Go code
// implementing syscalls" to "the goroutine that hosts one guest Wasm
// instance and waits its turn."
package worker

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
	"github.com/tetratelabs/wazero/api"

	"github.com/linuxwasm/hostrt/ids"
	"github.com/linuxwasm/hostrt/memory"
	"github.com/linuxwasm/hostrt/syscalls"
)

// Kind is which of the three runner shapes spec.md §4.1 names.
type Kind int

const (
	KindPrimaryCPU Kind = iota
	KindSecondaryCPU
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindPrimaryCPU:
		return "primary-cpu"
	case KindSecondaryCPU:
		return "secondary-cpu"
	case KindTask:
		return "task"
	default:
		return "unknown"
	}
}

// TaskMode distinguishes the two ways a task runner resumes guest code,
// per spec.md §4.1.
type TaskMode int

const (
	// ModeKthreadReturnedToInit is a kernel thread whose entry point is
	// the kernel's return_from_fork export called with no prior user
	// context — it runs straight into kernel code that eventually
	// returns to init.
	ModeKthreadReturnedToInit TaskMode = iota
	// ModeCloneCallback is a task started via a clone(2)-style callback
	// entry point supplied by the parent, not return_from_fork.
	ModeCloneCallback
)

// Tail is the user-mode tail-control state the host must act on once a
// syscall dispatch returns into Go, per spec.md §4.1's normal/signal/
// sigreturn/exec states.
type Tail int32

const (
	TailNormal         Tail = 0
	TailSignalDeliver  Tail = 1
	TailSigreturn      Tail = 2
	TailExec           Tail = 3
)

// Status is a runner's lifecycle state.
type Status int

const (
	StatusRunning Status = iota
	StatusParked
	StatusDormant // panicked but contained; runner goroutine has exited
	StatusExited
)

// Runner is one goroutine hosting one guest Wasm instance. The fields from
// mu down are guarded by mu, except park, a channel. The identity and
// instance fields above mu are set by the controller while creating or
// booting the runner, and afterwards changed only by exec on the runner's
// own goroutine.
type Runner struct {
	ID   ids.RunnerID
	Kind Kind
	Mode TaskMode
	Task ids.TaskID // zero for CPU runners

	KernelMod api.Module
	UserMod   api.Module // nil unless this runner hosts a user task
	Scratch   *memory.Scratch
	User      *memory.UserMemory
	Translator *syscalls.Translator

	l hclog.Logger

	mu     sync.Mutex
	status Status
	tail   Tail

	sigSP    uint32
	sigTLS   uint32
	sigSaved bool

	// park is how the controller wakes this runner when the guest
	// serializes control onto it. Buffered 1: a wake that arrives before
	// the runner parks is not lost.
	park chan struct{}

	panicVal interface{}
}

// NewRunnerID allocates a sortable, time-ordered runner id, the way
// alfred-ai's plugin correlation ids are minted, adapted from a plugin
// instance id to a runner id.
func NewRunnerID() ids.RunnerID {
	return ids.RunnerID(ulid.Make().Time())
}

func newRunner(kind Kind, kernelMod api.Module, l hclog.Logger) *Runner {
	return &Runner{
		ID:        NewRunnerID(),
		Kind:      kind,
		KernelMod: kernelMod,
		l:         l,
		park:      make(chan struct{}, 1),
	}
}

// Status reports the runner's current lifecycle state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// SetTail records the tail-control state the kernel requested via
// user_mode_tail, read back by the controller once the current guest call
// returns.
func (r *Runner) SetTail(t Tail) {
	r.mu.Lock()
	r.tail = t
	r.mu.Unlock()
}

// TailState returns the last tail-control state recorded for this runner.
func (r *Runner) TailState() Tail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tail
}

// SaveSignalFrame records the user stack pointer and TLS base the kernel
// had set before signal delivery switched them, so they can be reloaded
// on sigreturn.
func (r *Runner) SaveSignalFrame(sp, tls uint32) {
	r.mu.Lock()
	r.sigSP, r.sigTLS, r.sigSaved = sp, tls, true
	r.mu.Unlock()
}

// SignalFrame returns the saved pre-signal stack pointer and TLS base, if
// any is outstanding.
func (r *Runner) SignalFrame() (sp, tls uint32, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sigSP, r.sigTLS, r.sigSaved
}

// ClearSignalFrame discards the saved signal frame once sigreturn has
// reloaded it.
func (r *Runner) ClearSignalFrame() {
	r.mu.Lock()
	r.sigSaved = false
	r.mu.Unlock()
}

// Wake signals this runner to resume after a serialize hand-off onto it.
func (r *Runner) Wake() {
	select {
	case r.park <- struct{}{}:
	default:
	}
}

// ParkUntilWoken blocks the calling (this runner's own) goroutine until
// Wake is called, or ctx is done.
func (r *Runner) ParkUntilWoken(ctx context.Context) error {
	r.setStatus(StatusParked)
	defer r.setStatus(StatusRunning)

	select {
	case <-r.park:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runGuarded calls fn and recovers any panic, leaving the runner dormant
// but intact rather than crashing the process — the teacher contains a
// faulting process the same way, by capturing the failure on the Process
// rather than letting it unwind out of the scheduler loop.
func (r *Runner) runGuarded(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.mu.Lock()
			r.status = StatusDormant
			r.panicVal = rec
			r.mu.Unlock()

			r.l.Error("runner panicked, contained", "runner", r.ID, "kind", r.Kind, "panic", rec)
		}
	}()

	fn()
}
