package memory

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/linuxwasm/hostrt/ids"
)

// DefaultScratchSize resolves the open question in spec.md §9: the source
// left the scratch region size unspecified beyond "fixed". 64 KiB — one
// wasm page — is a generous window for the argument structs and small
// buffers syscalls actually marshal, and keeps the per-task reservation
// arithmetic in whole pages.
const DefaultScratchSize = WasmPageSize

// ErrScratchOverflow is returned when a syscall's argument marshalling
// would bump-allocate past the end of its task's scratch window. This is
// a distinguished failure, not a silent truncation, per spec.md §8.
var ErrScratchOverflow = errors.New("syscall scratch region overflow")

// ScratchTable hands out one fixed, non-overlapping scratch window per
// user task, carved out of kernel memory. Each window's base comes
// straight back from GrowBytes's previous-size return — the same way
// layoutBoot places the command line and initrd — never from an
// independently tracked counter, so a window can never land inside
// memory some earlier grower already claimed (the kernel image's own
// low data/globals included).
type ScratchTable struct {
	mu     sync.Mutex
	km     *KernelMemory
	size   uint32
	byTask map[ids.TaskID]*Scratch
}

// NewScratchTable carves scratch windows of size bytes each, starting
// wherever kernel memory's current top happens to be at the time of each
// Reserve call.
func NewScratchTable(km *KernelMemory, size uint32) *ScratchTable {
	if size == 0 {
		size = DefaultScratchSize
	}

	return &ScratchTable{
		km:     km,
		size:   size,
		byTask: make(map[ids.TaskID]*Scratch),
	}
}

// Reserve returns the scratch window for task, allocating one if this is
// the task's first syscall.
func (t *ScratchTable) Reserve(task ids.TaskID) (*Scratch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.byTask[task]; ok {
		return s, nil
	}

	base, err := t.km.GrowBytes(t.size)
	if err != nil {
		return nil, errors.Wrapf(err, "reserve scratch for %s", task)
	}

	s := &Scratch{km: t.km, Base: base, Size: t.size}
	t.byTask[task] = s

	return s, nil
}

// Release drops the bookkeeping for task. The underlying kernel memory
// bytes are not reclaimed — growth is monotonic, matching the guest
// kernel's own memory.grow semantics.
func (t *ScratchTable) Release(task ids.TaskID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.byTask, task)
}

// Scratch is one task's bump-allocated window inside kernel memory, used
// by the syscall translator as the kernel-visible staging area for
// copied-in arguments and copied-out results.
type Scratch struct {
	km   *KernelMemory
	Base uint32
	Size uint32

	bump uint32
}

// Reset rewinds the bump pointer to the start of the window. Called at
// the start of every syscall.
func (s *Scratch) Reset() {
	s.bump = 0
}

// Alloc bump-allocates n bytes, 8-byte aligned, and returns the absolute
// kernel-memory address of the allocation. A zero-length allocation
// leaves the bump pointer unchanged, per spec.md §8's boundary behaviors.
func (s *Scratch) Alloc(n uint32) (uint32, error) {
	if n == 0 {
		return s.Base + s.bump, nil
	}

	aligned := align8(s.bump)

	if aligned+n > s.Size {
		return 0, ErrScratchOverflow
	}

	addr := s.Base + aligned
	s.bump = aligned + n

	return addr, nil
}

func align8(x uint32) uint32 {
	return (x + 7) &^ 7
}

// CopyIn copies n bytes from user memory at userAddr into a fresh scratch
// allocation and returns the scratch address the kernel should see.
// A null user pointer is preserved as a null kernel pointer.
func (s *Scratch) CopyIn(user *UserMemory, userAddr uint32, n uint32) (uint32, error) {
	if userAddr == 0 {
		return 0, nil
	}

	dst, err := s.Alloc(n)
	if err != nil {
		return 0, err
	}

	if n == 0 {
		return dst, nil
	}

	buf := make([]byte, n)
	if err := user.ReadAt(buf, userAddr); err != nil {
		return 0, errors.Wrapf(err, "copy-in addr=%#x len=%d", userAddr, n)
	}

	if err := s.km.WriteAt(buf, dst); err != nil {
		return 0, err
	}

	return dst, nil
}

// CopyOut copies n bytes from the scratch address scratchAddr back to
// user memory at userAddr. A no-op when userAddr is null.
func (s *Scratch) CopyOut(user *UserMemory, userAddr, scratchAddr, n uint32) error {
	if userAddr == 0 || n == 0 {
		return nil
	}

	buf := make([]byte, n)
	if err := s.km.ReadAt(buf, scratchAddr); err != nil {
		return err
	}

	return user.WriteAt(buf, userAddr)
}
