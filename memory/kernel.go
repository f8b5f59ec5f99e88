// Package memory models the two linear-memory kinds named by the data
// model: a single growable kernel memory shared by every runner, and one
// isolated user memory per process. Both are thin wrappers over a wazero
// api.Memory — the actual bytes and growth bookkeeping live in the wasm
// engine; this package adds the host-side invariants (who may grow kernel
// memory, where a task's syscall scratch window lives).
package memory

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero/api"
)

// WasmPageSize is the fixed wasm linear-memory page size, the unit kernel
// memory is grown in.
const WasmPageSize = 65536

// ErrInvalidMemoryAccess is returned when a read or write falls outside
// the memory's current bounds.
var ErrInvalidMemoryAccess = errors.New("invalid memory access")

// KernelMemory is the single shared linear memory visible to every
// runner. The host itself grows it from two places: once by the primary
// CPU during early boot to make room for the initrd, and once per task by
// ScratchTable.Reserve to carve out that task's syscall scratch window —
// both always appending past the current top, never reusing an address a
// prior grower already claimed. The guest kernel's own memory.grow calls
// grow the same backing api.Memory independently of this type.
type KernelMemory struct {
	mu  sync.Mutex
	mem api.Memory
}

// NewKernelMemory wraps the api.Memory exported by the kernel-memory host
// module. Every runner's kernel module instance imports that same memory,
// so every KernelMemory in the process wraps the identical underlying
// buffer.
func NewKernelMemory(mem api.Memory) *KernelMemory {
	return &KernelMemory{mem: mem}
}

// Memory returns the current api.Memory view. Callers must not cache the
// returned value across a potential growth — always re-call Memory.
func (k *KernelMemory) Memory() api.Memory {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.mem
}

// GrowBytes grows kernel memory by at least n bytes, rounded up to a
// whole page, and returns the size before the growth — the only address
// a caller may safely treat as unclaimed. The primary CPU runner uses
// that address while laying out the boot command line and initrd;
// ScratchTable.Reserve uses it to carve out each task's scratch window.
func (k *KernelMemory) GrowBytes(n uint32) (uint32, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	prev := k.mem.Size()

	pages := pageRound(n) / WasmPageSize

	if _, ok := k.mem.Grow(pages); !ok {
		return 0, errors.Wrapf(ErrInvalidMemoryAccess, "grow kernel memory by %d bytes", n)
	}

	return prev, nil
}

// ReadAt copies len(p) bytes starting at addr into p.
func (k *KernelMemory) ReadAt(p []byte, addr uint32) error {
	buf, ok := k.Memory().Read(addr, uint32(len(p)))
	if !ok {
		return errors.Wrapf(ErrInvalidMemoryAccess, "read addr=%#x len=%d", addr, len(p))
	}

	copy(p, buf)
	return nil
}

// WriteAt copies p into kernel memory starting at addr.
func (k *KernelMemory) WriteAt(p []byte, addr uint32) error {
	if !k.Memory().Write(addr, p) {
		return errors.Wrapf(ErrInvalidMemoryAccess, "write addr=%#x len=%d", addr, len(p))
	}

	return nil
}

func pageRound(sz uint32) uint32 {
	if sz == 0 {
		return WasmPageSize
	}

	if diff := sz % WasmPageSize; diff != 0 {
		return sz + (WasmPageSize - diff)
	}

	return sz
}
