package memory

import (
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero/api"
)

// UserMemory is the isolated linear memory belonging to exactly one
// process. It is never visible to other runners; the kernel only ever
// reaches into it through the syscall translator's copy-in/copy-out.
// A kernel-only task (idle, kernel thread) has no UserMemory.
type UserMemory struct {
	mem api.Memory
}

// NewUserMemory wraps the api.Memory belonging to a task runner's
// instantiated user module.
func NewUserMemory(mem api.Memory) *UserMemory {
	return &UserMemory{mem: mem}
}

// ReadAt copies len(p) bytes starting at addr out of user memory.
func (u *UserMemory) ReadAt(p []byte, addr uint32) error {
	if u == nil {
		return errors.Wrap(ErrInvalidMemoryAccess, "read from nil user memory")
	}

	buf, ok := u.mem.Read(addr, uint32(len(p)))
	if !ok {
		return errors.Wrapf(ErrInvalidMemoryAccess, "user read addr=%#x len=%d", addr, len(p))
	}

	copy(p, buf)
	return nil
}

// WriteAt copies p into user memory starting at addr. A no-op when addr
// is the null pointer, matching the pointer semantics in spec.md §4.2:
// "output copies with a null user destination are no-ops."
func (u *UserMemory) WriteAt(p []byte, addr uint32) error {
	if u == nil {
		return errors.Wrap(ErrInvalidMemoryAccess, "write to nil user memory")
	}

	if addr == 0 || len(p) == 0 {
		return nil
	}

	if !u.mem.Write(addr, p) {
		return errors.Wrapf(ErrInvalidMemoryAccess, "user write addr=%#x len=%d", addr, len(p))
	}

	return nil
}

// ReadCString reads a null-terminated string starting at addr, failing
// rather than looping forever if no terminator is found within budget
// bytes.
func (u *UserMemory) ReadCString(addr uint32, budget uint32) ([]byte, error) {
	var out []byte

	var b [1]byte

	for off := uint32(0); off < budget; off++ {
		if err := u.ReadAt(b[:], addr+off); err != nil {
			return nil, err
		}

		if b[0] == 0 {
			return out, nil
		}

		out = append(out, b[0])
	}

	return nil, errors.New("unterminated string exceeds scratch budget")
}
