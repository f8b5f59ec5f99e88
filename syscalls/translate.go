package syscalls

import (
	"context"

	"github.com/davecgh/go-spew/spew"
	"github.com/hashicorp/go-hclog"
	"github.com/tetratelabs/wazero/api"

	"github.com/linuxwasm/hostrt/memory"
	"github.com/linuxwasm/hostrt/wasmhost"
)

// ENOSYS is returned, negated, when a syscall arity has no kernel-exported
// entry at all, when marshalling an argument fails (a bad user pointer, an
// unterminated string, or a scratch overflow), and when the kernel export
// traps. Unlisted syscall numbers are not errors; they pass through.
const ENOSYS = 38

// defaultStringBudget bounds how far a StringPtr argument is read before
// the translator gives up, when a descriptor doesn't specify its own.
const defaultStringBudget = 4096

// iovecSize is sizeof(struct iovec) on the wasm32 guest ABI: two 4-byte
// fields, base pointer then length.
const iovecSize = 8

// TailHandler reacts to the user-mode tail-control state the kernel may
// have requested via user_mode_tail while handling a syscall — signal
// delivery, sigreturn unwind, or exec — once the kernel's own syscall
// export returns control to the translator. Implemented by the worker
// package's runner/controller pair; kept as an interface here so this
// package never imports worker.
type TailHandler interface {
	HandleTail(ctx context.Context) error
}

// Translator implements wasmhost.SyscallTarget for one task: it owns that
// task's scratch window and (if any) user memory, and forwards translated
// calls to one kernel module instance's own exported __syscallN entries.
// It never decides what a syscall does — only how its pointer arguments
// move between user memory and kernel memory.
type Translator struct {
	km        *memory.KernelMemory
	kernelMod api.Module
	scratch   *memory.Scratch
	user      *memory.UserMemory // nil for a kernel-only task
	l         hclog.Logger

	tail TailHandler
}

// NewTranslator builds a translator that forwards into kernelMod, using
// scratch as its staging window. user may be nil: a kernel thread has no
// isolated memory, and every syscall it issues passes through untouched.
func NewTranslator(km *memory.KernelMemory, kernelMod api.Module, scratch *memory.Scratch, user *memory.UserMemory, l hclog.Logger) *Translator {
	if l == nil {
		l = hclog.NewNullLogger()
	}

	return &Translator{km: km, kernelMod: kernelMod, scratch: scratch, user: user, l: l}
}

var _ wasmhost.SyscallTarget = (*Translator)(nil)

// SetTailHandler wires h as the translator's reaction to user_mode_tail
// requests, once the owning runner exists to act on them.
func (t *Translator) SetTailHandler(h TailHandler) {
	t.tail = h
}

// SetUser swaps in a new user memory view, used by exec to point the
// translator at the freshly instantiated user module's memory. Called
// only from the same goroutine already driving this translator's
// syscalls, so no locking is needed.
func (t *Translator) SetUser(u *memory.UserMemory) {
	t.user = u
}

func (t *Translator) handleTail(ctx context.Context) {
	if t.tail == nil {
		return
	}
	if err := t.tail.HandleTail(ctx); err != nil {
		t.l.Warn("user-mode tail handling failed", "error", err)
	}
}

// Syscall implements wasmhost.SyscallTarget.
func (t *Translator) Syscall(ctx context.Context, num int32, arity int, args [6]uint32) int32 {
	t.scratch.Reset()

	fn := wasmhost.KernelSyscallExport(t.kernelMod, arity)
	if fn == nil {
		return -ENOSYS
	}

	var desc *Descriptor
	if num >= 0 && int(num) < len(Table) {
		desc = Table[num]
	}

	if t.l.IsTrace() {
		spew.Dump(struct {
			Num   int32
			Arity int
			Args  [6]uint32
			Desc  *Descriptor
		}{num, arity, args, desc})
	}

	// Pass-through fallback: no user memory (kernel-only task), an
	// out-of-range syscall number, or no known descriptor for this
	// number. Arguments go to the kernel unchanged, per spec.md §4.2's
	// fallback rules.
	if t.user == nil || desc == nil {
		ret := t.call(ctx, num, fn, arity, args)
		t.handleTail(ctx)
		return ret
	}

	translated := args
	var outs []copyOutJob

	for _, a := range desc.Args {
		if a.Index >= arity {
			continue
		}

		switch a.Kind {
		case InPtr:
			n := t.length(a, args)
			addr, err := t.scratch.CopyIn(t.user, args[a.Index], n)
			if err != nil {
				t.l.Warn("syscall copy-in failed", "num", num, "arg", a.Index, "error", err)
				return -ENOSYS
			}
			translated[a.Index] = addr

		case OutPtr, InOutPtr:
			n := t.length(a, args)
			var dst uint32
			var err error
			if a.Kind == InOutPtr {
				dst, err = t.scratch.CopyIn(t.user, args[a.Index], n)
			} else {
				dst, err = t.reserveOut(a, args, translated)
			}
			if err != nil {
				t.l.Warn("syscall reserve out failed", "num", num, "arg", a.Index, "error", err)
				return -ENOSYS
			}
			translated[a.Index] = dst
			outs = append(outs, copyOutJob{userAddr: args[a.Index], scratchAddr: dst, n: n, retLen: a.RetLen})

		case StringPtr:
			budget := a.StringBudget
			if budget == 0 {
				budget = defaultStringBudget
			}
			addr, n, err := t.copyInString(args[a.Index], budget)
			if err != nil {
				t.l.Warn("syscall string copy-in failed", "num", num, "arg", a.Index, "error", err)
				return -ENOSYS
			}
			_ = n
			translated[a.Index] = addr

		case IOVecArray:
			count := t.length(a, args)
			addr, jobs, err := t.copyInIOVecs(args[a.Index], count, a.Dir, a.RetLen)
			if err != nil {
				t.l.Warn("syscall iovec copy-in failed", "num", num, "arg", a.Index, "error", err)
				return -ENOSYS
			}
			translated[a.Index] = addr
			outs = append(outs, jobs...)
		}
	}

	ret := t.call(ctx, num, fn, arity, translated)

	// Read-like outputs (RetLen) are bounded by ret, not by their
	// declared/requested length: a positive return of N copies exactly N
	// bytes, spent across outs in order — the rest of each declared
	// buffer (and every later buffer once N is exhausted) is left
	// untouched, per spec.md §4.2 and §8's "positive return value N →
	// exactly N bytes copied out" property.
	var retBudget int64
	if ret > 0 {
		retBudget = int64(ret)
	}

	for _, job := range outs {
		n := job.n
		if job.retLen {
			if retBudget <= 0 {
				n = 0
			} else if int64(n) > retBudget {
				n = uint32(retBudget)
			}
			retBudget -= int64(n)
		}

		if n == 0 {
			continue
		}

		if err := t.scratch.CopyOut(t.user, job.userAddr, job.scratchAddr, n); err != nil {
			t.l.Warn("syscall copy-out failed", "error", err)
		}
	}

	t.handleTail(ctx)

	return ret
}

type copyOutJob struct {
	userAddr    uint32
	scratchAddr uint32
	n           uint32
	retLen      bool
}

// length resolves an ArgSpec's byte count. FixedLen and LenIndex are
// mutually exclusive (see ArgSpec's doc comment); FixedLen takes priority
// since LenIndex's zero value is itself a valid argument slot and can't
// double as an "unset" sentinel.
func (t *Translator) length(a ArgSpec, args [6]uint32) uint32 {
	if a.FixedLen > 0 {
		return a.FixedLen
	}
	return args[a.LenIndex]
}

// reserveOut allocates the scratch destination for an OutPtr/InOutPtr
// argument without copying anything in.
func (t *Translator) reserveOut(a ArgSpec, args, translated [6]uint32) (uint32, error) {
	n := t.length(a, args)
	return t.scratch.Alloc(n)
}

func (t *Translator) copyInString(userAddr uint32, budget uint32) (uint32, uint32, error) {
	if userAddr == 0 {
		return 0, 0, nil
	}

	b, err := t.user.ReadCString(userAddr, budget)
	if err != nil {
		return 0, 0, err
	}

	// ReadCString doesn't include the terminator; write one back so the
	// kernel sees a properly bounded C string.
	buf := make([]byte, len(b)+1)
	copy(buf, b)

	dst, err := t.scratch.Alloc(uint32(len(buf)))
	if err != nil {
		return 0, 0, err
	}

	if err := t.km.WriteAt(buf, dst); err != nil {
		return 0, 0, err
	}

	return dst, uint32(len(buf)), nil
}

// copyInIOVecs stages a guest iovec array: it reads each (base, len) pair
// out of user memory, copies each buffer's bytes into scratch according to
// dir, and writes a translated iovec array — pointing at the scratch
// copies — back into scratch for the kernel to consume. retLen is carried
// onto each output job so the caller can clamp the eventual copy-out to
// the syscall's return value (readv's case).
func (t *Translator) copyInIOVecs(userAddr uint32, count uint32, dir Kind, retLen bool) (uint32, []copyOutJob, error) {
	if userAddr == 0 || count == 0 {
		return 0, nil, nil
	}

	raw := make([]byte, count*iovecSize)
	if err := t.user.ReadAt(raw, userAddr); err != nil {
		return 0, nil, err
	}

	translated := make([]byte, count*iovecSize)
	var outs []copyOutJob

	for i := uint32(0); i < count; i++ {
		base := le32(raw[i*iovecSize:])
		length := le32(raw[i*iovecSize+4:])

		var scratchAddr uint32
		var err error

		switch dir {
		case InPtr:
			scratchAddr, err = t.scratch.CopyIn(t.user, base, length)
		default: // OutPtr or InOutPtr
			if dir == InOutPtr {
				scratchAddr, err = t.scratch.CopyIn(t.user, base, length)
			} else {
				scratchAddr, err = t.scratch.Alloc(length)
			}
			if err == nil {
				outs = append(outs, copyOutJob{userAddr: base, scratchAddr: scratchAddr, n: length, retLen: retLen})
			}
		}

		if err != nil {
			return 0, nil, err
		}

		putLE32(translated[i*iovecSize:], scratchAddr)
		putLE32(translated[i*iovecSize+4:], length)
	}

	arrAddr, err := t.scratch.Alloc(uint32(len(translated)))
	if err != nil {
		return 0, nil, err
	}

	if err := t.km.WriteAt(translated, arrAddr); err != nil {
		return 0, nil, err
	}

	return arrAddr, outs, nil
}

// call invokes the kernel's own exported __syscallN entry, which takes the
// syscall number followed by arity argument words — the same convention
// the env-side generic stub uses.
func (t *Translator) call(ctx context.Context, num int32, fn api.Function, arity int, args [6]uint32) int32 {
	wasmArgs := make([]uint64, arity+1)
	wasmArgs[0] = uint64(uint32(num))
	for i := 0; i < arity; i++ {
		wasmArgs[i+1] = uint64(args[i])
	}

	res, err := fn.Call(ctx, wasmArgs...)
	if err != nil {
		t.l.Warn("kernel syscall export trapped", "error", err)
		return -ENOSYS
	}
	if len(res) == 0 {
		return 0
	}

	return int32(uint32(res[0]))
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
