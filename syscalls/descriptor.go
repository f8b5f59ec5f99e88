// Package syscalls holds the data-driven description of which syscall
// arguments are user pointers, and the single generic Translator.Syscall
// that copies them through a task's scratch window on the way into and
// back out of the guest kernel's own syscall entry points. This package
// never implements syscall behavior — that lives inside the guest kernel
// Wasm module being hosted.
package syscalls

// Kind describes what an argument slot means for copy-in/copy-out
// purposes.
type Kind int

const (
	// Value is an ordinary scalar argument, passed through unchanged.
	Value Kind = iota
	// InPtr points at data the kernel needs to read; copied in before
	// the call.
	InPtr
	// OutPtr points at a kernel-memory buffer the kernel writes into;
	// copied out after the call.
	OutPtr
	// InOutPtr is copied in before the call and copied out after.
	InOutPtr
	// StringPtr is a null-terminated string, read in before the call.
	// Never written back.
	StringPtr
	// IOVecArray points at iovcnt pairs of (ptr, len); each buffer is
	// copied in, out, or both according to Dir.
	IOVecArray
)

// ArgSpec describes one argument of a syscall in terms of how the
// translator must move bytes around it.
type ArgSpec struct {
	Index int // which of the syscall's up-to-6 argument slots this is

	Kind Kind

	// Dir only matters for IOVecArray: whether each iovec buffer is
	// copied in, out, or both. Ignored for every other Kind.
	Dir Kind

	// FixedLen is the byte length to copy, when known statically.
	FixedLen uint32

	// LenIndex names another argument slot holding the length (or, for
	// IOVecArray, the iovec count) at call time. It is used whenever
	// FixedLen is zero — mutually exclusive with FixedLen.
	LenIndex int

	// StringBudget bounds how far StringPtr will scan for a null
	// terminator. Zero means use the translator's default.
	StringBudget uint32

	// RetLen marks an OutPtr/InOutPtr (or an IOVecArray's output buffers)
	// whose actual copy-out length is bounded by the syscall's own integer
	// return value rather than the declared/requested length — read-like
	// syscalls per spec.md §4.2. A negative or zero return copies nothing;
	// a positive return of N copies exactly N bytes, spread across
	// multiple iovec buffers in order when the Kind is IOVecArray.
	RetLen bool
}

// Descriptor names one syscall's pointer-bearing arguments. Syscalls not
// present in the table have no known pointers and are passed through
// unchanged — this is a deliberate fallback (spec calls an unlisted
// syscall number unlisted, not an error), not a gap to fill in later.
type Descriptor struct {
	Name string
	Args []ArgSpec
}

// Table maps syscall number to its Descriptor. Indexed directly, mirroring
// the teacher's own fixed-size syscall dispatch array.
var Table [1024]*Descriptor

func reg(num int, d *Descriptor) {
	Table[num] = d
}
