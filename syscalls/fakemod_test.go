package syscalls

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// fakeMemory is a minimal in-process api.Memory backed by a growable byte
// slice, matching the pattern used in memory/fakemem_test.go and
// bridge/fakemem_test.go for tests that never touch a wasm runtime.
type fakeMemory struct {
	buf []byte
}

var _ api.Memory = (*fakeMemory)(nil)

func newFakeMemory(size uint32) *fakeMemory {
	return &fakeMemory{buf: make([]byte, size)}
}

func (f *fakeMemory) Definition() api.MemoryDefinition { return nil }

func (f *fakeMemory) Size() uint32 { return uint32(len(f.buf)) }

func (f *fakeMemory) Grow(deltaPages uint32) (uint32, bool) {
	prevPages := uint32(len(f.buf)) / 65536
	f.buf = append(f.buf, make([]byte, deltaPages*65536)...)
	return prevPages, true
}

func (f *fakeMemory) inBounds(offset, byteCount uint32) bool {
	end := uint64(offset) + uint64(byteCount)
	return end <= uint64(len(f.buf))
}

func (f *fakeMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	if !f.inBounds(offset, byteCount) {
		return nil, false
	}
	return f.buf[offset : offset+byteCount], true
}

func (f *fakeMemory) Write(offset uint32, v []byte) bool {
	if !f.inBounds(offset, uint32(len(v))) {
		return false
	}
	copy(f.buf[offset:], v)
	return true
}

func (f *fakeMemory) WriteString(offset uint32, s string) bool {
	return f.Write(offset, []byte(s))
}

func (f *fakeMemory) ReadByte(offset uint32) (byte, bool) {
	b, ok := f.Read(offset, 1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

func (f *fakeMemory) WriteByte(offset uint32, v byte) bool {
	return f.Write(offset, []byte{v})
}

func (f *fakeMemory) ReadUint16Le(offset uint32) (uint16, bool) {
	b, ok := f.Read(offset, 2)
	if !ok {
		return 0, false
	}
	return uint16(b[0]) | uint16(b[1])<<8, true
}

func (f *fakeMemory) WriteUint16Le(offset uint32, v uint16) bool {
	return f.Write(offset, []byte{byte(v), byte(v >> 8)})
}

func (f *fakeMemory) ReadUint32Le(offset uint32) (uint32, bool) {
	b, ok := f.Read(offset, 4)
	if !ok {
		return 0, false
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}

func (f *fakeMemory) WriteUint32Le(offset uint32, v uint32) bool {
	return f.Write(offset, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func (f *fakeMemory) ReadUint64Le(offset uint32) (uint64, bool) {
	b, ok := f.Read(offset, 8)
	if !ok {
		return 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v, true
}

func (f *fakeMemory) WriteUint64Le(offset uint32, v uint64) bool {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return f.Write(offset, b)
}

func (f *fakeMemory) ReadFloat32Le(offset uint32) (float32, bool) { return 0, false }

func (f *fakeMemory) WriteFloat32Le(offset uint32, v float32) bool { return false }

func (f *fakeMemory) ReadFloat64Le(offset uint32) (float64, bool) { return 0, false }

func (f *fakeMemory) WriteFloat64Le(offset uint32, v float64) bool { return false }

// fakeFunction is a scriptable api.Function: Call records every invocation
// and returns whatever ret/err was configured, standing in for a kernel
// module's exported __syscallN entry.
type fakeFunction struct {
	ret   []uint64
	err   error
	calls [][]uint64

	// onCall, when set, runs before Call returns — tests use it to stand
	// in for the kernel writing through the scratch addresses it was
	// handed, the way a real guest kernel syscall body would.
	onCall func(params []uint64)
}

var _ api.Function = (*fakeFunction)(nil)

func (f *fakeFunction) Definition() api.FunctionDefinition { return nil }

func (f *fakeFunction) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	cp := append([]uint64{}, params...)
	f.calls = append(f.calls, cp)
	if f.onCall != nil {
		f.onCall(cp)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.ret, nil
}

// fakeKernelModule is an api.Module whose only behavior that matters here
// is ExportedFunction: it hands back fn for every name asked, which is all
// a Translator ever needs from its kernelMod — it only ever resolves one
// arity's __syscallN entry per Syscall call.
type fakeKernelModule struct {
	name string
	fn   *fakeFunction
}

var _ api.Module = (*fakeKernelModule)(nil)

func (m *fakeKernelModule) Name() string { return m.name }

func (m *fakeKernelModule) String() string { return m.name }

func (m *fakeKernelModule) Memory() api.Memory { return nil }

func (m *fakeKernelModule) ExportedFunction(name string) api.Function {
	if m.fn == nil {
		return nil
	}
	return m.fn
}

func (m *fakeKernelModule) ExportedFunctionDefinitions() map[string]api.FunctionDefinition {
	return nil
}

func (m *fakeKernelModule) ExportedMemory(name string) api.Memory { return nil }

func (m *fakeKernelModule) ExportedMemoryDefinitions() map[string]api.MemoryDefinition {
	return nil
}

func (m *fakeKernelModule) ExportedGlobal(name string) api.Global { return nil }

func (m *fakeKernelModule) CloseWithExitCode(ctx context.Context, exitCode uint32) error {
	return nil
}

func (m *fakeKernelModule) IsClosed() bool { return false }

func (m *fakeKernelModule) Close(ctx context.Context) error { return nil }
