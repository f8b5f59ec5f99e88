package bridge

import "github.com/tetratelabs/wazero/api"

// fakeMemory is a minimal in-process api.Memory backed by a byte slice,
// standing in for wazero-managed linear memory in tests that never touch
// a real wasm runtime.
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
