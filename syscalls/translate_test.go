package syscalls

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxwasm/hostrt/ids"
	"github.com/linuxwasm/hostrt/memory"
)

// newTestTranslator wires a Translator against fake kernel and user
// memories plus a fake kernel module, standing in for a real runner's
// wazero instances. fn is installed as the kernel module's only exported
// function, regardless of which __syscallN name gets resolved — a
// Translator only ever resolves one arity per Syscall call.
func newTestTranslator(t *testing.T, fn *fakeFunction) (*Translator, *memory.KernelMemory, *memory.UserMemory) {
	t.Helper()

	km := memory.NewKernelMemory(newFakeMemory(4 * 65536))
	scratch, err := memory.NewScratchTable(km, memory.DefaultScratchSize).Reserve(ids.TaskID(1))
	require.NoError(t, err)

	user := memory.NewUserMemory(newFakeMemory(65536))
	kernelMod := &fakeKernelModule{name: "kernel", fn: fn}

	tr := NewTranslator(km, kernelMod, scratch, user, nil)
	return tr, km, user
}

func TestTranslatorLengthFixed(t *testing.T) {
	var tr Translator

	a := ArgSpec{FixedLen: 144, LenIndex: -1}
	args := [6]uint32{}
	require.Equal(t, uint32(144), tr.length(a, args))
}

func TestTranslatorLengthFromArgSlot(t *testing.T) {
	var tr Translator

	a := ArgSpec{LenIndex: 2}
	args := [6]uint32{0, 0, 42, 0, 0, 0}
	require.Equal(t, uint32(42), tr.length(a, args))
}

func TestLE32RoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	putLE32(buf, 0xDEADBEEF)
	require.Equal(t, uint32(0xDEADBEEF), le32(buf))
}

func TestLE32ZeroAndMax(t *testing.T) {
	buf := make([]byte, 4)
	putLE32(buf, 0)
	require.Equal(t, uint32(0), le32(buf))

	putLE32(buf, 0xFFFFFFFF)
	require.Equal(t, uint32(0xFFFFFFFF), le32(buf))
}

func TestTranslatorSyscallUnknownReturnsENOSYS(t *testing.T) {
	// No kernel function at all: the guest kernel's generic arity stub
	// (__syscallN) is missing, so Syscall fails before looking at the
	// descriptor table.
	tr, _, _ := newTestTranslator(t, nil)

	ret := tr.Syscall(context.Background(), 999, 3, [6]uint32{1, 2, 3, 0, 0, 0})
	require.Equal(t, int32(-ENOSYS), ret)
}

func TestTranslatorSyscallOpenatRoundTrip(t *testing.T) {
	fn := &fakeFunction{ret: []uint64{3}}
	tr, km, user := newTestTranslator(t, fn)

	const pathAddr = uint32(0x1000)
	require.NoError(t, user.WriteAt([]byte("/etc/passwd\x00"), pathAddr))

	ret := tr.Syscall(context.Background(), sysOpenat, 4, [6]uint32{0, pathAddr, 0, 0, 0, 0})
	require.Equal(t, int32(3), ret)

	require.Len(t, fn.calls, 1)
	call := fn.calls[0]
	// wasmArgs[0] is the syscall number, wasmArgs[1..] mirror the arity
	// argument slots — index 2 holds the translated path pointer.
	require.Equal(t, uint64(sysOpenat), call[0])
	translatedPathAddr := uint32(call[2])
	require.NotEqual(t, pathAddr, translatedPathAddr, "StringPtr argument must be translated to a scratch address")

	got := make([]byte, len("/etc/passwd\x00"))
	require.NoError(t, km.ReadAt(got, translatedPathAddr))
	require.Equal(t, "/etc/passwd\x00", string(got))
}

func TestTranslatorSyscallReadvClampsCopyOutToReturnValue(t *testing.T) {
	fn := &fakeFunction{ret: []uint64{5}}
	tr, km, user := newTestTranslator(t, fn)

	const (
		iovecAddr = uint32(0x2000)
		destAddr0 = uint32(0x3000) // 4-byte buffer
		destAddr1 = uint32(0x3100) // 2-byte buffer
	)

	iovecs := make([]byte, iovecSize*2)
	putLE32(iovecs[0:], destAddr0)
	putLE32(iovecs[4:], 4)
	putLE32(iovecs[8:], destAddr1)
	putLE32(iovecs[12:], 2)
	require.NoError(t, user.WriteAt(iovecs, iovecAddr))

	// Simulate the guest kernel filling both scratch buffers in full
	// before returning ret=5 — fewer bytes than the 6 requested across
	// both iovecs, the scenario the RetLen clamp exists for.
	fn.onCall = func(params []uint64) {
		translatedIovecArr := uint32(params[2])
		raw := make([]byte, iovecSize*2)
		require.NoError(t, km.ReadAt(raw, translatedIovecArr))
		scratch0 := le32(raw[0:])
		scratch1 := le32(raw[8:])
		require.NoError(t, km.WriteAt([]byte{0xAA, 0xAA, 0xAA, 0xAA}, scratch0))
		require.NoError(t, km.WriteAt([]byte{0xBB, 0xBB}, scratch1))
	}

	ret := tr.Syscall(context.Background(), sysReadv, 3, [6]uint32{0, iovecAddr, 2, 0, 0, 0})
	require.Equal(t, int32(5), ret)

	buf0 := make([]byte, 4)
	require.NoError(t, user.ReadAt(buf0, destAddr0))
	require.Equal(t, []byte{0xAA, 0xAA, 0xAA, 0xAA}, buf0, "first iovec's full 4-byte declared length is within the 5-byte ret budget")

	buf1 := make([]byte, 2)
	require.NoError(t, user.ReadAt(buf1, destAddr1))
	require.Equal(t, []byte{0xBB, 0x00}, buf1, "second iovec only gets the 1 remaining byte of the ret budget, the rest left untouched")
}
