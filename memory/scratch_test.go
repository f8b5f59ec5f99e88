package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxwasm/hostrt/ids"
)

func TestScratchTableReserveIsStablePerTask(t *testing.T) {
	km := NewKernelMemory(newFakeMemory(1))
	tbl := NewScratchTable(km, WasmPageSize)

	s1, err := tbl.Reserve(ids.TaskID(1))
	require.NoError(t, err)

	s2, err := tbl.Reserve(ids.TaskID(1))
	require.NoError(t, err)
	require.Same(t, s1, s2)

	s3, err := tbl.Reserve(ids.TaskID(2))
	require.NoError(t, err)
	require.NotEqual(t, s1.Base, s3.Base)
}

func TestScratchAllocAlignsAndOverflows(t *testing.T) {
	km := NewKernelMemory(newFakeMemory(1))
	tbl := NewScratchTable(km, 32)

	s, err := tbl.Reserve(ids.TaskID(1))
	require.NoError(t, err)

	a1, err := s.Alloc(3)
	require.NoError(t, err)
	require.Equal(t, s.Base+0, a1)

	a2, err := s.Alloc(3)
	require.NoError(t, err)
	require.Equal(t, s.Base+8, a2) // bumped to the next 8-byte boundary

	_, err = s.Alloc(100)
	require.ErrorIs(t, err, ErrScratchOverflow)
}

func TestScratchAllocZeroLengthLeavesBumpUnchanged(t *testing.T) {
	km := NewKernelMemory(newFakeMemory(1))
	tbl := NewScratchTable(km, 32)
	s, err := tbl.Reserve(ids.TaskID(1))
	require.NoError(t, err)

	before, err := s.Alloc(0)
	require.NoError(t, err)

	after, err := s.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestScratchResetRewindsBumpPointer(t *testing.T) {
	km := NewKernelMemory(newFakeMemory(1))
	tbl := NewScratchTable(km, 32)
	s, err := tbl.Reserve(ids.TaskID(1))
	require.NoError(t, err)

	_, err = s.Alloc(16)
	require.NoError(t, err)

	s.Reset()

	addr, err := s.Alloc(16)
	require.NoError(t, err)
	require.Equal(t, s.Base, addr)
}

func TestScratchCopyInCopyOutRoundTrip(t *testing.T) {
	km := NewKernelMemory(newFakeMemory(1))
	tbl := NewScratchTable(km, WasmPageSize)
	s, err := tbl.Reserve(ids.TaskID(1))
	require.NoError(t, err)

	user := NewUserMemory(newFakeMemory(1))
	want := []byte("iovec payload")
	require.NoError(t, user.WriteAt(want, 0x2000))

	scratchAddr, err := s.CopyIn(user, 0x2000, uint32(len(want)))
	require.NoError(t, err)

	got := make([]byte, len(want))
	require.NoError(t, km.ReadAt(got, scratchAddr))
	require.Equal(t, want, got)

	require.NoError(t, s.CopyOut(user, 0x3000, scratchAddr, uint32(len(want))))

	roundTripped := make([]byte, len(want))
	require.NoError(t, user.ReadAt(roundTripped, 0x3000))
	require.Equal(t, want, roundTripped)
}

func TestScratchCopyInNullPointerIsNoop(t *testing.T) {
	km := NewKernelMemory(newFakeMemory(1))
	tbl := NewScratchTable(km, WasmPageSize)
	s, err := tbl.Reserve(ids.TaskID(1))
	require.NoError(t, err)

	user := NewUserMemory(newFakeMemory(1))
	addr, err := s.CopyIn(user, 0, 16)
	require.NoError(t, err)
	require.Equal(t, uint32(0), addr)
}
