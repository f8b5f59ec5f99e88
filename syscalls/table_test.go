package syscalls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableKnownSyscallsHaveDescriptors(t *testing.T) {
	cases := map[int]string{
		sysRead:   "read",
		sysWrite:  "write",
		sysClose:  "close",
		sysStat:   "stat",
		sysFstat:  "fstat",
		sysReadv:  "readv",
		sysWritev: "writev",
		sysPipe:   "pipe",
		sysGetcwd: "getcwd",
		sysOpenat: "openat",
	}

	for num, name := range cases {
		d := Table[num]
		require.NotNilf(t, d, "syscall %d (%s) has no descriptor", num, name)
		require.Equal(t, name, d.Name)
	}
}

func TestTableUnlistedSyscallHasNoDescriptor(t *testing.T) {
	require.Nil(t, Table[999])
}

func TestReadWriteDescriptorsUseLenIndex(t *testing.T) {
	read := Table[sysRead]
	require.Len(t, read.Args, 1)
	require.Equal(t, OutPtr, read.Args[0].Kind)
	require.Equal(t, 2, read.Args[0].LenIndex)

	write := Table[sysWrite]
	require.Len(t, write.Args, 1)
	require.Equal(t, InPtr, write.Args[0].Kind)
	require.Equal(t, 2, write.Args[0].LenIndex)
}

func TestReadvWritevUseIOVecArray(t *testing.T) {
	readv := Table[sysReadv]
	require.Len(t, readv.Args, 1)
	require.Equal(t, IOVecArray, readv.Args[0].Kind)
	require.Equal(t, OutPtr, readv.Args[0].Dir)

	writev := Table[sysWritev]
	require.Equal(t, IOVecArray, writev.Args[0].Kind)
	require.Equal(t, InPtr, writev.Args[0].Dir)
}

func TestStatDescriptorHasStringAndFixedOut(t *testing.T) {
	stat := Table[sysStat]
	require.Len(t, stat.Args, 2)
	require.Equal(t, StringPtr, stat.Args[0].Kind)
	require.Equal(t, OutPtr, stat.Args[1].Kind)
	require.Equal(t, uint32(statStructSize), stat.Args[1].FixedLen)
}

func TestCloseDescriptorHasNoPointerArgs(t *testing.T) {
	d := Table[sysClose]
	require.NotNil(t, d)
	require.Empty(t, d.Args)
}
