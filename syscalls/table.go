package syscalls

// Syscall numbers follow the Linux x86-64 ABI, matching what the guest
// kernel module actually expects on its exported __syscallN entries.
const (
	sysRead    = 0
	sysWrite   = 1
	sysClose   = 3
	sysStat    = 4
	sysFstat   = 5
	sysReadv   = 19
	sysWritev  = 20
	sysPipe    = 22
	sysGetcwd  = 79
	sysOpenat  = 257
)

const statStructSize = 144 // struct stat, x86-64 layout

func init() {
	reg(sysRead, &Descriptor{
		Name: "read",
		Args: []ArgSpec{
			{Index: 1, Kind: OutPtr, LenIndex: 2, RetLen: true},
		},
	})

	reg(sysWrite, &Descriptor{
		Name: "write",
		Args: []ArgSpec{
			{Index: 1, Kind: InPtr, LenIndex: 2},
		},
	})

	reg(sysReadv, &Descriptor{
		Name: "readv",
		Args: []ArgSpec{
			{Index: 1, Kind: IOVecArray, Dir: OutPtr, LenIndex: 2, RetLen: true},
		},
	})

	reg(sysWritev, &Descriptor{
		Name: "writev",
		Args: []ArgSpec{
			{Index: 1, Kind: IOVecArray, Dir: InPtr, LenIndex: 2},
		},
	})

	reg(sysStat, &Descriptor{
		Name: "stat",
		Args: []ArgSpec{
			{Index: 0, Kind: StringPtr},
			{Index: 1, Kind: OutPtr, FixedLen: statStructSize},
		},
	})

	reg(sysFstat, &Descriptor{
		Name: "fstat",
		Args: []ArgSpec{
			{Index: 1, Kind: OutPtr, FixedLen: statStructSize},
		},
	})

	reg(sysPipe, &Descriptor{
		Name: "pipe",
		Args: []ArgSpec{
			{Index: 0, Kind: OutPtr, FixedLen: 8},
		},
	})

	reg(sysGetcwd, &Descriptor{
		Name: "getcwd",
		Args: []ArgSpec{
			{Index: 0, Kind: OutPtr, LenIndex: 1},
		},
	})

	reg(sysOpenat, &Descriptor{
		Name: "openat",
		Args: []ArgSpec{
			{Index: 1, Kind: StringPtr},
		},
	})

	reg(sysClose, &Descriptor{Name: "close"})
}
