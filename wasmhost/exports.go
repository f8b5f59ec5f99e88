package wasmhost

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero/api"
)

// KernelExports names the kernel module's own exported entry points that
// the host calls into, per spec.md §6.
type KernelExports struct {
	Boot          api.Function
	SecondaryBoot api.Function
	ReturnFromFork api.Function
	GetUserSP     api.Function
	GetUserTLS    api.Function
	SetUserTLS    api.Function
}

// LoadKernelExports resolves the fixed entry points off a kernel module
// instance. Only boot is required; every other entry is left nil when the
// module does not export it, and callers check it where they use it.
func LoadKernelExports(mod api.Module) (*KernelExports, error) {
	get := func(name string) api.Function {
		return mod.ExportedFunction(name)
	}

	ke := &KernelExports{
		Boot:           get("boot"),
		SecondaryBoot:  get("secondary_boot"),
		ReturnFromFork: get("return_from_fork"),
		GetUserSP:      get("get_user_sp"),
		GetUserTLS:     get("get_user_tls"),
		SetUserTLS:     get("set_user_tls"),
	}

	if ke.Boot == nil {
		return nil, errors.New("kernel module missing required export: boot")
	}

	return ke, nil
}

// KernelSyscallExport returns the kernel module's own exported __syscallN
// entry for the given arity — the thing the isolation wrapper calls after
// copy-in, per spec.md §4.2.
func KernelSyscallExport(mod api.Module, arity int) api.Function {
	return mod.ExportedFunction(syscallStubPrefix + itoa(arity))
}

// InitTaskPointer reads the kernel's init_task global, exported as a
// zero-argument accessor function per the boot scenario in spec.md §8.
func InitTaskPointer(ctx context.Context, mod api.Module) (uint32, error) {
	fn := mod.ExportedFunction("init_task")
	if fn == nil {
		return 0, errors.New("kernel module missing init_task export")
	}

	res, err := fn.Call(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "call init_task")
	}
	if len(res) == 0 {
		return 0, errors.New("init_task returned no value")
	}

	return uint32(res[0]), nil
}
