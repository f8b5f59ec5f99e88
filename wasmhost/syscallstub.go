package wasmhost

import (
	"context"
	"strconv"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// syscallStubPrefix names the generic per-arity syscall entry points every
// kernel and user module imports from env, per spec.md §6.
const syscallStubPrefix = "__syscall"

// registerSyscallStubs exports __syscall0 through __syscall6 on the env
// host module. Each forwards to whichever runner instance is the calling
// module, found by the instance name wazero records on that module.
func (e *Engine) registerSyscallStubs(b wazero.HostModuleBuilder) {
	for arity := 0; arity <= 6; arity++ {
		arity := arity
		params := make([]api.ValueType, arity+1) // num, then arity args
		for i := range params {
			params[i] = api.ValueTypeI32
		}

		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				target := e.targetFor(mod.Name())
				if target == nil {
					stack[0] = negErrno(38) // ENOSYS: caller instance unknown to the engine
					return
				}

				num := int32(stack[0])

				var args [6]uint32
				for i := 0; i < arity; i++ {
					args[i] = uint32(stack[i+1])
				}

				stack[0] = uint64(uint32(target.Syscall(ctx, num, arity, args)))
			}), params, []api.ValueType{api.ValueTypeI32}).
			Export(syscallStubPrefix + itoa(arity))
	}
}

// registerUnimplementedStubs walks compiled's unresolved imports from
// moduleName and binds a stub for any that neither registerCallbacks nor
// registerSyscallStubs already claimed, so a guest kernel binary built
// against a wider import surface than this host implements still
// instantiates — each stub returns ENOSYS if it has an i32 result, and is
// a no-op otherwise.
func registerUnimplementedStubs(b wazero.HostModuleBuilder, compiled wazero.CompiledModule, moduleName string) {
	if compiled == nil {
		return
	}

	known := knownEnvExports()

	for _, imp := range compiled.ImportedFunctions() {
		modName, name, ok := imp.Import()
		if !ok || modName != moduleName {
			continue
		}

		if known[name] {
			continue
		}

		results := imp.ResultTypes()
		params := imp.ParamTypes()

		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				if len(results) > 0 {
					stack[0] = negErrno(38)
				}
			}), params, results).
			Export(name)
	}
}

func knownEnvExports() map[string]bool {
	names := []string{
		"cpu_start", "cpu_stop", "task_create", "task_run", "task_release", "serialize",
		"panic", "stack_trace_dump", "user_mode_tail", "clock_monotonic",
		"console_put", "console_get",
		"net_open", "net_write", "net_read", "net_poll", "net_close",
		"fs_save", "fs_load", "fs_delete", "fs_list", "user_exec_load",
	}

	m := make(map[string]bool, len(names)+7)
	for _, n := range names {
		m[n] = true
	}
	for arity := 0; arity <= 6; arity++ {
		m[syscallStubPrefix+itoa(arity)] = true
	}

	return m
}

func negErrno(n uint32) uint64 {
	return uint64(uint32(-int32(n)))
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
