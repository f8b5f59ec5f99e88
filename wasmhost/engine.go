// Package wasmhost owns the wazero runtime: the shared kernel-memory host
// module every runner's kernel instance imports, the compiled-module cache,
// and the per-instance registry the generic syscall stubs use to find their
// way back to the right runner's translator.
package wasmhost

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/linuxwasm/hostrt/memory"
)

const (
	kernelMemoryModule = "kernel_memory"
	kernelMemoryExport = "memory"
	envModule          = "env"
)

// SyscallTarget is whatever a kernel module instance's own translator looks
// like from the engine's point of view. It is implemented by
// syscalls.Translator; kept as an interface here so wasmhost never imports
// the syscalls package.
type SyscallTarget interface {
	Syscall(ctx context.Context, num int32, arity int, args [6]uint32) int32
}

// Engine holds one wazero namespace for the lifetime of a booted guest: one
// shared kernel memory, one env host module, and a cache of compiled
// modules keyed by the name they were compiled under.
type Engine struct {
	rt wazero.Runtime
	L  hclog.Logger

	kmem    *memory.KernelMemory
	kmemMod api.Module

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
	targets  map[string]SyscallTarget // instance name -> translator
	envMod   api.Module
}

// NewEngine creates the runtime and the shared kernel-memory host module,
// grown to initialPages up front.
func NewEngine(ctx context.Context, l hclog.Logger, initialPages uint32) (*Engine, error) {
	if l == nil {
		l = hclog.NewNullLogger()
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	kmemBuilder := rt.NewHostModuleBuilder(kernelMemoryModule)
	kmemBuilder.ExportMemory(kernelMemoryExport, initialPages)

	kmemCompiled, err := kmemBuilder.Compile(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compile kernel memory module")
	}

	kmemMod, err := rt.InstantiateModule(ctx, kmemCompiled, wazero.NewModuleConfig().WithName(kernelMemoryModule))
	if err != nil {
		return nil, errors.Wrap(err, "instantiate kernel memory module")
	}

	e := &Engine{
		rt:       rt,
		L:        l,
		kmem:     memory.NewKernelMemory(kmemMod.Memory()),
		kmemMod:  kmemMod,
		compiled: make(map[string]wazero.CompiledModule),
		targets:  make(map[string]SyscallTarget),
	}

	return e, nil
}

// Close tears down the wazero runtime and every module instantiated in it.
func (e *Engine) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}

// KernelMemory returns the shared kernel memory wrapper.
func (e *Engine) KernelMemory() *memory.KernelMemory {
	return e.kmem
}

// Compile compiles bin once per name and caches the result; a booted guest
// typically reuses the same kernel and user binaries across many runners.
func (e *Engine) Compile(ctx context.Context, name string, bin []byte) (wazero.CompiledModule, error) {
	e.mu.Lock()
	if c, ok := e.compiled[name]; ok {
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	c, err := e.rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.Wrapf(err, "compile module %s", name)
	}

	e.mu.Lock()
	e.compiled[name] = c
	e.mu.Unlock()

	return c, nil
}

// EnsureEnv instantiates the shared env host module exactly once, binding
// cb's callback family plus a generic syscall entry point that forwards to
// whichever runner instance made the call, and an ENOSYS stub for any
// import the kernel module declares that nothing above has claimed.
func (e *Engine) EnsureEnv(ctx context.Context, cb *HostCallbacks, kernelCompiled wazero.CompiledModule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.envMod != nil {
		return nil
	}

	builder := e.rt.NewHostModuleBuilder(envModule)
	registerCallbacks(builder, cb)
	e.registerSyscallStubs(builder)
	registerUnimplementedStubs(builder, kernelCompiled, envModule)

	compiled, err := builder.Compile(ctx)
	if err != nil {
		return errors.Wrap(err, "compile env host module")
	}

	mod, err := e.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(envModule))
	if err != nil {
		return errors.Wrap(err, "instantiate env host module")
	}

	e.envMod = mod
	return nil
}

// InstantiateKernel instantiates a kernel module instance under
// instanceName and registers target as the syscall forwarding destination
// for calls arriving through that instance.
func (e *Engine) InstantiateKernel(ctx context.Context, compiled wazero.CompiledModule, instanceName string, target SyscallTarget) (api.Module, error) {
	e.mu.Lock()
	e.targets[instanceName] = target
	e.mu.Unlock()

	cfg := wazero.NewModuleConfig().WithName(instanceName).WithStartFunctions()

	mod, err := e.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		e.mu.Lock()
		delete(e.targets, instanceName)
		e.mu.Unlock()
		return nil, errors.Wrapf(err, "instantiate kernel instance %s", instanceName)
	}

	return mod, nil
}

// InstantiateUser instantiates a user module instance without registering
// a syscall target for it. The caller registers the owning task's
// syscalls.Translator under the returned instance's name afterwards (see
// worker.Controller's TaskCreate and exec paths).
func (e *Engine) InstantiateUser(ctx context.Context, compiled wazero.CompiledModule, instanceName string) (api.Module, error) {
	cfg := wazero.NewModuleConfig().WithName(instanceName).WithStartFunctions()

	mod, err := e.rt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "instantiate user instance %s", instanceName)
	}

	return mod, nil
}

// RegisterSyscallTarget binds instanceName's generic __syscallN calls to
// target, for callers (worker.Controller) that need the kernel instance
// ready — to read its exports while building the translator — before the
// target itself can be constructed.
func (e *Engine) RegisterSyscallTarget(instanceName string, target SyscallTarget) {
	e.mu.Lock()
	e.targets[instanceName] = target
	e.mu.Unlock()
}

// Forget drops the syscall-forwarding registration for instanceName, once
// the owning runner has exited.
func (e *Engine) Forget(instanceName string) {
	e.mu.Lock()
	delete(e.targets, instanceName)
	e.mu.Unlock()
}

func (e *Engine) targetFor(instanceName string) SyscallTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.targets[instanceName]
}
