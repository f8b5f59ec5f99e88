package worker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/linuxwasm/hostrt/ids"
	"github.com/linuxwasm/hostrt/memory"
	"github.com/linuxwasm/hostrt/syscalls"
	"github.com/linuxwasm/hostrt/wasmhost"
)

// ErrUnknownTask is returned when the guest kernel names a task the
// controller never created.
var ErrUnknownTask = errors.New("worker: unknown task")

// UserLoader supplies the bytes of a task's user Wasm image, given the
// load-address triple the kernel's task_create call passed. Wired by the
// embedding layer (hostapi) to whatever actually holds the program — the
// same program every task runs, in the common case of spec.md's scope.
type UserLoader interface {
	LoadUserImage(ctx context.Context, taskID ids.TaskID) ([]byte, error)
}

// Controller owns every runner, the shared scratch table, and the
// cooperative serialize hand-off — the Go analogue of the embedding page's
// single controller entry point, generalized from the teacher's
// kernel.Kernel + kernel.ProcessGroup pair into one type since this host
// has only one process group worth of bookkeeping to do.
type Controller struct {
	engine *wasmhost.Engine
	l      hclog.Logger

	kernelCompiled wazero.CompiledModule
	userCompiled   wazero.CompiledModule
	loader         UserLoader

	scratch *memory.ScratchTable

	mu      sync.Mutex
	runners map[ids.RunnerID]*Runner
	byTask  map[ids.TaskID]ids.RunnerID
	byCPU   map[int32]ids.RunnerID
	lastTask ids.TaskID
	nextInstance int

	boot time.Time
}

// NewController wires an engine already holding the compiled kernel module
// (and, optionally, a shared user module) into a fresh controller.
func NewController(engine *wasmhost.Engine, l hclog.Logger, kernelCompiled, userCompiled wazero.CompiledModule, loader UserLoader) *Controller {
	if l == nil {
		l = hclog.NewNullLogger()
	}

	return &Controller{
		engine:         engine,
		l:              l,
		kernelCompiled: kernelCompiled,
		userCompiled:   userCompiled,
		loader:         loader,
		scratch:        memory.NewScratchTable(engine.KernelMemory(), memory.DefaultScratchSize),
		runners:        make(map[ids.RunnerID]*Runner),
		byTask:         make(map[ids.TaskID]ids.RunnerID),
		byCPU:          make(map[int32]ids.RunnerID),
		boot:           time.Now(),
	}
}

func (c *Controller) instanceName(prefix string) string {
	c.mu.Lock()
	c.nextInstance++
	n := c.nextInstance
	c.mu.Unlock()
	return prefix + "-" + strconv.Itoa(n)
}

// Boot instantiates the primary CPU runner and calls the kernel's boot
// export, blocking until it returns (the primary CPU runner's goroutine is
// the calling goroutine — Boot itself IS the primary runner, matching
// spec.md's boot scenario expecting a synchronous call to complete boot).
func (c *Controller) Boot(ctx context.Context, cmdline string, initrd []byte) error {
	mod, err := c.engine.InstantiateKernel(ctx, c.kernelCompiled, c.instanceName("cpu0"), nil)
	if err != nil {
		return errors.Wrap(err, "instantiate primary cpu kernel instance")
	}

	r := newRunner(KindPrimaryCPU, mod, c.l)

	c.mu.Lock()
	c.runners[r.ID] = r
	c.byCPU[0] = r.ID
	c.mu.Unlock()

	exports, err := wasmhost.LoadKernelExports(mod)
	if err != nil {
		return err
	}

	if err := c.layoutBoot(ctx, cmdline, initrd); err != nil {
		return err
	}

	var bootErr error
	r.runGuarded(func() {
		_, bootErr = exports.Boot.Call(ctx)
	})
	if bootErr != nil {
		return bootErr
	}

	initTask, err := wasmhost.InitTaskPointer(ctx, mod)
	if err != nil {
		return errors.Wrap(err, "read init_task after boot")
	}

	tid := ids.TaskID(initTask)
	r.Task = tid

	c.mu.Lock()
	c.byTask[tid] = r.ID
	c.lastTask = tid
	c.mu.Unlock()

	return nil
}

// layoutBoot grows kernel memory to fit cmdline and initrd and writes
// them. It is one of the two places the host itself grows kernel memory
// rather than the guest's own memory.grow; the other is the per-task
// scratch reservation.
func (c *Controller) layoutBoot(ctx context.Context, cmdline string, initrd []byte) error {
	km := c.engine.KernelMemory()

	cmdlineBytes := append([]byte(cmdline), 0)
	base, err := km.GrowBytes(uint32(len(cmdlineBytes) + len(initrd)))
	if err != nil {
		return errors.Wrap(err, "grow kernel memory for boot layout")
	}

	if err := km.WriteAt(cmdlineBytes, base); err != nil {
		return err
	}

	if len(initrd) > 0 {
		if err := km.WriteAt(initrd, base+uint32(len(cmdlineBytes))); err != nil {
			return err
		}
	}

	return nil
}

// CPUStart implements the cpu_start host callback: spins up a secondary
// CPU runner and calls the kernel's secondary_boot export on it.
func (c *Controller) CPUStart(ctx context.Context, cpu int32) {
	mod, err := c.engine.InstantiateKernel(ctx, c.kernelCompiled, c.instanceName("cpu"), nil)
	if err != nil {
		c.l.Error("secondary cpu instantiate failed", "cpu", cpu, "error", err)
		return
	}

	r := newRunner(KindSecondaryCPU, mod, c.l)

	c.mu.Lock()
	c.runners[r.ID] = r
	c.byCPU[cpu] = r.ID
	c.mu.Unlock()

	exports, err := wasmhost.LoadKernelExports(mod)
	if err != nil || exports.SecondaryBoot == nil {
		c.l.Error("secondary cpu missing secondary_boot export", "cpu", cpu)
		return
	}

	go r.runGuarded(func() {
		if _, err := exports.SecondaryBoot.Call(ctx, uint64(uint32(cpu))); err != nil {
			c.l.Warn("secondary_boot returned error", "cpu", cpu, "error", err)
		}
		r.setStatus(StatusExited)
	})
}

// CPUStop implements the cpu_stop host callback.
func (c *Controller) CPUStop(ctx context.Context, cpu int32) {
	c.mu.Lock()
	id, ok := c.byCPU[cpu]
	delete(c.byCPU, cpu)
	c.mu.Unlock()

	if !ok {
		return
	}

	if r := c.runner(id); r != nil {
		r.setStatus(StatusExited)
	}
}

func (c *Controller) runner(id ids.RunnerID) *Runner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runners[id]
}

// TaskCreate implements the task_create host callback: allocates a new
// kernel module instance, scratch window, and (if a user image is
// available) user module instance for taskID, but does not run it yet.
func (c *Controller) TaskCreate(ctx context.Context, taskID int64, nameAddr, nameLen, loadBase, dataBase, tableBase uint32) int32 {
	tid := ids.TaskID(taskID)

	kmod, err := c.engine.InstantiateKernel(ctx, c.kernelCompiled, c.instanceName("task"), nil)
	if err != nil {
		c.l.Error("task kernel instantiate failed", "task", tid, "error", err)
		return -1
	}

	r := newRunner(KindTask, kmod, c.l)
	r.Task = tid
	if loadBase != 0 {
		r.Mode = ModeKthreadReturnedToInit
	} else if dataBase != 0 {
		r.Mode = ModeCloneCallback
	}

	scratch, err := c.scratch.Reserve(tid)
	if err != nil {
		c.l.Error("scratch reserve failed", "task", tid, "error", err)
		return -1
	}
	r.Scratch = scratch

	if c.userCompiled != nil && c.loader != nil {
		img, err := c.loader.LoadUserImage(ctx, tid)
		if err == nil && img != nil {
			umod, err := c.engine.InstantiateUser(ctx, c.userCompiled, c.instanceName("user"))
			if err != nil {
				c.l.Warn("user module instantiate failed", "task", tid, "error", err)
			} else {
				r.UserMod = umod
				r.User = memory.NewUserMemory(umod.Memory())
			}
		}
	}

	r.Translator = syscalls.NewTranslator(c.engine.KernelMemory(), r.KernelMod, r.Scratch, r.User, c.l)
	r.Translator.SetTailHandler(c.newTailHandler(r))
	c.engine.RegisterSyscallTarget(c.instanceNameOf(r), r.Translator)
	if r.UserMod != nil {
		c.engine.RegisterSyscallTarget(r.UserMod.Name(), r.Translator)
	}

	c.mu.Lock()
	c.runners[r.ID] = r
	c.byTask[tid] = r.ID
	c.mu.Unlock()

	return 0
}

func (c *Controller) instanceNameOf(r *Runner) string {
	return r.KernelMod.Name()
}

// TaskRun implements the task_run host callback: schedules taskID's runner
// goroutine, calling return_from_fork (kthread mode) or the clone-callback
// export (clone mode), and records it as the lock block's last_task.
func (c *Controller) TaskRun(ctx context.Context, taskID int64) {
	tid := ids.TaskID(taskID)

	c.mu.Lock()
	id, ok := c.byTask[tid]
	c.lastTask = tid
	c.mu.Unlock()

	if !ok {
		c.l.Error("task_run for unknown task", "task", tid)
		return
	}

	r := c.runner(id)
	if r == nil {
		return
	}

	go r.runGuarded(func() {
		err := c.dispatchEntry(ctx, r, taskID)

		var ex execRequested
		for errors.As(err, &ex) {
			err = c.reexec(ctx, r)
		}

		if err != nil {
			c.l.Warn("task entry returned error", "task", tid, "error", err)
		}
		r.setStatus(StatusExited)
	})
}

// dispatchEntry invokes the kernel's return_from_fork export (kthread
// mode) or the already-instantiated user module's clone_callback export
// (clone mode), per spec.md §4.1's two task-runner sub-modes.
func (c *Controller) dispatchEntry(ctx context.Context, r *Runner, taskID int64) error {
	if r.Mode == ModeCloneCallback {
		if r.UserMod == nil {
			return errors.New("worker: clone-callback task has no user module instantiated")
		}

		fn := r.UserMod.ExportedFunction("clone_callback")
		if fn == nil {
			return errors.New("worker: user module missing clone_callback export")
		}

		_, err := fn.Call(ctx)
		return err
	}

	exports, err := wasmhost.LoadKernelExports(r.KernelMod)
	if err != nil {
		return errors.Wrap(err, "load kernel exports")
	}

	entry := exports.ReturnFromFork
	if entry == nil {
		return errors.New("worker: task kernel module missing return_from_fork export")
	}

	_, err = entry.Call(ctx, uint64(taskID))
	return err
}

// TaskRelease implements the task_release host callback.
func (c *Controller) TaskRelease(ctx context.Context, taskID int64) {
	tid := ids.TaskID(taskID)

	c.mu.Lock()
	id, ok := c.byTask[tid]
	delete(c.byTask, tid)
	c.mu.Unlock()

	if !ok {
		return
	}

	c.scratch.Release(tid)

	if r := c.runner(id); r != nil {
		c.engine.Forget(r.KernelMod.Name())
		if r.UserMod != nil {
			c.engine.Forget(r.UserMod.Name())
		}
		r.setStatus(StatusExited)
	}
}

// Serialize implements the serialize host callback: records from as the
// lock block's last_task, wakes the runner owning to, then parks the
// calling runner (the one owning from) until it is itself woken again.
// from/to are task ids; a from with no registered runner (such as a CPU
// runner hosting no task) returns without parking.
func (c *Controller) Serialize(ctx context.Context, from, to int64) {
	c.mu.Lock()
	c.lastTask = ids.TaskID(from)
	c.mu.Unlock()

	toRunner := c.runnerForTask(ids.TaskID(to))
	if toRunner != nil {
		toRunner.Wake()
	}

	fromRunner := c.runnerForTask(ids.TaskID(from))
	if fromRunner == nil {
		return
	}

	if err := fromRunner.ParkUntilWoken(ctx); err != nil {
		c.l.Warn("serialize park interrupted", "from", from, "error", err)
	}
}

func (c *Controller) runnerForTask(tid ids.TaskID) *Runner {
	c.mu.Lock()
	id, ok := c.byTask[tid]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.runner(id)
}

// Panic implements the panic host callback.
func (c *Controller) Panic(ctx context.Context, msgAddr, msgLen uint32) {
	buf := make([]byte, msgLen)
	if err := c.engine.KernelMemory().ReadAt(buf, msgAddr); err != nil {
		c.l.Error("guest panic (message unreadable)")
		return
	}

	c.l.Error("guest panic", "message", string(buf))
}

// StackTraceDump implements the stack_trace_dump host callback.
func (c *Controller) StackTraceDump(ctx context.Context, addr, length uint32) {
	buf := make([]byte, length)
	if err := c.engine.KernelMemory().ReadAt(buf, addr); err != nil {
		return
	}

	c.l.Debug("guest stack trace", "dump", string(buf))
}

// UserModeTail implements the user_mode_tail host callback.
func (c *Controller) UserModeTail(ctx context.Context, taskID int64, tail int32) {
	if r := c.runnerForTask(ids.TaskID(taskID)); r != nil {
		r.SetTail(Tail(tail))
	}
}

// execRequested is panicked through the currently running user module's
// call stack when the kernel's tail code asks for exec, unwinding it the
// same way any user-module trap unwinds — wazero recovers the panic into
// the error result of whichever export the runner's top level called.
// dispatchEntry's caller loops on it instead of treating it as a fault.
type execRequested struct {
	task ids.TaskID
}

func (e execRequested) Error() string {
	return "worker: exec requested for " + e.task.String()
}

// tailHandler adapts a Runner's user-mode tail state into the
// syscalls.TailHandler a Translator calls once a syscall dispatch
// returns, per spec.md §4.1's normal/signal/sigreturn/exec states.
type tailHandler struct {
	c *Controller
	r *Runner
}

func (c *Controller) newTailHandler(r *Runner) *tailHandler {
	return &tailHandler{c: c, r: r}
}

var _ syscalls.TailHandler = (*tailHandler)(nil)

func (h *tailHandler) HandleTail(ctx context.Context) error {
	switch h.r.TailState() {
	case TailSignalDeliver:
		return h.c.deliverSignal(ctx, h.r)
	case TailSigreturn:
		return h.c.unwindSignal(ctx, h.r)
	case TailExec:
		return h.c.execUser(ctx, h.r)
	default:
		return nil
	}
}

// deliverSignal reads the user stack pointer and TLS base via
// get_user_sp/get_user_tls, saves them on the runner, and invokes the
// user module's signal_handler export. It writes neither value into the
// user module; the handler runs on the current stack and TLS. A nested
// syscall that sets TailSigreturn during the handler runs unwindSignal.
func (c *Controller) deliverSignal(ctx context.Context, r *Runner) error {
	r.SetTail(TailNormal)

	if r.UserMod == nil {
		return errors.New("worker: signal delivered with no user module instantiated")
	}

	exports, err := wasmhost.LoadKernelExports(r.KernelMod)
	if err != nil {
		return errors.Wrap(err, "load kernel exports")
	}
	if exports.GetUserSP == nil || exports.GetUserTLS == nil {
		return errors.New("worker: kernel module missing user sp/tls accessors")
	}

	sp, err := callUint32(ctx, exports.GetUserSP)
	if err != nil {
		return errors.Wrap(err, "get_user_sp")
	}
	tls, err := callUint32(ctx, exports.GetUserTLS)
	if err != nil {
		return errors.Wrap(err, "get_user_tls")
	}
	r.SaveSignalFrame(sp, tls)

	handler := r.UserMod.ExportedFunction("signal_handler")
	if handler == nil {
		return errors.New("worker: user module missing signal_handler export")
	}

	if _, err := handler.Call(ctx); err != nil {
		return errors.Wrap(err, "call signal_handler")
	}

	return nil
}

// unwindSignal runs once the kernel's sigreturn path sets TailSigreturn:
// it writes the TLS base saved by deliverSignal back via set_user_tls.
// The saved stack pointer is only logged; it is not restored.
func (c *Controller) unwindSignal(ctx context.Context, r *Runner) error {
	r.SetTail(TailNormal)

	sp, tls, ok := r.SignalFrame()
	if !ok {
		return nil
	}
	r.ClearSignalFrame()

	exports, err := wasmhost.LoadKernelExports(r.KernelMod)
	if err != nil {
		return errors.Wrap(err, "load kernel exports")
	}
	if exports.SetUserTLS == nil {
		return errors.New("worker: kernel module missing set_user_tls setter")
	}

	if _, err := exports.SetUserTLS.Call(ctx, uint64(tls)); err != nil {
		return errors.Wrap(err, "restore user tls")
	}

	c.l.Debug("signal frame restored", "task", r.Task, "sp", sp, "tls", tls)
	return nil
}

// execUser aborts the currently instantiated user module by panicking
// the execRequested sentinel. wazero turns the panic into the error of
// the export call in progress, which TaskRun's runner loop matches with
// errors.As before calling reexec, per spec.md §4.1's exec handling.
func (c *Controller) execUser(ctx context.Context, r *Runner) error {
	r.SetTail(TailNormal)
	panic(execRequested{task: r.Task})
}

// reexec instantiates the user module the controller's loader holds for
// r.Task, rewires the translator and syscall-target registry onto it,
// and runs its entry point — the "runner's top-level" half of exec, per
// spec.md §4.1.
func (c *Controller) reexec(ctx context.Context, r *Runner) error {
	if c.userCompiled == nil || c.loader == nil {
		return errors.New("worker: exec requested with no user loader configured")
	}

	img, err := c.loader.LoadUserImage(ctx, r.Task)
	if err != nil {
		return errors.Wrap(err, "load exec image")
	}
	if img == nil {
		return errors.New("worker: exec requested but loader has no image for task")
	}

	oldName := ""
	if r.UserMod != nil {
		oldName = r.UserMod.Name()
	}

	umod, err := c.engine.InstantiateUser(ctx, c.userCompiled, c.instanceName("user"))
	if err != nil {
		return errors.Wrap(err, "instantiate exec'd user module")
	}

	r.UserMod = umod
	r.User = memory.NewUserMemory(umod.Memory())
	r.Translator.SetUser(r.User)

	c.engine.RegisterSyscallTarget(umod.Name(), r.Translator)
	if oldName != "" {
		c.engine.Forget(oldName)
	}

	if ctor := umod.ExportedFunction("__wasm_call_ctors"); ctor != nil {
		if _, err := ctor.Call(ctx); err != nil {
			return errors.Wrap(err, "run exec'd module constructors")
		}
	}

	entry := umod.ExportedFunction("_start")
	if entry == nil {
		return errors.New("worker: exec'd user module missing program entry")
	}

	_, err = entry.Call(ctx)
	return err
}

// callUint32 calls a zero-argument, single-i32-result kernel export.
func callUint32(ctx context.Context, fn api.Function) (uint32, error) {
	res, err := fn.Call(ctx)
	if err != nil {
		return 0, err
	}
	if len(res) == 0 {
		return 0, errors.New("worker: export returned no value")
	}
	return uint32(res[0]), nil
}

// Clock implements the clock_monotonic host callback.
func (c *Controller) Clock(ctx context.Context) int64 {
	return time.Since(c.boot).Nanoseconds()
}

// UserExecLoad implements the user_exec_load host callback: loads the
// named path's bytes (via the controller's UserLoader, keyed by task)
// into the task's scratch window so the kernel's exec path can read it
// back out, returning the scratch address or a negative errno.
func (c *Controller) UserExecLoad(ctx context.Context, taskID int64, pathAddr, pathLen uint32) int32 {
	r := c.runnerForTask(ids.TaskID(taskID))
	if r == nil || r.Scratch == nil || c.loader == nil {
		return -1
	}

	path := make([]byte, pathLen)
	if err := c.engine.KernelMemory().ReadAt(path, pathAddr); err != nil {
		return -1
	}

	img, err := c.loader.LoadUserImage(ctx, ids.TaskID(taskID))
	if err != nil || img == nil {
		return -1
	}

	addr, err := r.Scratch.Alloc(uint32(len(img)))
	if err != nil {
		return -1
	}

	if err := c.engine.KernelMemory().WriteAt(img, addr); err != nil {
		return -1
	}

	return int32(addr)
}

// Runner looks up a runner by id, for tests and diagnostics.
func (c *Controller) Runner(id ids.RunnerID) *Runner {
	return c.runner(id)
}

// LastTask returns the lock block's last_task cell.
func (c *Controller) LastTask() ids.TaskID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTask
}
