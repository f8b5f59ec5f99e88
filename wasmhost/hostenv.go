package wasmhost

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// HostCallbacks is the family of functions the kernel module imports from
// env, matching spec.md §6's kernel import surface one entry per field.
// Every field is required; Engine.EnsureEnv registers all of them
// unconditionally, there is no capability gating here, the guest kernel
// either calls a name or it doesn't.
type HostCallbacks struct {
	CPUStart func(ctx context.Context, cpu int32)
	CPUStop  func(ctx context.Context, cpu int32)

	// TaskCreate is asked to stand up a new runner for taskID, loading the
	// user image described by the load/data/table base triple. Returns 0
	// on success, a negative errno-shaped value otherwise.
	TaskCreate func(ctx context.Context, taskID int64, nameAddr, nameLen uint32, loadBase, dataBase, tableBase uint32) int32
	// TaskRun schedules a previously created task onto its runner
	// goroutine; TaskCreate only allocates the bookkeeping.
	TaskRun     func(ctx context.Context, taskID int64)
	TaskRelease func(ctx context.Context, taskID int64)

	// Serialize asks the host to park the calling runner (currently
	// running from) and wake the runner owning to.
	Serialize func(ctx context.Context, from, to int64)

	Panic           func(ctx context.Context, msgAddr, msgLen uint32)
	StackTraceDump  func(ctx context.Context, addr, length uint32)

	// UserModeTail records, for taskID, which of the tail states (normal,
	// signal-deliver, sigreturn, exec) the runner loop should transition
	// to once control returns from this call into Go.
	UserModeTail func(ctx context.Context, taskID int64, tail int32)

	Clock func(ctx context.Context) int64

	ConsolePut func(ctx context.Context, addr, length uint32) int32
	ConsoleGet func(ctx context.Context, addr, maxLen uint32) int32

	NetOpen  func(ctx context.Context, hostAddr, hostLen uint32, port int32) int32
	NetWrite func(ctx context.Context, id int32, addr, length uint32) int32
	NetRead  func(ctx context.Context, id int32, addr, maxLen uint32) int32
	NetPoll  func(ctx context.Context, id int32) int32
	NetClose func(ctx context.Context, id int32)

	FSSave   func(ctx context.Context, pathAddr, pathLen, dataAddr, dataLen, mode uint32) int32
	FSLoad   func(ctx context.Context, pathAddr, pathLen, bufAddr, bufLen uint32) int32
	FSDelete func(ctx context.Context, pathAddr, pathLen uint32) int32
	FSList   func(ctx context.Context, prefixAddr, prefixLen, bufAddr, bufLen uint32) int32

	UserExecLoad func(ctx context.Context, taskID int64, pathAddr, pathLen uint32) int32
}

func registerCallbacks(b wazero.HostModuleBuilder, cb *HostCallbacks) {
	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64

	def := func(name string, params []api.ValueType, results []api.ValueType, fn func(ctx context.Context, mod api.Module, stack []uint64)) {
		b.NewFunctionBuilder().WithGoModuleFunction(api.GoModuleFunc(fn), params, results).Export(name)
	}

	def("cpu_start", []api.ValueType{i32}, nil, func(ctx context.Context, mod api.Module, stack []uint64) {
		cb.CPUStart(ctx, int32(stack[0]))
	})
	def("cpu_stop", []api.ValueType{i32}, nil, func(ctx context.Context, mod api.Module, stack []uint64) {
		cb.CPUStop(ctx, int32(stack[0]))
	})
	def("task_create", []api.ValueType{i64, i32, i32, i32, i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.TaskCreate(ctx, int64(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3]), uint32(stack[4]), uint32(stack[5]))))
	})
	def("task_run", []api.ValueType{i64}, nil, func(ctx context.Context, mod api.Module, stack []uint64) {
		cb.TaskRun(ctx, int64(stack[0]))
	})
	def("task_release", []api.ValueType{i64}, nil, func(ctx context.Context, mod api.Module, stack []uint64) {
		cb.TaskRelease(ctx, int64(stack[0]))
	})
	def("serialize", []api.ValueType{i64, i64}, nil, func(ctx context.Context, mod api.Module, stack []uint64) {
		cb.Serialize(ctx, int64(stack[0]), int64(stack[1]))
	})
	def("panic", []api.ValueType{i32, i32}, nil, func(ctx context.Context, mod api.Module, stack []uint64) {
		cb.Panic(ctx, uint32(stack[0]), uint32(stack[1]))
	})
	def("stack_trace_dump", []api.ValueType{i32, i32}, nil, func(ctx context.Context, mod api.Module, stack []uint64) {
		cb.StackTraceDump(ctx, uint32(stack[0]), uint32(stack[1]))
	})
	def("user_mode_tail", []api.ValueType{i64, i32}, nil, func(ctx context.Context, mod api.Module, stack []uint64) {
		cb.UserModeTail(ctx, int64(stack[0]), int32(stack[1]))
	})
	def("clock_monotonic", nil, []api.ValueType{i64}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(cb.Clock(ctx))
	})
	def("console_put", []api.ValueType{i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.ConsolePut(ctx, uint32(stack[0]), uint32(stack[1]))))
	})
	def("console_get", []api.ValueType{i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.ConsoleGet(ctx, uint32(stack[0]), uint32(stack[1]))))
	})
	def("net_open", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.NetOpen(ctx, uint32(stack[0]), uint32(stack[1]), int32(stack[2]))))
	})
	def("net_write", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.NetWrite(ctx, int32(stack[0]), uint32(stack[1]), uint32(stack[2]))))
	})
	def("net_read", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.NetRead(ctx, int32(stack[0]), uint32(stack[1]), uint32(stack[2]))))
	})
	def("net_poll", []api.ValueType{i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.NetPoll(ctx, int32(stack[0]))))
	})
	def("net_close", []api.ValueType{i32}, nil, func(ctx context.Context, mod api.Module, stack []uint64) {
		cb.NetClose(ctx, int32(stack[0]))
	})
	def("fs_save", []api.ValueType{i32, i32, i32, i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.FSSave(ctx, uint32(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3]), uint32(stack[4]))))
	})
	def("fs_load", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.FSLoad(ctx, uint32(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3]))))
	})
	def("fs_delete", []api.ValueType{i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.FSDelete(ctx, uint32(stack[0]), uint32(stack[1]))))
	})
	def("fs_list", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.FSList(ctx, uint32(stack[0]), uint32(stack[1]), uint32(stack[2]), uint32(stack[3]))))
	})
	def("user_exec_load", []api.ValueType{i64, i32, i32}, []api.ValueType{i32}, func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = uint64(uint32(cb.UserExecLoad(ctx, int64(stack[0]), uint32(stack[1]), uint32(stack[2]))))
	})
}
