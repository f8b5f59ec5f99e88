// Package hostapi is the single entry point an embedding page (or the dev
// CLI) constructs: it wires the logger, the wazero engine, the worker
// controller, the bridge call families, and optionally the relay client
// and persistence store, in the same order the teacher's cmd/columbia
// wires logger → kernel → invoker → process.
package hostapi

import (
	"context"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"

	"github.com/linuxwasm/hostrt/bridge"
	"github.com/linuxwasm/hostrt/ids"
	"github.com/linuxwasm/hostrt/internal/rtlog"
	"github.com/linuxwasm/hostrt/localnet"
	"github.com/linuxwasm/hostrt/persistence"
	"github.com/linuxwasm/hostrt/relay"
	"github.com/linuxwasm/hostrt/wasmhost"
	"github.com/linuxwasm/hostrt/worker"
)

// Config describes everything Host needs to boot one guest: the kernel
// Wasm binary, an optional shared user Wasm binary, the boot command line,
// and an optional initrd image.
type Config struct {
	KernelBinary []byte
	UserBinary   []byte // optional: a single shared user program, the common case
	Cmdline      string
	Initrd       []byte

	InitialKernelPages uint32

	Console        io.Writer
	Logger         hclog.Logger
	RelayURL       string
	RelayAuthToken string // injected into RelayURL's query string, spec.md §4.4
	PersistPath    string // sqlite path, or ":memory:"
}

// Host is the constructed runtime, ready for InjectKey/Boot. It
// corresponds to what spec.md §6 describes as the controller the
// embedding page holds a single instance of.
type Host struct {
	cfg Config
	l   hclog.Logger

	engine     *wasmhost.Engine
	controller *worker.Controller
	console    *bridge.Console
	network    *bridge.Network
	persist    *bridge.Persistence

	relayClient *relay.Client
	store       *persistence.Store
}

// singleUserLoader hands out the same user binary for every task — the
// case where the whole guest runs one program.
type singleUserLoader struct {
	img []byte
}

func (s singleUserLoader) LoadUserImage(ctx context.Context, taskID ids.TaskID) ([]byte, error) {
	return s.img, nil
}

// New constructs a Host from cfg but does not boot it yet.
func New(ctx context.Context, cfg Config) (*Host, error) {
	l := cfg.Logger
	if l == nil {
		l = rtlog.L
	}

	if len(cfg.KernelBinary) == 0 {
		return nil, errors.New("hostapi: KernelBinary is required")
	}

	initialPages := cfg.InitialKernelPages
	if initialPages == 0 {
		initialPages = 16 // 1 MiB, grown further during boot layout and by guest memory.grow
	}

	engine, err := wasmhost.NewEngine(ctx, l, initialPages)
	if err != nil {
		return nil, err
	}

	kernelCompiled, err := engine.Compile(ctx, "kernel", cfg.KernelBinary)
	if err != nil {
		return nil, err
	}

	var userCompiled wazero.CompiledModule
	var loader worker.UserLoader
	if len(cfg.UserBinary) > 0 {
		userCompiled, err = engine.Compile(ctx, "user", cfg.UserBinary)
		if err != nil {
			return nil, err
		}
		loader = singleUserLoader{img: cfg.UserBinary}
	}

	h := &Host{cfg: cfg, l: l, engine: engine}

	h.controller = worker.NewController(engine, l, kernelCompiled, userCompiled, loader)
	h.console = bridge.NewConsole(engine.KernelMemory(), cfg.Console)

	if cfg.RelayURL != "" {
		h.relayClient = relay.NewClient(ctx, relay.Config{URL: cfg.RelayURL, AuthToken: cfg.RelayAuthToken, L: l})
		h.network = bridge.NewNetwork(engine.KernelMemory(), h.relayClient)
	} else {
		// No relay proxy configured: dial TCP directly, the dev harness's
		// stand-in for a browser page's WebSocket proxy.
		h.network = bridge.NewNetwork(engine.KernelMemory(), localnet.NewDialer())
	}

	if cfg.PersistPath != "" {
		store, err := persistence.Open(cfg.PersistPath)
		if err != nil {
			return nil, err
		}
		h.store = store
		h.persist = bridge.NewPersistence(engine.KernelMemory(), store)
	}

	if err := engine.EnsureEnv(ctx, h.callbacks(), kernelCompiled); err != nil {
		return nil, err
	}

	return h, nil
}

// callbacks assembles the full HostCallbacks family: lifecycle callbacks
// from the controller, I/O call families from the bridge. Network
// callbacks go to the relay client, or to a direct TCP dialer when no
// relay URL was configured; persistence callbacks return an error code
// if the embedder never configured a store.
func (h *Host) callbacks() *wasmhost.HostCallbacks {
	cb := &wasmhost.HostCallbacks{
		CPUStart:        h.controller.CPUStart,
		CPUStop:         h.controller.CPUStop,
		TaskCreate:      h.controller.TaskCreate,
		TaskRun:         h.controller.TaskRun,
		TaskRelease:     h.controller.TaskRelease,
		Serialize:       h.controller.Serialize,
		Panic:           h.controller.Panic,
		StackTraceDump:  h.controller.StackTraceDump,
		UserModeTail:    h.controller.UserModeTail,
		Clock:           h.controller.Clock,
		UserExecLoad:    h.controller.UserExecLoad,
		ConsolePut:      h.console.Put,
		ConsoleGet:      h.console.Get,
		NetOpen:         h.netOpen,
		NetWrite:        h.netWrite,
		NetRead:         h.netRead,
		NetPoll:         h.netPoll,
		NetClose:        h.netClose,
		FSSave:          h.fsSave,
		FSLoad:          h.fsLoad,
		FSDelete:        h.fsDelete,
		FSList:          h.fsList,
	}

	return cb
}

// The net*/fs* methods below read h.network/h.persist at call time rather
// than at EnsureEnv time, so ConfigureRelay/ConfigurePersistence can be
// called after Boot — the embedding page may not know its proxy URL or
// have a store ready until after the page itself finishes loading.

func (h *Host) netOpen(ctx context.Context, hostAddr, hostLen uint32, port int32) int32 {
	if h.network == nil {
		return -1
	}
	return h.network.Open(ctx, hostAddr, hostLen, port)
}

func (h *Host) netWrite(ctx context.Context, id int32, addr, length uint32) int32 {
	if h.network == nil {
		return -1
	}
	return h.network.Write(ctx, id, addr, length)
}

func (h *Host) netRead(ctx context.Context, id int32, addr, maxLen uint32) int32 {
	if h.network == nil {
		return -1
	}
	return h.network.Read(ctx, id, addr, maxLen)
}

func (h *Host) netPoll(ctx context.Context, id int32) int32 {
	if h.network == nil {
		return int32(bridge.PollError)
	}
	return h.network.Poll(ctx, id)
}

func (h *Host) netClose(ctx context.Context, id int32) {
	if h.network != nil {
		h.network.Close(ctx, id)
	}
}

func (h *Host) fsSave(ctx context.Context, pathAddr, pathLen, dataAddr, dataLen, mode uint32) int32 {
	if h.persist == nil {
		return -int32(bridge.StatusError)
	}
	return h.persist.Save(ctx, pathAddr, pathLen, dataAddr, dataLen, mode)
}

func (h *Host) fsLoad(ctx context.Context, pathAddr, pathLen, bufAddr, bufLen uint32) int32 {
	if h.persist == nil {
		return -int32(bridge.StatusError)
	}
	return h.persist.Load(ctx, pathAddr, pathLen, bufAddr, bufLen)
}

func (h *Host) fsDelete(ctx context.Context, pathAddr, pathLen uint32) int32 {
	if h.persist == nil {
		return -int32(bridge.StatusError)
	}
	return h.persist.Delete(ctx, pathAddr, pathLen)
}

func (h *Host) fsList(ctx context.Context, prefixAddr, prefixLen, bufAddr, bufLen uint32) int32 {
	if h.persist == nil {
		return -int32(bridge.StatusError)
	}
	return h.persist.List(ctx, prefixAddr, prefixLen, bufAddr, bufLen)
}

// Boot starts the guest: instantiates the primary CPU runner and calls the
// kernel's boot export.
func (h *Host) Boot(ctx context.Context) error {
	return h.controller.Boot(ctx, h.cfg.Cmdline, h.cfg.Initrd)
}

// InjectKey feeds input bytes to the guest console, as a keypress in the
// embedding page would.
func (h *Host) InjectKey(data []byte) {
	h.console.InjectKey(data)
}

// ConfigureRelay swaps in a relay client after construction — the
// embedding page may not know its proxy URL until after the page loads.
func (h *Host) ConfigureRelay(ctx context.Context, url, authToken string) {
	h.relayClient = relay.NewClient(ctx, relay.Config{URL: url, AuthToken: authToken, L: h.l})
	h.network = bridge.NewNetwork(h.engine.KernelMemory(), h.relayClient)
}

// ConfigurePersistence swaps in a persistence store after construction.
func (h *Host) ConfigurePersistence(path string) error {
	store, err := persistence.Open(path)
	if err != nil {
		return err
	}
	h.store = store
	h.persist = bridge.NewPersistence(h.engine.KernelMemory(), store)
	return nil
}

// Close tears down the engine and any store the host opened.
func (h *Host) Close(ctx context.Context) error {
	if h.store != nil {
		_ = h.store.Close()
	}
	if h.relayClient != nil {
		_ = h.relayClient.Shutdown(ctx)
	}
	return h.engine.Close(ctx)
}
