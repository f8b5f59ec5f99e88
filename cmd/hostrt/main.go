// Command hostrt is a headless development harness for the host runtime:
// it boots a guest kernel binary against a real terminal via a pty, the
// way a browser tab would via its console element, without needing a
// browser. Grounded on the teacher's cmd/columbia flag and wiring style.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/creack/pty"
	"github.com/spf13/pflag"

	"github.com/linuxwasm/hostrt/hostapi"
	"github.com/linuxwasm/hostrt/internal/rtlog"
)

var (
	fKernel     = pflag.StringP("kernel", "k", "", "path to the guest kernel Wasm binary")
	fUser       = pflag.StringP("user", "u", "", "path to a shared user Wasm binary (optional)")
	fInitrd     = pflag.StringP("initrd", "i", "", "path to an initrd image (optional)")
	fCmdline    = pflag.StringP("cmdline", "c", "", "guest boot command line")
	fRelay      = pflag.String("relay", "", "network relay WebSocket URL (optional)")
	fRelayToken = pflag.String("relay-token", "", "auth token injected into the relay URL's query string (optional)")
	fPersist    = pflag.String("persist", ":memory:", "sqlite path for the persistence store")
	fTrace      = pflag.Bool("trace", false, "enable trace logging")
)

func main() {
	pflag.Parse()

	if *fTrace {
		rtlog.EnableDebug()
	}

	if *fKernel == "" {
		fmt.Fprintln(os.Stderr, "hostrt: -kernel is required")
		os.Exit(1)
	}

	kernelBin, err := os.ReadFile(*fKernel)
	if err != nil {
		rtlog.L.Error("read kernel binary", "error", err)
		os.Exit(1)
	}

	var userBin []byte
	if *fUser != "" {
		userBin, err = os.ReadFile(*fUser)
		if err != nil {
			rtlog.L.Error("read user binary", "error", err)
			os.Exit(1)
		}
	}

	var initrd []byte
	if *fInitrd != "" {
		initrd, err = os.ReadFile(*fInitrd)
		if err != nil {
			rtlog.L.Error("read initrd", "error", err)
			os.Exit(1)
		}
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		rtlog.L.Error("open pty", "error", err)
		os.Exit(1)
	}
	defer ptmx.Close()
	defer tty.Close()

	ctx := context.Background()

	host, err := hostapi.New(ctx, hostapi.Config{
		KernelBinary:   kernelBin,
		UserBinary:     userBin,
		Cmdline:        *fCmdline,
		Initrd:         initrd,
		Console:        ptmx,
		Logger:         rtlog.L,
		RelayURL:       *fRelay,
		RelayAuthToken: *fRelayToken,
		PersistPath:    *fPersist,
	})
	if err != nil {
		rtlog.L.Error("construct host", "error", err)
		os.Exit(1)
	}
	defer host.Close(ctx)

	go pipeInput(ptmx, host)

	if err := host.Boot(ctx); err != nil {
		rtlog.L.Error("boot failed", "error", err)
		os.Exit(1)
	}
}

// pipeInput forwards the pty's own terminal input back into the guest
// console, the loop that the embedding page's keydown handler plays in
// production.
func pipeInput(ptmx *os.File, host *hostapi.Host) {
	buf := make([]byte, 256)
	for {
		n, err := ptmx.Read(buf)
		if err != nil {
			return
		}
		host.InjectKey(buf[:n])
	}
}
