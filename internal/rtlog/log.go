// Package rtlog holds the runtime's single package-level logger.
package rtlog

import (
	"os"

	hclog "github.com/hashicorp/go-hclog"
)

// L is the logger every subsystem defaults to when not handed one
// explicitly by its constructor.
var L hclog.Logger

func init() {
	L = hclog.New(&hclog.LoggerOptions{
		Name: "hostrt",
	})
	L.SetLevel(hclog.Info)

	if os.Getenv("TRACE") != "" {
		L.SetLevel(hclog.Trace)
	}
}

// EnableDebug raises the logger to trace level; normally driven by the
// TRACE environment variable but exposed for callers (tests, the dev CLI)
// that want it on unconditionally.
func EnableDebug() {
	L.SetLevel(hclog.Trace)
}
