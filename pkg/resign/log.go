package resign

import (
	"os"

	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"
	"github.com/willibrandon/mtlog/sinks"
)

// log is the package logger. The pipeline logs state transitions and failure
// causes through it; diagnostics go to stderr so CLI output stays clean.
var log core.Logger = mtlog.New(
	mtlog.WithSink(sinks.NewConsoleSinkWithWriter(os.Stderr)),
	mtlog.Information(),
)

// SetLogger replaces the package logger. Useful for verbose CLI runs and for
// silencing output in tests.
func SetLogger(l core.Logger) {
	log = l
}

// NewDebugLogger builds a stderr logger that includes debug-level events,
// such as per-state pipeline transitions.
func NewDebugLogger() core.Logger {
	return mtlog.New(
		mtlog.WithSink(sinks.NewConsoleSinkWithWriter(os.Stderr)),
		mtlog.Debug(),
	)
}
