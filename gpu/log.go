package gpu

import (
	"log/slog"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

// SetLogger routes device diagnostics to l. Passing nil restores slog.Default.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func slogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}
