package simulation

import (
	"log/slog"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

// SetLogger sets the logger used by grids created without WithLogger
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func slogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}
