package core

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	logOnce   sync.Once
	logTarget atomic.Pointer[slog.Logger]
)

// InitLogging installs the process-wide logger used by stores and engines that
// were not given one explicitly. Only the first call has effect; it reports
// whether this call performed the registration.
func InitLogging(l *slog.Logger) bool {
	if l == nil {
		return false
	}
	installed := false
	logOnce.Do(func() {
		logTarget.Store(l)
		installed = true
	})
	return installed
}

// Logger returns the registered process logger, or slog.Default() before InitLogging.
func Logger() *slog.Logger {
	if l := logTarget.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// LoggerOr returns l when set, otherwise the process logger.
func LoggerOr(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Logger()
}
