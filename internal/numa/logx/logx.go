// Package logx owns the profiler's diagnostic logger.
//
// The profiler runs inline in the instrumented program, so its own logging
// must never land on the access hot path; only cold events go through here:
// initialization, shadow fragment creation, log-once warnings, and the
// teardown summary. Everything is written to stderr so it interleaves with
// the report stream the same way the target program's own diagnostics do.
package logx

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger atomic.Pointer[zap.Logger]
	once   sync.Map // log-once keys
)

func init() {
	logger.Store(newLogger(zapcore.WarnLevel))
}

func newLogger(level zapcore.Level) *zap.Logger {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = "" // the report is keyed by program, not wall clock
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return zap.New(core).Named("numaprof")
}

// L returns the process-wide profiler logger.
func L() *zap.Logger {
	return logger.Load()
}

// SetLevel replaces the logger with one at the given level. Unknown level
// strings keep the default (warn).
func SetLevel(level string) {
	var l zapcore.Level
	switch level {
	case "debug":
		l = zapcore.DebugLevel
	case "info":
		l = zapcore.InfoLevel
	case "warn", "":
		l = zapcore.WarnLevel
	case "error":
		l = zapcore.ErrorLevel
	default:
		L().Warn("unknown log level, keeping warn", zap.String("level", level))
		return
	}
	logger.Store(newLogger(l))
}

// Once reports whether this is the first call for key. Warnings raised
// from access handlers (fragment exhaustion, thread-ID overflow) go
// through this so they cannot flood stderr.
func Once(key string) bool {
	_, loaded := once.LoadOrStore(key, struct{}{})
	return !loaded
}
