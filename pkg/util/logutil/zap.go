package logutil

import (
	"go.uber.org/zap"
)

// LogPanic logs the panic reason and stack, then exit the process.
// Commonly used with a `defer`.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic", zap.Reflect("recover", e))
	}
}

// Recover logs the panic reason and stack, then lets the goroutine go on.
// It is used with a `defer` around calls into user code, e.g. callbacks and handlers.
// It reports whether a panic was recovered through *recovered if recovered is not nil.
func Recover(logger *zap.Logger, msg string, recovered *bool) {
	if e := recover(); e != nil {
		logger.Error(msg, zap.Reflect("recover", e), zap.Stack("stack"))
		if recovered != nil {
			*recovered = true
		}
	}
}
