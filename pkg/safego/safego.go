// Package safego launches goroutines that recover from panics instead of
// taking the process down with them. The daemon's scheduler tick loop,
// each per-loop engine run and the ipc connection goroutines are started
// through Go; the config watcher's goroutine is a bare `go` statement and
// is not panic-protected.
package safego

import (
	"go.uber.org/zap"
)

// Go launches fn in a new goroutine. If fn panics, the panic value and
// stack are logged under the given name and the goroutine exits cleanly
// instead of crashing the process.
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}

// GoLoop launches fn in a new goroutine that keeps restarting fn after a
// panic, rather than retiring the goroutine permanently, for a
// long-lived loop where a single panicked iteration should not end the
// loop's lifetime. No daemon goroutine is started through it.
func GoLoop(logger *zap.Logger, name string, fn func()) {
	go func() {
		for {
			stopped := runOnce(logger, name, fn)
			if stopped {
				return
			}
		}
	}()
}

func runOnce(logger *zap.Logger, name string, fn func()) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("loop goroutine panicked, restarting",
				zap.String("goroutine", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			stopped = false
		}
	}()
	fn()
	return true
}
