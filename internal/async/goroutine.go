// Package async starts background goroutines with panic containment. Every
// long-lived worker in the service goes through Go so a panicking narration
// bridge or store write is logged instead of taking the process down.
package async

import (
	"runtime/debug"

	"crewhub/internal/logging"
)

// Go runs fn on its own goroutine, logging any panic under name.
func Go(logger logging.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, exported so callers that manage their
// own goroutines can reuse the same containment.
func Recover(logger logging.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if name == "" {
		name = "worker"
	}
	logging.OrNop(logger).Error("goroutine panic [%s]: %v\n%s", name, r, debug.Stack())
}
