package go_func_utils

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo runs fn in a new goroutine. A panic is logged with its stack before
// it is re-raised, because the terminal dashboard hides anything written to stderr.
func SafeGo(logger *slog.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("PANIC", "panic", r, "stack", string(debug.Stack()))
				panic(r)
			}
		}()
		fn()
	}()
}
