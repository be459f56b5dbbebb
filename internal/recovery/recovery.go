// Package recovery runs goroutines that turn panics into errors.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is returned by Go when fn panics.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Name, e.Value)
}

// Go runs fn in a new goroutine and delivers its result on the returned
// channel, which has a buffer of one. A panic in fn is logged with its stack
// and delivered as a *PanicError.
//
// Example:
//
//	done := recovery.Go(logger, "reflector", func() error {
//	    return r.Run(ctx, nil)
//	})
//	err := <-done
func Go(logger *slog.Logger, name string, fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- Call(logger, name, fn)
	}()
	return done
}

// Call runs fn on the current goroutine, converting a panic into a *PanicError.
func Call(logger *slog.Logger, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			if logger != nil {
				logger.Error("panic recovered",
					"goroutine", name,
					"panic", fmt.Sprintf("%v", r),
					"stack", string(stack))
			}
			err = &PanicError{Name: name, Value: r, Stack: stack}
		}
	}()
	return fn()
}
