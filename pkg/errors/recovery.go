// This file contains panic recovery used by the training loop so that a panicking
// model or data source surfaces as a typed epoch failure instead of crashing the process.

package errors

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// PanicError represents an error that was created from a recovered panic.
type PanicError struct {
	// PanicValue is the original value passed to panic()
	PanicValue interface{}

	// StackTrace is captured at recovery time.
	StackTrace string

	// Operation identifies where the panic was recovered, e.g. "training epoch".
	Operation string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.PanicValue)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.PanicValue.(error); ok {
		return err
	}
	return nil
}

// String includes the stack trace.
func (e *PanicError) String() string {
	return fmt.Sprintf("panic in %s: %v\nStack trace:\n%s",
		e.Operation, e.PanicValue, e.StackTrace)
}

// MarshalZerologObject adds the panic context to a zerolog event.
func (e *PanicError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Operation).
		Str("panic", fmt.Sprint(e.PanicValue)).
		Str("type", "PanicError")
}

// NewPanicError creates a PanicError capturing the current stack.
func NewPanicError(operation string, panicValue interface{}) *PanicError {
	return &PanicError{
		PanicValue: panicValue,
		StackTrace: string(debug.Stack()),
		Operation:  operation,
	}
}

// Recover converts a panic into an error assigned to *err. Call it with defer:
//
//	func step() (err error) {
//	    defer Recover(&err, "optimizer step")
//	    ...
//	}
//
// An error already held in *err is kept in the chain.
func Recover(err *error, operation string) {
	if r := recover(); r != nil {
		panicErr := NewPanicError(operation, r)
		if *err != nil {
			*err = fmt.Errorf("%w (original error: %w)", panicErr, *err)
			return
		}
		*err = panicErr
	}
}

// SafeExecute runs fn and converts any panic into a PanicError.
func SafeExecute(operation string, fn func() error) (err error) {
	defer Recover(&err, operation)
	return fn()
}

// IsInterrupt reports whether err stems from an external stop request,
// that is a cancelled or expired context or an InterruptedError.
func IsInterrupt(err error) bool {
	if err == nil {
		return false
	}
	var interrupted *InterruptedError
	if As(err, &interrupted) {
		return true
	}
	return Is(err, context.Canceled) || Is(err, context.DeadlineExceeded)
}

// IsRecoverable reports whether training may continue or salvage a snapshot after err.
// Configuration errors and divergence are terminal; everything else is recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var cfg *ConfigError
	if As(err, &cfg) {
		return false
	}
	var div *DivergenceError
	return !As(err, &div)
}
