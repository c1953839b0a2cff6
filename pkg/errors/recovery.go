// Package errors provides error handling utilities for wekadl.
//
// This file contains panic recovery utilities. The network backend is an
// external library whose failure mode is sometimes a panic (shape mismatches,
// index errors deep in a kernel); those panics are converted into structured
// errors so that a failed batch aborts the build instead of the process.

package errors

import (
	"fmt"
	"runtime/debug"
)

// PanicError represents an error that was created from a recovered panic.
type PanicError struct {
	// PanicValue is the original value passed to panic()
	PanicValue interface{}

	// StackTrace contains the stack trace at the time of panic
	StackTrace string

	// Operation identifies where the panic was recovered
	Operation string
}

// Error implements the error interface for PanicError.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.PanicValue)
}

// String provides detailed information including stack trace.
func (e *PanicError) String() string {
	return fmt.Sprintf("panic in %s: %v\nStack trace:\n%s",
		e.Operation, e.PanicValue, e.StackTrace)
}

// NewPanicError creates a new PanicError with the given operation context and panic value.
func NewPanicError(operation string, panicValue interface{}) *PanicError {
	return &PanicError{
		PanicValue: panicValue,
		StackTrace: string(debug.Stack()),
		Operation:  operation,
	}
}

// Recover is used with defer to convert a panic into an error assigned to *err.
//
//	func SomeMethod() (err error) {
//	    defer Recover(&err, "SomeMethod")
//	    ...
//	}
//
// If the function already returned an error, the panic information wraps it.
func Recover(err *error, operation string) {
	if r := recover(); r != nil {
		panicErr := NewPanicError(operation, r)
		if *err != nil {
			*err = fmt.Errorf("panic in %s: %v (original error: %w)", operation, r, *err)
		} else {
			*err = panicErr
		}
	}
}

// SafeExecute executes fn and recovers from any panic, converting it to an error.
func SafeExecute(operation string, fn func() error) (err error) {
	defer Recover(&err, operation)
	return fn()
}

// SafeBackendCall runs a call into the network backend. Both returned errors
// and panics come back as a *BackendError carrying the epoch and batch
// (use -1 for calls outside the training loop).
func SafeBackendCall(operation string, epoch, batch int, fn func() error) error {
	err := SafeExecute(operation, fn)
	if err == nil {
		return nil
	}
	var be *BackendError
	if As(err, &be) {
		return err
	}
	if epoch < 0 {
		return NewBackendError(operation, err)
	}
	return NewBackendBatchError(operation, epoch, batch, err)
}
