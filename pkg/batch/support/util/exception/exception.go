// Package exception provides the error type and error classification helpers used by batchcursor.
// Every failure surfaced by the gateway, the checkpoint store, the configuration layer and the
// cursor engine is a *BatchError, so callers can tell transient failures from fatal ones.
package exception

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
)

// Sentinel errors. Wrap them (directly or via BatchError) so that errors.Is keeps working.
var (
	// ErrConnectionLost marks a data-store failure that is expected to resolve after reconnecting.
	ErrConnectionLost = errors.New("connection lost")
	// ErrCorruptCheckpoint is returned when a checkpoint record exists but cannot be parsed.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
	// ErrInvalidConfig is returned for configuration problems detected before the batch loop starts.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrCursorRegression is returned when a fetched batch does not advance past the current cursor.
	ErrCursorRegression = errors.New("cursor regression")
	// ErrRetriesExhausted is returned when transient failures outlast the reconnection budget.
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")
)

// errorRegistry maps error names referenced in configuration to concrete error instances.
var errorRegistry = make(map[string]error)

// registryMutex protects access to errorRegistry.
var registryMutex sync.RWMutex

// RegisterErrorType registers an error under a name that configuration can reference
// (for example in retry.transient_errors).
//
// name: A unique identifier for the error type.
// prototype: An instance of the error to be registered. Used for comparison with errors.Is.
//
// If prototype is nil or name is empty, this function will panic.
func RegisterErrorType(name string, prototype error) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if name == "" {
		panic("Error type name cannot be empty")
	}
	if prototype == nil {
		panic(fmt.Sprintf("Cannot register nil prototype for name: %s", name))
	}

	errorRegistry[name] = prototype
}

// IsErrorTypeRegistered checks if the specified error type name is registered in the registry.
func IsErrorTypeRegistered(name string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, ok := errorRegistry[name]
	return ok
}

// BatchError is the error type returned by every batchcursor component.
// It holds the module where the error occurred, a message, the wrapped original error,
// and whether the failure is eligible for a reconnect-and-retry.
type BatchError struct {
	// Module indicates where the error occurred (e.g., "gateway", "checkpoint", "engine", "config").
	Module string
	// Message is a concise description of the error.
	Message string
	// OriginalErr is the wrapped original error.
	OriginalErr error
	// isRetryable indicates whether this error is retryable.
	isRetryable bool
}

// NewBatchError creates a new BatchError instance.
// module: The module where the error occurred.
// message: The error message.
// originalErr: The original error to wrap.
// isRetryable: Whether this error is retryable.
func NewBatchError(module, message string, originalErr error, isRetryable bool) *BatchError {
	return &BatchError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		isRetryable: isRetryable,
	}
}

// NewBatchErrorf creates a new BatchError using a format string.
// A trailing error argument is taken as the wrapped error; the remaining arguments format the message.
// The resulting error is never retryable.
//
// Example:
// NewBatchErrorf("checkpoint", "failed to rename %s", path, err)
func NewBatchErrorf(module, format string, a ...interface{}) *BatchError {
	var originalErr error
	args := a
	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			originalErr = err
			args = args[:len(args)-1]
		}
	}
	return NewBatchError(module, fmt.Sprintf(format, args...), originalErr, false)
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap returns the original error for errors.Unwrap.
func (e *BatchError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable returns whether this error is retryable.
func (e *BatchError) IsRetryable() bool {
	return e.isRetryable
}

// IsTemporary reports whether err should be treated as a transient connection failure.
// The IsRetryable flag of the outermost BatchError in the chain takes precedence;
// otherwise the error must wrap ErrConnectionLost.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var be *BatchError
	if errors.As(err, &be) {
		return be.IsRetryable()
	}
	return errors.Is(err, ErrConnectionLost)
}

// IsErrorOfType checks if an error matches a specified type name.
// errorTypeName can be a registered name (matched with errors.Is), a Go type name
// (e.g., "*net.OpError") or a substring of an error message in the chain.
func IsErrorOfType(err error, errorTypeName string) bool {
	if err == nil || errorTypeName == "" {
		return false
	}

	registryMutex.RLock()
	targetError, ok := errorRegistry[errorTypeName]
	registryMutex.RUnlock()
	if ok && errors.Is(err, targetError) {
		return true
	}

	for currentErr := err; currentErr != nil; currentErr = errors.Unwrap(currentErr) {
		errType := reflect.TypeOf(currentErr)
		if errType.String() == errorTypeName || (errType.Kind() == reflect.Ptr && errType.Elem().String() == errorTypeName) {
			return true
		}
		// BatchError text repeats its cause; only match the leaf message.
		if _, isBatch := currentErr.(*BatchError); isBatch {
			continue
		}
		if strings.Contains(currentErr.Error(), errorTypeName) {
			return true
		}
	}
	return false
}

// ExtractErrorMessage returns the Message of a BatchError, or err.Error() for anything else.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var be *BatchError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}

func init() {
	RegisterErrorType("ErrConnectionLost", ErrConnectionLost)
	RegisterErrorType("ErrBadConn", driver.ErrBadConn)
	RegisterErrorType("io.ErrUnexpectedEOF", io.ErrUnexpectedEOF)
	RegisterErrorType("context.DeadlineExceeded", context.DeadlineExceeded)
}
