// Package domain provides shared domain-level sentinel errors.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates the caller supplied invalid input.
var ErrValidation = errors.New("validation failed")

// ErrHandshakeFailed indicates the language engine could not be spawned or
// refused the initialize exchange.
var ErrHandshakeFailed = errors.New("engine handshake failed")

// ErrRequestTimeout indicates a single request exceeded its deadline. The
// engine process itself is left running.
var ErrRequestTimeout = errors.New("engine request timed out")

// ErrTransportCrashed indicates the engine process died or its stdio pipes
// closed while the client still needed them.
var ErrTransportCrashed = errors.New("engine transport crashed")

// ErrCancelled indicates the caller abandoned the operation before it
// completed.
var ErrCancelled = errors.New("cancelled by caller")

// EngineError carries a JSON-RPC error object returned by the language engine
// itself, as opposed to a failure of the connection machinery. Callers can
// tell the two apart with errors.As.
type EngineError struct {
	Code    int
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}
