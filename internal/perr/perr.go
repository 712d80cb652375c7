// Package perr defines doorman's error taxonomy and the wire-accurate
// PGError type used to report failures back to a connected client.
package perr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conditions enumerated in the pooler's error
// handling design. Callers compare with errors.Is; wrapping with %w at
// each layer keeps the original cause attached.
var (
	ErrAcquireTimeout    = errors.New("doorman: timed out waiting for a server connection")
	ErrShuttingDown      = errors.New("doorman: pool is shutting down")
	ErrPoolPaused        = errors.New("doorman: pool is paused")
	ErrUnknownPool       = errors.New("doorman: no pool configured for this (user, database) pair")
	ErrAuthFailed        = errors.New("doorman: authentication failed")
	ErrAuthQueryFailed   = errors.New("doorman: auth_query lookup failed")
	ErrServerDirty       = errors.New("doorman: server connection left in a dirty transaction state")
	ErrServerGone        = errors.New("doorman: server connection closed unexpectedly")
	ErrProtocolViolation = errors.New("doorman: client violated the wire protocol")
	ErrMessageTooLarge   = errors.New("doorman: message exceeds configured maximum size")
	ErrMemoryBudget      = errors.New("doorman: proxy memory budget exceeded")
)

// Severity mirrors the values PostgreSQL uses in ErrorResponse field 'S'.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityFatal   Severity = "FATAL"
	SeverityPanic   Severity = "PANIC"
	SeverityWarning Severity = "WARNING"
)

// PGError is an error that knows how to render itself as a PostgreSQL
// ErrorResponse: a severity, a SQLSTATE code, and a human message. Session
// code maps any internal error into one of these before writing to the
// client, instead of hand-building ErrorResponse bytes at each call site.
type PGError struct {
	Severity Severity
	Code     string // SQLSTATE, e.g. "08006", "57P01", "53300"
	Message  string
	Detail   string
	cause    error
}

func (e *PGError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Severity, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Severity, e.Code, e.Message)
}

func (e *PGError) Unwrap() error { return e.cause }

// New builds a PGError with no wrapped cause.
func New(sev Severity, code, message string) *PGError {
	return &PGError{Severity: sev, Code: code, Message: message}
}

// Wrap builds a PGError carrying an underlying cause for %w unwrapping.
func Wrap(sev Severity, code, message string, cause error) *PGError {
	return &PGError{Severity: sev, Code: code, Message: message, cause: cause}
}

// Common SQLSTATE codes used across the pooler.
const (
	CodeConnectionFailure   = "08006"
	CodeInvalidAuth         = "28P01"
	CodeInvalidCatalogName  = "3D000"
	CodeTooManyConnections  = "53300"
	CodeAdminShutdown       = "57P01"
	CodeCrashShutdown       = "58006" // a server connection was requested after the pool began shutting down
	CodeQueryCanceled       = "57014"
	CodeProtocolViolation   = "08P01"
	CodeInternalError       = "XX000"
	CodeOutOfMemory         = "53200"
	CodeFeatureNotSupported = "0A000"
	CodeUndefinedObject     = "42704" // used for DEALLOCATE of an unknown statement
)

// AsPG maps an arbitrary error to a PGError for wire transmission,
// defaulting to an opaque internal error when err isn't already one.
func AsPG(err error) *PGError {
	var pg *PGError
	if errors.As(err, &pg) {
		return pg
	}
	switch {
	case errors.Is(err, ErrAcquireTimeout):
		return Wrap(SeverityError, CodeTooManyConnections, "pool exhausted, could not acquire a server connection in time", err)
	case errors.Is(err, ErrShuttingDown):
		return Wrap(SeverityFatal, CodeCrashShutdown, "the pooler is shutting down", err)
	case errors.Is(err, ErrPoolPaused):
		return Wrap(SeverityError, CodeConnectionFailure, "pool is paused", err)
	case errors.Is(err, ErrUnknownPool):
		return Wrap(SeverityFatal, CodeInvalidCatalogName, "no such database/user pool", err)
	case errors.Is(err, ErrAuthFailed):
		return Wrap(SeverityFatal, CodeInvalidAuth, "password authentication failed", err)
	case errors.Is(err, ErrProtocolViolation):
		return Wrap(SeverityFatal, CodeProtocolViolation, "protocol violation", err)
	case errors.Is(err, ErrMessageTooLarge), errors.Is(err, ErrMemoryBudget):
		return Wrap(SeverityFatal, CodeProtocolViolation, "message exceeds configured limits", err)
	default:
		return Wrap(SeverityError, CodeInternalError, "internal pooler error", err)
	}
}
