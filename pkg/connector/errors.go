package connector

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure for recovery logic. The engine recovers
// every class at the resource or address granularity; one resource's failure
// never aborts an unrelated resource.
type ErrorClass string

const (
	// ErrorClassTransport covers broken channels, decode failures and
	// timeouts. The supervisor marks the handle Dead; the operation is
	// retryable against a relaunched handle, never retried silently.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassApplication covers failures the connector itself reported
	// with a message. Surfaced verbatim; no automatic retry.
	ErrorClassApplication ErrorClass = "application"

	// ErrorClassUnresolved covers addresses stuck Deferred with no path to
	// resolution in the current run.
	ErrorClassUnresolved ErrorClass = "unresolved_dependency"

	// ErrorClassCycle covers resolution pass counts exceeding the bound on
	// distinct missing outputs for an address.
	ErrorClassCycle ErrorClass = "cycle"

	// ErrorClassSpawn covers processes that could not be started under the
	// required isolation. Fatal to that spawn attempt only.
	ErrorClassSpawn ErrorClass = "spawn"
)

// Error is a classified engine error with connector context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Connector names the connector involved, if any.
	Connector string `json:"connector,omitempty"`

	// Addr is the resource address involved, if any.
	Addr string `json:"addr,omitempty"`

	// Op is the RPC operation in flight when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Connector != "" {
		msg += fmt.Sprintf(" (connector=%s", e.Connector)
		if e.Addr != "" {
			msg += fmt.Sprintf(", addr=%s", e.Addr)
		}
		if e.Op != "" {
			msg += fmt.Sprintf(", op=%s", e.Op)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports class equality, so errors.Is can match on sentinel classes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithConnector adds connector context.
func (e *Error) WithConnector(name string) *Error {
	e.Connector = name
	return e
}

// WithAddr adds address context.
func (e *Error) WithAddr(addr string) *Error {
	e.Addr = addr
	return e
}

// WithOp adds RPC operation context.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// NewTransportError creates a transport-class error.
func NewTransportError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransport, Message: message, Err: err}
}

// NewApplicationError creates an application-class error with the message
// the connector reported.
func NewApplicationError(message string) *Error {
	return &Error{Class: ErrorClassApplication, Message: message}
}

// NewUnresolvedError creates an unresolved-dependency error for addr,
// naming the outputs that had no producer in the run.
func NewUnresolvedError(addr string, missing []ReadOutput) *Error {
	return &Error{
		Class:   ErrorClassUnresolved,
		Message: fmt.Sprintf("no path to resolution for %d missing output(s): %v", len(missing), missing),
		Addr:    addr,
	}
}

// NewCycleError creates a cycle-class error for addr.
func NewCycleError(addr string, passes int) *Error {
	return &Error{
		Class:   ErrorClassCycle,
		Message: fmt.Sprintf("resolution exceeded %d passes; deferred reads form a cycle", passes),
		Addr:    addr,
	}
}

// NewSpawnError creates a spawn-class error.
func NewSpawnError(message string, err error) *Error {
	return &Error{Class: ErrorClassSpawn, Message: message, Err: err}
}

// IsTransport reports whether err is classified as a transport failure.
func IsTransport(err error) bool {
	return hasClass(err, ErrorClassTransport)
}

// IsApplication reports whether err is a connector-reported failure.
func IsApplication(err error) bool {
	return hasClass(err, ErrorClassApplication)
}

// IsUnresolved reports whether err is an unresolved-dependency failure.
func IsUnresolved(err error) bool {
	return hasClass(err, ErrorClassUnresolved)
}

// IsCycle reports whether err is a resolution cycle failure.
func IsCycle(err error) bool {
	return hasClass(err, ErrorClassCycle)
}

// IsSpawn reports whether err is a sandbox/spawn failure.
func IsSpawn(err error) bool {
	return hasClass(err, ErrorClassSpawn)
}

// IsRetryableAfterRelaunch reports whether the caller may retry the
// operation against a relaunched handle. Only transport failures qualify.
func IsRetryableAfterRelaunch(err error) bool {
	return IsTransport(err)
}

func hasClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}
