// Package errors provides structured error handling for erpconnect.
//
// Every failure produced by the connector framework is an *Error carrying a
// Type (the error kind), an optional Reason (sub-kind) and the id of the
// connector that raised it. Protocol layers attach HTTP details so callers can
// make retry and presentation decisions without string matching.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal or unclassified failures
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeConnection represents network level and lifecycle errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeAuthentication represents credential and token errors
	ErrorTypeAuthentication ErrorType = "authentication"
	// ErrorTypeRequest represents HTTP responses with an error status
	ErrorTypeRequest ErrorType = "request"
	// ErrorTypeRateLimit represents rate limit errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeCircuitBreaker represents calls rejected by an open circuit
	ErrorTypeCircuitBreaker ErrorType = "circuit_breaker"
	// ErrorTypeValidation represents caller mistakes
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// Reason refines an ErrorType.
type Reason string

const (
	ReasonCannotConnect      Reason = "cannot_connect"
	ReasonTimeout            Reason = "timeout"
	ReasonAlreadyConnected   Reason = "already_connected"
	ReasonNotConnected       Reason = "not_connected"
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonTokenExpired       Reason = "token_expired"
	ReasonRefreshFailed      Reason = "refresh_failed"
	ReasonUnsupportedType    Reason = "unsupported_type"
	ReasonMissingField       Reason = "missing_field"
	ReasonLimiterReset       Reason = "reset"
)

// HTTPDetails describes the request and response behind a RequestError.
type HTTPDetails struct {
	Status int
	Method string
	URL    string
	Body   string
}

// Error represents a structured error with context
type Error struct {
	Type        ErrorType
	Reason      Reason
	Message     string
	ConnectorID string
	Cause       error
	Details     map[string]interface{}

	// HTTP is set on request errors and on connection errors raised while
	// sending a request.
	HTTP *HTTPDetails
	// RetryAfter is set on rate limit errors and on HTTP errors whose
	// response carried a Retry-After header.
	RetryAfter time.Duration
	// NextAttempt is set on circuit breaker errors.
	NextAttempt time.Time

	Stack []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := string(e.Type)
	if e.Reason != "" {
		prefix = prefix + "(" + string(e.Reason) + ")"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithConnector sets the connector id if it is not already set.
func (e *Error) WithConnector(id string) *Error {
	if e.ConnectorID == "" {
		e.ConnectorID = id
	}
	return e
}

// WithReason sets the sub-kind of the error.
func (e *Error) WithReason(r Reason) *Error {
	e.Reason = r
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf is New with a format string.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack and connector
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:        errType,
			Message:     message,
			ConnectorID: existingErr.ConnectorID,
			Cause:       err,
			Stack:       existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsType checks if the error is of the given type
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// IsReason checks if the error carries the given sub-kind.
func IsReason(err error, reason Reason) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Reason == reason
}

// As is errors.As for *Error.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// StatusCode returns the HTTP status attached to err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) && e.HTTP != nil {
		return e.HTTP.Status
	}
	return 0
}

// RetryAfter returns the wait the server or limiter asked for, or 0.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, 8)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
