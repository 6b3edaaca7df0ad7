package errors

import (
	"fmt"
	"math"
	"time"
)

// maxBodyInError caps the response body kept on a RequestError.
const maxBodyInError = 2048

// Connection returns a connection error for connectorID.
func Connection(connectorID string, reason Reason, message string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeConnection,
		Reason:      reason,
		Message:     message,
		ConnectorID: connectorID,
		Cause:       cause,
		Stack:       captureStack(2),
	}
}

// Authentication returns an authentication error.
func Authentication(connectorID string, reason Reason, message string, cause error) *Error {
	return &Error{
		Type:        ErrorTypeAuthentication,
		Reason:      reason,
		Message:     message,
		ConnectorID: connectorID,
		Cause:       cause,
		Stack:       captureStack(2),
	}
}

// Request returns an error for an HTTP response with a failing status.
func Request(connectorID, method, url string, status int, body []byte) *Error {
	b := string(body)
	if len(b) > maxBodyInError {
		b = b[:maxBodyInError]
	}
	return &Error{
		Type:        ErrorTypeRequest,
		Message:     fmt.Sprintf("%s %s returned status %d", method, url, status),
		ConnectorID: connectorID,
		HTTP: &HTTPDetails{
			Status: status,
			Method: method,
			URL:    url,
			Body:   b,
		},
		Stack: captureStack(2),
	}
}

// RateLimit returns a rate limit error. RetryAfter is rounded up to whole seconds.
func RateLimit(connectorID string, retryAfter time.Duration) *Error {
	secs := time.Duration(math.Ceil(retryAfter.Seconds())) * time.Second
	return &Error{
		Type:        ErrorTypeRateLimit,
		Message:     fmt.Sprintf("rate limit exceeded, retry after %s", secs),
		ConnectorID: connectorID,
		RetryAfter:  secs,
		Stack:       captureStack(2),
	}
}

// CircuitOpen returns the error raised when a circuit rejects a call.
func CircuitOpen(connectorID string, nextAttempt time.Time) *Error {
	return &Error{
		Type:        ErrorTypeCircuitBreaker,
		Message:     "circuit breaker is open until " + nextAttempt.UTC().Format(time.RFC3339),
		ConnectorID: connectorID,
		NextAttempt: nextAttempt,
		Stack:       captureStack(2),
	}
}

// Validation returns a validation error.
func Validation(message string) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Configuration returns a configuration error about field.
func Configuration(field, message string) *Error {
	e := &Error{
		Type:    ErrorTypeConfig,
		Message: message,
		Stack:   captureStack(2),
	}
	if field != "" {
		e.Details = map[string]interface{}{"field": field}
	}
	return e
}

// MissingField returns a configuration error naming a required field.
func MissingField(field string) *Error {
	e := Configuration(field, field+" is required")
	e.Reason = ReasonMissingField
	e.Stack = captureStack(2)
	return e
}

// Field returns the config field named by a configuration error.
func Field(err error) string {
	e, ok := As(err)
	if !ok || e.Details == nil {
		return ""
	}
	f, _ := e.Details["field"].(string)
	return f
}
