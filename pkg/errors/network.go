package errors

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Network error codes treated as transient by the retry strategy.
const (
	CodeConnReset   = "ECONNRESET"
	CodeTimedOut    = "ETIMEDOUT"
	CodeNotFound    = "ENOTFOUND"
	CodeNetUnreach  = "ENETUNREACH"
	CodeConnRefused = "ECONNREFUSED"
)

var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

var retryableCodes = map[string]bool{
	CodeConnReset:  true,
	CodeTimedOut:   true,
	CodeNotFound:   true,
	CodeNetUnreach: true,
}

// NetworkCode maps a Go network error onto a symbolic code. It returns ""
// when err is not a recognised network failure.
func NetworkCode(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return CodeConnReset
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return CodeNetUnreach
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnRefused
	case errors.Is(err, syscall.ETIMEDOUT), errors.Is(err, context.DeadlineExceeded):
		return CodeTimedOut
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return CodeTimedOut
		}
		return CodeNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimedOut
	}

	return ""
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(status int) bool {
	return retryableStatuses[status]
}

// IsRetryableCode reports whether a network code is worth retrying.
func IsRetryableCode(code string) bool {
	return retryableCodes[code]
}

// IsRetryable returns true if the error is retryable: either it carries a
// retryable HTTP status or its cause is a transient network failure.
// Circuit breaker, authentication, validation and config errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := As(err); ok {
		switch e.Type {
		case ErrorTypeCircuitBreaker, ErrorTypeAuthentication, ErrorTypeValidation, ErrorTypeConfig:
			return false
		}
		if e.HTTP != nil && e.HTTP.Status != 0 {
			return IsRetryableStatus(e.HTTP.Status)
		}
	}
	return IsRetryableCode(NetworkCode(err))
}
