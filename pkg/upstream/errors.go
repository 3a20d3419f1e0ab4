package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for the upstream error taxonomy.
var (
	// ErrTimeout indicates the upstream call exceeded its deadline.
	ErrTimeout = errors.New("upstream timeout")

	// ErrRateLimited indicates the PMS rejected the call with 429 or the
	// quota tracker blocked it preemptively.
	ErrRateLimited = errors.New("upstream rate limited")

	// ErrInvalidResponse indicates the PMS returned a payload that failed
	// to parse or was missing required fields.
	ErrInvalidResponse = errors.New("upstream invalid response")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of upstream errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors (never retried).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassTimeout represents deadline expiry.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassNetwork represents transport-level failures.
	ErrorClassNetwork ErrorClass = "network"
)

// Error carries the status and classification of a failed PMS call.
type Error struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pms %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("pms %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classifyTransport maps a transport error to an error class.
func classifyTransport(err error) ErrorClass {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorClassTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrorClassTimeout
	default:
		return ErrorClassNetwork
	}
}

// sentinelFor maps an error class to its taxonomy sentinel, if any.
func sentinelFor(class ErrorClass) error {
	switch class {
	case ErrorClassRateLimit:
		return ErrRateLimited
	case ErrorClassTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// shouldRetry determines if an error class is transient.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassTimeout, ErrorClassNetwork:
		return true
	default:
		// 4xx responses are deterministic, retrying wastes quota.
		return false
	}
}
