package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when a configured retry ceiling is hit.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during a retry wait.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrNoTotalCount is returned by the count probe when the endpoint
	// response carries no totalCount field.
	ErrNoTotalCount = errors.New("response missing totalCount")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents non-retryable responses (4xx other than 429).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents HTTP 429 rate limit responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/transport errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassMalformed represents a 2xx response whose body could not be decoded.
	ErrorClassMalformed ErrorClass = "malformed"
)

// APIError represents a failed request against the listing endpoint.
type APIError struct {
	StatusCode int
	Class      ErrorClass
	Message    string

	// RetryAfter is the wait derived from the rate-limit reset header.
	// Only set for rate_limit errors; zero means "use the default wait".
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("listing %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("listing %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// shouldRetry determines if an error class is transient.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// client and malformed errors are fatal
		return false
	}
}
