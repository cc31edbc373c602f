package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrQueueClosed is returned for requests submitted after Close.
var ErrQueueClosed = errors.New("request queue closed")

// APIError represents a non-2xx HTTP response.
type APIError struct {
	StatusCode int
	Body       string // first 512 bytes
	// RetryAfter is the provider's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) HTTPStatus() int { return e.StatusCode }

func (e *APIError) RetryHint() time.Duration { return e.RetryAfter }

// DecodeError is returned when a 2xx response body is not the expected JSON.
type DecodeError struct {
	StatusCode int
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode response (HTTP %d): %v", e.StatusCode, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) HTTPStatus() int { return e.StatusCode }
