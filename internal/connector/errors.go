package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StatusError is a non-2xx response from the banking API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("banking api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("banking api returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the status is worth retrying: rate limits and server errors.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a timeout, a network failure, a rate limit or
// a server error. Cancellation of the caller's context is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var te *transientError
	if errors.As(err, &te) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	return false
}

// FetchError is returned when a page could not be fetched, with enough context to
// resume: the cursor that failed is the last good one.
type FetchError struct {
	AccountID string
	Cursor    string
	Attempts  int
	Err       error
}

func (e *FetchError) Error() string {
	cursor := e.Cursor
	if cursor == "" {
		cursor = "<start>"
	}
	return fmt.Sprintf("fetch page for account %s at cursor %s failed after %d attempt(s): %v",
		e.AccountID, cursor, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
