package fetch

import (
	"errors"
	"fmt"
)

// ErrNotBound is returned when a fetch is attempted before Bind.
var ErrNotBound = errors.New("pipeline is not bound to an account")

// TransportError covers network failures, unsolved challenges and non-2xx
// responses. Op is one of "request", "read", "challenge" or "status".
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type EmptyResponseError struct {
	URL string
}

func (e *EmptyResponseError) Error() string { return "empty response from server" }

// ExtractionError means the page was fetched but did not have the expected
// structure. Snippet holds the leading part of the body for diagnostics.
type ExtractionError struct {
	Reason  string
	Snippet string
}

func (e *ExtractionError) Error() string { return e.Reason }

// ExhaustedRetriesError wraps the last attempt's error once every attempt failed.
type ExhaustedRetriesError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }
