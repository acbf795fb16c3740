package transport

import "fmt"

// ValidationError reports malformed input caught before any network call.
// It is never auto-retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid upload: " + e.Reason
}

// TransportError reports a rejected request or network failure. It is
// surfaced per item and retryable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
