package download

import "fmt"

// ErrorCategory is the coarse classification attached to a failed item.
// Retryable categories indicate the caller may resubmit the same URL;
// fatal categories indicate resubmission would fail the same way.
type ErrorCategory string

const (
	CategoryNetwork       ErrorCategory = "network"
	CategoryUnavailable   ErrorCategory = "unavailable"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryInvalidSource ErrorCategory = "invalid_source"
)

// Retryable reports whether a resubmission of the same URL could succeed.
func (c ErrorCategory) Retryable() bool {
	return c == CategoryNetwork || c == CategoryUnavailable || c == CategoryTimeout
}

// ValidationError represents a malformed submission rejected before it
// enters the queue.
type ValidationError struct {
	Field  string // The submission field that failed validation
	Reason string // Human-readable explanation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError represents an operation on an unknown item id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("download %s not found", e.ID)
}

// ConflictError represents an operation that is not a legal state
// machine transition for the item's current state.
type ConflictError struct {
	ID        string
	Operation string // The operation that was attempted (e.g. "resume")
	State     State  // The item's state at the time of the attempt
}

func (e *ConflictError) Error() string {
	if e.State.Terminal() {
		return fmt.Sprintf("cannot %s download %s: already finished (%s)", e.Operation, e.ID, e.State)
	}

	return fmt.Sprintf("cannot %s download %s in state %s", e.Operation, e.ID, e.State)
}

// FetchError wraps a fetcher failure with its coarse category.
type FetchError struct {
	Category ErrorCategory
	Message  string // Human-readable cause, surfaced on the item record
	Err      error  // Underlying error, if any
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed (%s): %s", e.Category, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry by resubmitting.
func (e *FetchError) Retryable() bool {
	return e.Category.Retryable()
}

// SystemError represents a persistence or infrastructure failure.
// Submissions fail closed with it rather than silently losing records.
type SystemError struct {
	Operation string // The operation that failed (e.g. "persist_item")
	Err       error  // Underlying error, if any
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("system error during %s: %v", e.Operation, e.Err)
}

func (e *SystemError) Unwrap() error {
	return e.Err
}
