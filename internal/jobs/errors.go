package jobs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure for callers and the retry policy.
type ErrorKind string

const (
	ErrInvalidRequest ErrorKind = "invalid_request"
	ErrFetch          ErrorKind = "fetch_error"
	ErrQueueFull      ErrorKind = "queue_full"
	ErrDuplicateJob   ErrorKind = "duplicate_job"
	ErrTimeout        ErrorKind = "timeout"
	ErrTool           ErrorKind = "tool_error"
	ErrStore          ErrorKind = "store_error"
	ErrCancelled      ErrorKind = "cancelled"
)

var (
	// ErrJobNotFound is returned when a job id has no record.
	ErrJobNotFound = errors.New("job not found")

	// ErrAlreadyClaimed is returned when a claim loses the compare-and-set
	// race, usually because another worker already owns the job.
	ErrAlreadyClaimed = errors.New("job already claimed or not in PENDING state")

	// ErrNotCancellable is returned when cancellation arrives after a worker
	// has claimed the job or it already reached a terminal state.
	ErrNotCancellable = errors.New("job already claimed or finished")
)

// Error is the structured error recorded on a failed job and surfaced via
// the status endpoint.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Transient bool      `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a non-transient pipeline error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewTransientError builds a pipeline error eligible for retry.
func NewTransientError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Transient: true}
}

// Classify maps an arbitrary error to a structured pipeline error. Errors
// that already carry a kind pass through; everything else becomes a
// transient tool error so the retry policy gets a chance before giving up.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return NewTransientError(ErrTool, "%s", err.Error())
}

// IsTransient reports whether err should count against the attempt cap and
// be re-enqueued rather than failing the job outright.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}
