// Package scanerrors contains the error types returned by the admission and
// pipeline layers. Transport handlers look for the types defined in this file
// to choose a status code, since a full queue means "retry later" while a
// failed alignment means "this input cannot be aligned with current
// parameters".
//
// If multiple errors occur in some function (e.g., several regions of a batch
// failing), that function should return an error of type multierror.Error from
// package github.com/hashicorp/go-multierror that encapsulates those
// individual errors.
package scanerrors

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// ErrQueueFull is returned by Submit when the waiting list is at its
// configured depth. The job was never admitted and the caller may retry
// after backing off.
type ErrQueueFull struct {
	// Number of jobs waiting at the time of the rejected submission.
	Waiting int
	// Configured queue depth.
	MaxQueueDepth int
}

func (err *ErrQueueFull) Error() string {
	return fmt.Sprintf("admission queue is full (%d waiting, depth %d)", err.Waiting, err.MaxQueueDepth)
}

// ErrOverloaded is returned by Submit when the resource monitor gate trips.
// It is advisory; the gate is re-evaluated on the next submission.
type ErrOverloaded struct {
	// Resident memory observed by the monitor, in bytes.
	ResidentBytes uint64
	// Configured admission ceiling, in bytes.
	CeilingBytes uint64
}

func (err *ErrOverloaded) Error() string {
	return fmt.Sprintf("resident memory %d bytes exceeds admission ceiling %d bytes", err.ResidentBytes, err.CeilingBytes)
}

// ErrDeadlineExceeded is returned when a job's deadline elapses, either while
// waiting for a pipeline slot or while the pipeline was executing.
type ErrDeadlineExceeded struct {
	JobId    string
	Deadline time.Time
	// Phase is "waiting" or "running".
	Phase string
}

func (err *ErrDeadlineExceeded) Error() string {
	return fmt.Sprintf("job %s exceeded its deadline %s while %s", err.JobId, err.Deadline.Format(time.RFC3339), err.Phase)
}

// ErrQueueClosed is returned to waiters when the queue is torn down.
type ErrQueueClosed struct {
	JobId string
}

func (err *ErrQueueClosed) Error() string {
	if err.JobId != "" {
		return fmt.Sprintf("admission queue closed while job %s was pending", err.JobId)
	}
	return "admission queue closed"
}

// ErrAlignmentFailed indicates the correction strategy could not produce a
// usable result. It is a recoverable, job-local outcome, not a system fault;
// the facade may retry with an alternate strategy.
type ErrAlignmentFailed struct {
	Strategy string
	Reason   string
	// Matches found, when the failure was a below-threshold correspondence.
	Matches int
}

func (err *ErrAlignmentFailed) Error() string {
	if err.Matches > 0 {
		return fmt.Sprintf("%s alignment failed: %s (%d matches)", err.Strategy, err.Reason, err.Matches)
	}
	return fmt.Sprintf("%s alignment failed: %s", err.Strategy, err.Reason)
}

// ErrInvalidArgument is a generic error to be returned on invalid input.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "batchSize"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrJobNotFound is returned when looking up a job id that is neither active
// nor within the retention window.
type ErrJobNotFound struct {
	JobId string
}

func (err *ErrJobNotFound) Error() string {
	return fmt.Sprintf("job %q does not exist", err.JobId)
}

// ErrInternal represents an unexpected fault in the executor chain. It is
// always logged with its cause and surfaced to callers without leaking
// internals.
type ErrInternal struct {
	Message string
}

func (err *ErrInternal) Error() string {
	if err.Message == "" {
		return "internal error"
	}
	return fmt.Sprintf("internal error: %s", err.Message)
}

// CodeFromError maps error types to HTTP status codes for the transport
// boundary. Uses errors.As to look through the chain of errors, as opposed to
// just considering the topmost error in the chain.
func CodeFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var (
		errQueueFull       *ErrQueueFull
		errOverloaded      *ErrOverloaded
		errDeadline        *ErrDeadlineExceeded
		errClosed          *ErrQueueClosed
		errAlignment       *ErrAlignmentFailed
		errInvalidArgument *ErrInvalidArgument
		errNotFound        *ErrJobNotFound
	)
	switch {
	case errors.As(err, &errQueueFull):
		return http.StatusServiceUnavailable
	case errors.As(err, &errOverloaded):
		return http.StatusServiceUnavailable
	case errors.As(err, &errDeadline):
		return http.StatusGatewayTimeout
	case errors.As(err, &errClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &errAlignment):
		return http.StatusUnprocessableEntity
	case errors.As(err, &errInvalidArgument):
		return http.StatusBadRequest
	case errors.As(err, &errNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether the error indicates a transient condition the
// caller should retry after backing off, as opposed to an input that can
// never succeed.
func IsRetryable(err error) bool {
	var (
		errQueueFull  *ErrQueueFull
		errOverloaded *ErrOverloaded
		errDeadline   *ErrDeadlineExceeded
	)
	return errors.As(err, &errQueueFull) || errors.As(err, &errOverloaded) || errors.As(err, &errDeadline)
}
