package job

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a job id or name resolves to nothing.
var ErrNotFound = errors.New("job not found")

// ErrActiveName is returned when a start request reuses the name of a job
// that has not reached a terminal state yet.
var ErrActiveName = errors.New("a job with this name is still active")

// ErrNotActive is returned when an operation needs a running job but the
// job already reached a terminal state.
var ErrNotActive = errors.New("job is not active")

// ErrFatalThreshold is returned by the scheduler when the failed fraction of
// discovered objects crosses the configured threshold.
var ErrFatalThreshold = errors.New("failure threshold exceeded")

// ErrIllegalTransition is returned when a lifecycle update would move a job
// along an edge CanTransition forbids, such as reviving a terminal job.
var ErrIllegalTransition = errors.New("illegal job state transition")

// ValidationError marks a config rejected before any state was persisted.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid job config: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// ListingError marks a source enumeration failure that survived its retry
// budget. It is fatal to the job.
type ListingError struct {
	Err error
}

func (e *ListingError) Error() string { return fmt.Sprintf("source listing failed: %v", e.Err) }
func (e *ListingError) Unwrap() error { return e.Err }

// StateStoreError marks a persistence failure. The engine never reports an
// outcome as applied unless the corresponding write was durable.
type StateStoreError struct {
	Op  string
	Err error
}

func (e *StateStoreError) Error() string { return fmt.Sprintf("state store %s: %v", e.Op, e.Err) }
func (e *StateStoreError) Unwrap() error { return e.Err }
