package workflow

import (
	"errors"
	"fmt"
)

// Rejection reasons surfaced to callers. These are contract strings: the
// HTTP layer and clients branch on them.
const (
	ReasonNotFound          = "not found"
	ReasonAlreadyClosed     = "already closed"
	ReasonNotProcessing     = "not currently processing"
	ReasonNotPaused         = "not paused"
	ReasonAlreadyProcessing = "already processing"
	ReasonFilesMissing      = "required files not uploaded"
	ReasonProcessingActive  = "cannot close while processing"
)

// PreconditionError rejects an invalid state-transition request. It is
// returned synchronously and never retried.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return e.Reason
}

func Rejected(reason string) error {
	return &PreconditionError{Reason: reason}
}

func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// StorageError marks a persistence failure that survived retrying. It fails
// the enclosing unit of work and, inside a processing run, the whole job.
type StorageError struct {
	Attempts int
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
