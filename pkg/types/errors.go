package types

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput means no catalog entity matched the id and filters.
	ErrEmptyInput = errors.New("no entity matches catalog filters")

	// ErrEmptyCollection means no source imagery survived spatiotemporal filtering.
	ErrEmptyCollection = errors.New("no source imagery after filtering")

	// ErrRemoteCompute means the backend rejected or failed an operation.
	ErrRemoteCompute = errors.New("remote compute failed")

	// ErrSinkWrite means a destination write or upload failed.
	ErrSinkWrite = errors.New("sink write failed")

	// ErrNotAdmitted means the batch stopped before the item was submitted.
	ErrNotAdmitted = errors.New("batch stopped before submission")
)

// ItemError attaches the failing WorkItem and pipeline stage to an error.
type ItemError struct {
	Item  WorkItem
	Stage string
	Err   error
}

func (e *ItemError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s (entity_id=%s year=%d): %v", e.Stage, e.Item.EntityID, e.Item.Year, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// WrapItem returns err wrapped in an ItemError, or nil when err is nil.
func WrapItem(item WorkItem, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &ItemError{Item: item, Stage: stage, Err: err}
}

// ErrorKind maps err to a stable short code used in logs, metric labels and
// the job ledger. A nil error maps to "".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrEmptyCollection):
		return "empty_collection"
	case errors.Is(err, ErrSinkWrite):
		return "sink_write"
	case errors.Is(err, ErrNotAdmitted):
		return "not_admitted"
	case errors.Is(err, ErrRemoteCompute):
		return "remote_compute"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
