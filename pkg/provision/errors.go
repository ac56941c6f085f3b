package provision

import (
	"errors"
	"fmt"
)

// Error categories, per failure taxonomy:
// unreachable aborts the workflow, conflict is reported to the operator and
// never auto-reconciled, partial marks resources needing manual cleanup.
const (
	CategoryUnreachable = "unreachable"
	CategoryConflict    = "conflict"
	CategoryPartial     = "partial"
	CategoryInternal    = "internal"
)

// Error

type Error struct {
	error
	Category string
	Resource string
}

func NewError(err error, category string, resource string) Error {
	return Error{
		error:    err,
		Category: category,
		Resource: resource,
	}
}

func (e Error) Unwrap() error {
	return e.error
}

// ErrRetryable

var ErrRetryable = errors.New("retryable error")

func NewRetryableError(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// AsError normalizes any error into a typed Error so the report always
// carries a category.
func AsError(err error) Error {
	ret := Error{}
	if errors.As(err, &ret) {
		return ret
	}

	return NewError(err, CategoryInternal, "")
}
