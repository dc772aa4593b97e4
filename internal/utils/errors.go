package utils

import (
	"errors"
	"fmt"
)

// Kind classifies an error for surface-level handling. The HTTP layer maps
// kinds to status codes; workers use them to decide log levels.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindRateLimited         Kind = "rate_limited"
	KindOverloaded          Kind = "overloaded"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindExternalUnavailable Kind = "external_unavailable"
	KindInternal            Kind = "internal"
)

// AppError wraps an operation, classification, human-facing message, and
// underlying error.
type AppError struct {
	Op   string
	Kind Kind
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError of the given kind.
func NewAppError(op string, kind Kind, msg string, err error) error {
	return &AppError{Op: op, Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindInternal for
// unclassified errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
