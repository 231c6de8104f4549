// Package wferrors defines the error taxonomy shared by every workflow engine
// component, following the sentinel-plus-wrap style used throughout
// internal/agent rather than a custom stack-trace framework.
package wferrors

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Kind classifies an error for callers deciding whether to retry, surface to
// a user, or treat as a bug.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindAuthorization      Kind = "authorization"
	KindConflict           Kind = "conflict"
	KindConfiguration      Kind = "configuration"
	KindNoProvider         Kind = "no_provider"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindRateLimit          Kind = "rate_limit"
	KindTransient          Kind = "transient"
	KindCancelled          Kind = "cancelled"
	KindTimeout            Kind = "timeout"
	KindInternal           Kind = "internal"
)

// Retryable reports whether callers may retry an operation that failed with
// this kind of error.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindProviderUnavailable, KindRateLimit:
		return true
	default:
		return false
	}
}

// Error is a classified, wrapped error carrying a correlation id so a
// caller's logs and an engine-side audit entry can be joined on one value.
type Error struct {
	Kind          Kind
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind. correlationID may be empty.
func New(kind Kind, correlationID string, err error) *Error {
	return &Error{Kind: kind, CorrelationID: correlationID, Err: err}
}

// Newf builds a new classified error from a format string.
func Newf(kind Kind, correlationID, format string, args ...any) *Error {
	return New(kind, correlationID, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind from err, walking the wrap chain. Returns
// KindInternal if err carries no classification.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// Aggregate combines multiple node failures (e.g. from concurrently
// dispatched tool calls) into a single error, using go-multierror so the
// individual failures remain inspectable via errors.As/errors.Is.
func Aggregate(errs ...error) error {
	var combined *multierror.Error
	for _, err := range errs {
		if err != nil {
			combined = multierror.Append(combined, err)
		}
	}
	if combined == nil {
		return nil
	}
	return combined.ErrorOrNil()
}
