// Package errors provides error handling for lspgate.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//   - Network portability for distributed systems
//   - Sentry integration
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Add hints for users
//	return errors.WithHint(err, "try increasing the timeout")
//
//	// Check errors
//	if errors.Is(err, sql.ErrNoRows) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint          = crdb.WithHint
	WithHintf         = crdb.WithHintf
	WithDetail        = crdb.WithDetail
	WithDetailf       = crdb.WithDetailf
	WithSafeDetails   = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll = crdb.UnwrapAll
	GetAllHints = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Advanced features
var (
	Handled            = crdb.Handled
	HandledWithMessage = crdb.HandledWithMessage
	WithDomain         = crdb.WithDomain
	GetDomain          = crdb.GetDomain
	WithContextTags    = crdb.WithContextTags
	EncodeError        = crdb.EncodeError
	DecodeError        = crdb.DecodeError
	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Assertions and panics
var (
	AssertionFailedf  = crdb.AssertionFailedf
	NewAssertionErrorWithWrappedErrf = crdb.NewAssertionErrorWithWrappedErrf
)

// Kind classifies an error at the MCP boundary so the dispatcher can pick a
// response shape without parsing message text.
type Kind int

const (
	// KindInvalidInput means the tool arguments failed validation.
	KindInvalidInput Kind = iota
	// KindContextMismatch means the uri/workspace in the request does not
	// belong to the active workspace.
	KindContextMismatch
	// KindBackendDisabled means the backend for the requested language was
	// never enabled (no profile or explicitly turned off).
	KindBackendDisabled
	// KindBackendUnavailable means the backend exists but is not ready
	// (spawning, crashed, or in the terminal error state).
	KindBackendUnavailable
	// KindNotImplemented means the unified operation has no translation for
	// the target backend's capabilities.
	KindNotImplemented
	// KindUpstreamTimeout means the backend did not respond within the
	// request's deadline.
	KindUpstreamTimeout
	// KindUpstreamCrash means the backend process died mid-request.
	KindUpstreamCrash
	// KindTransientToolError means the backend returned an LSP error that
	// may succeed on retry (e.g. server still indexing).
	KindTransientToolError
)

// kindError wraps an error with a Kind tag while remaining transparent to
// Is/As/Unwrap, so it composes with the rest of the cockroachdb chain.
type kindError struct {
	cause error
	kind  Kind
}

func (k *kindError) Error() string { return k.cause.Error() }
func (k *kindError) Unwrap() error { return k.cause }
func (k *kindError) Cause() error  { return k.cause }

// WithKind tags err with the given Kind. Use KindOf to read it back.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{cause: err, kind: kind}
}

// KindOf walks the error chain looking for a tagged Kind, returning ok=false
// if none was attached.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind, true
		}
		err = crdb.UnwrapOnce(err)
	}
	return 0, false
}

// New<Kind> constructors build a tagged, hinted error in one call, the shape
// every dispatcher error path uses.

func NewInvalidInput(msg, hint string) error {
	return WithHint(WithKind(New(msg), KindInvalidInput), hint)
}

func NewContextMismatch(msg, hint string) error {
	return WithHint(WithKind(New(msg), KindContextMismatch), hint)
}

func NewBackendDisabled(msg, hint string) error {
	return WithHint(WithKind(New(msg), KindBackendDisabled), hint)
}

func NewBackendUnavailable(msg, hint string) error {
	return WithHint(WithKind(New(msg), KindBackendUnavailable), hint)
}

func NewNotImplemented(msg, hint string) error {
	return WithHint(WithKind(New(msg), KindNotImplemented), hint)
}

func NewUpstreamTimeout(msg, hint string) error {
	return WithHint(WithKind(New(msg), KindUpstreamTimeout), hint)
}

func NewUpstreamCrash(msg, hint string) error {
	return WithHint(WithKind(New(msg), KindUpstreamCrash), hint)
}

func NewTransientToolError(msg, hint string) error {
	return WithHint(WithKind(New(msg), KindTransientToolError), hint)
}

// Common sentinel errors can be defined like:
//   var ErrNotFound = errors.New("not found")
//   var ErrClosed = errors.New("closed")
