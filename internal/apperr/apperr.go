// Package apperr defines the typed error taxonomy returned by every engine
// operation. Callers branch on Kind; the HTTP layer maps kinds to status
// codes in one place.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind string

const (
	KindValidation             Kind = "validation_error"
	KindUnauthorized           Kind = "unauthorized"
	KindForbidden              Kind = "forbidden"
	KindInsufficientQuantity   Kind = "insufficient_quantity"
	KindInsufficientBalance    Kind = "insufficient_balance"
	KindInvalidStateTransition Kind = "invalid_state_transition"
	KindSelfTradeForbidden     Kind = "self_trade_forbidden"
	KindListingHasActiveOrders Kind = "listing_has_active_orders"
	KindNotFound               Kind = "not_found"
	KindConflict               Kind = "conflict"
	KindTimeout                Kind = "timeout"
	KindInternal               Kind = "internal"
)

// Error carries a Kind plus a human-readable message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a typed error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Untyped errors classify
// as KindInternal so nothing opaque crosses the component boundary.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may retry with backoff.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindConflict || k == KindTimeout
}
