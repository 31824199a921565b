package fulfillment

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors with a stable, caller-visible identifier.
type Kind string

const (
	// KindNotFound: the prescription or purchase does not exist.
	KindNotFound Kind = "not_found"
	// KindInvalidState: the entity exists but is in the wrong state for the
	// operation (prescription not pending, token not yet expired).
	KindInvalidState Kind = "invalid_state"
	// KindInsufficientStock: a named machine cannot cover a named medicine's
	// quantity, including the race-detected case inside checkout.
	KindInsufficientStock Kind = "insufficient_stock"
	// KindValidation: malformed input (empty item list, non-positive
	// quantity, quantity failing the dispensing-unit rule).
	KindValidation Kind = "validation"
	// KindTransactionFailure: the underlying commit failed for an
	// infrastructure reason. Never associated with partial writes; safe to
	// retry blindly.
	KindTransactionFailure Kind = "transaction_failure"
)

// Error is the engine's domain error. Callers branch on Kind; Msg carries
// the human-readable detail returned over the API.
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

// Errf builds a domain error of the given kind.
func Errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapTx wraps an infrastructure failure as a TransactionFailure unless err
// is already a domain error, in which case it passes through unchanged so
// the original kind survives the transaction boundary.
func WrapTx(err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Kind: KindTransactionFailure, Msg: "transaction failed", Err: err}
}

// KindOf extracts the kind from err, or "" for non-domain errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
