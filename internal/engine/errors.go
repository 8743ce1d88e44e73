package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an error for branching and for the HTTP boundary.
type Kind string

const (
	// KindNotFound marks an expected absence (no mapping, no booking). It is
	// never logged as an error; callers branch on it.
	KindNotFound Kind = "not_found"
	// KindConfiguration marks a tenant setup gap. Non-retryable until the
	// tenant acts.
	KindConfiguration Kind = "configuration"
	// KindCredential marks an invalid or revoked token. Non-retryable; the
	// tenant must re-authorize.
	KindCredential Kind = "credential"
	// KindTransient marks network or 5xx failures from either platform. The
	// platform's own webhook redelivery is the retry mechanism.
	KindTransient Kind = "transient"
	// KindInvariant marks a defect signal, e.g. a row in a state no valid
	// transition could have produced.
	KindInvariant Kind = "invariant"
	// KindValidation marks a malformed or unusable caller input.
	KindValidation Kind = "validation"
)

// Sentinel errors returned by the stores.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("conflicting update")
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a typed engine error.
func E(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Bare store sentinels count as
// not-found; anything untyped is reported as transient so the platform's
// redelivery gets a chance at it.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindTransient
}
