package schedule

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers and the HTTP boundary.
type Kind string

const (
	KindInvalidRequest          Kind = "invalid_request"
	KindAmbiguousReference      Kind = "ambiguous_reference"
	KindEventNotFound           Kind = "event_not_found"
	KindNotAuthenticated        Kind = "not_authenticated"
	KindReauthRequired          Kind = "reauth_required"
	KindCalendarOperationFailed Kind = "calendar_operation_failed"
	KindConflict                Kind = "conflict"
	KindInProgress              Kind = "in_progress"
	KindTransient               Kind = "transient"
	KindInternal                Kind = "internal"
)

// Sentinels usable with errors.Is.
var (
	ErrInvalidRequest          = &Error{Kind: KindInvalidRequest}
	ErrAmbiguousReference      = &Error{Kind: KindAmbiguousReference}
	ErrEventNotFound           = &Error{Kind: KindEventNotFound}
	ErrNotAuthenticated        = &Error{Kind: KindNotAuthenticated}
	ErrReauthRequired          = &Error{Kind: KindReauthRequired}
	ErrCalendarOperationFailed = &Error{Kind: KindCalendarOperationFailed}
	ErrConflict                = &Error{Kind: KindConflict}
	ErrInProgress              = &Error{Kind: KindInProgress}
	ErrTransient               = &Error{Kind: KindTransient}
)

// Error is a classified failure. Reason is safe to show to end users.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Reason == "" && t.Err == nil
}

// Errorf builds a classified error with a formatted user-facing reason.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the user-facing reason of a classified error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
