package engine

import (
	"errors"
	"fmt"

	"custodyline/internal/engine/auth"
)

type Kind string

const (
	KindUnauthorized    Kind = "unauthorized"
	KindForbidden       Kind = "forbidden"
	KindInvalidState    Kind = "invalid_state"
	KindValidation      Kind = "validation_failed"
	KindNotFound        Kind = "not_found"
	KindUpstream        Kind = "upstream_failure"
	KindAlreadyExecuted Kind = "already_executed"
	KindAlreadyWaived   Kind = "already_waived"
	KindObligationsMet  Kind = "obligations_met"
	KindDeadlinePending Kind = "deadline_pending"
)

// Error is the engine's typed failure. Callers branch on Kind via errors.Is
// against the sentinels below.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrUnauthorized    = &Error{Kind: KindUnauthorized}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrUpstream        = &Error{Kind: KindUpstream}
	ErrAlreadyExecuted = &Error{Kind: KindAlreadyExecuted}
	ErrAlreadyWaived   = &Error{Kind: KindAlreadyWaived}
	ErrObligationsMet  = &Error{Kind: KindObligationsMet}
	ErrDeadlinePending = &Error{Kind: KindDeadlinePending}
)

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) with(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func (e *Error) wrap(err error) *Error {
	e.Err = err
	return e
}

func unauthorized() *Error {
	return newError(KindUnauthorized, "authentication required")
}

func notFound(kind, id string) *Error {
	return newError(KindNotFound, "%s %s not found", kind, id).with(kind+"_id", id)
}

// forbidden converts a policy decision into an engine error.
func forbidden(err error) error {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newError(KindForbidden, "%s", fe.Error()).with("permission", fe.Permission).wrap(fe)
	}
	return newError(KindForbidden, "%s", err.Error()).wrap(err)
}

// KindOf returns the engine kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
