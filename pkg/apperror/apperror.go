// Package apperror defines the error taxonomy returned by every tenancy operation.
package apperror

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable category of an error.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindAuthorization     Kind = "authorization"
	KindConflict          Kind = "conflict"
	KindNotFoundOrExpired Kind = "not_found_or_expired"
	KindTransientStore    Kind = "transient_store"
	KindRateLimited       Kind = "rate_limited"
	KindInternal          Kind = "internal"
)

// Error is a classified error. Two errors match under errors.Is when their codes are equal.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Kind == t.Kind
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	out := *e
	out.Err = cause
	return &out
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(code, message string) *Error {
	return newError(KindValidation, code, message)
}

func Authorization(code, message string) *Error {
	return newError(KindAuthorization, code, message)
}

func Conflict(code, message string) *Error {
	return newError(KindConflict, code, message)
}

func NotFoundOrExpired(code, message string) *Error {
	return newError(KindNotFoundOrExpired, code, message)
}

func TransientStore(code, message string) *Error {
	return newError(KindTransientStore, code, message)
}

func RateLimited(code, message string) *Error {
	return newError(KindRateLimited, code, message)
}

// Shared errors used across packages.
var (
	ErrForbidden        = Authorization("forbidden", "insufficient permission")
	ErrActorSuspended   = Authorization("actor_suspended", "actor is suspended")
	ErrInvalidActor     = Validation("invalid_actor", "actor identity is required")
	ErrNotFound         = NotFoundOrExpired("not_found", "resource not found")
	ErrStoreUnavailable = TransientStore("store_unavailable", "store temporarily unavailable")
)

// KindOf returns the kind of err, or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
