// Package apperrors defines the error taxonomy shared by the mutation and
// query paths and the outbox worker.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindConflict
	KindDomain
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindDomain:
		return "domain"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Machine-readable codes.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidReason       = "INVALID_REASON_CODE"
	CodeInvalidDelta        = "INVALID_DELTA"
	CodeActorMismatch       = "ACTOR_MISMATCH"
	CodeTenantMismatch      = "TENANT_MISMATCH"
	CodeNotTenantMember     = "NOT_TENANT_MEMBER"
	CodeMembershipInactive  = "MEMBERSHIP_INACTIVE"
	CodeRoleMismatch        = "ROLE_MISMATCH"
	CodeCapabilityMissing   = "CAPABILITY_MISSING"
	CodeReasonNotPermitted  = "REASON_NOT_PERMITTED"
	CodeDirectionNotAllowed = "DIRECTION_NOT_PERMITTED"
	CodeLimitExceeded       = "LIMIT_EXCEEDED"
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeIdempotencyReused   = "IDEMPOTENCY_KEY_REUSED"
	CodeClientTokenReused   = "CLIENT_TOKEN_REUSED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeInvalidTransition   = "INVALID_STATE_TRANSITION"
	CodeNotFound            = "NOT_FOUND"
	CodeLockTimeout         = "LOCK_TIMEOUT"
	CodeUnavailable         = "STORAGE_UNAVAILABLE"
	CodeContextNotSet       = "CONTEXT_NOT_SET"
	CodePolicyMisconfigured = "POLICY_MISCONFIGURED"
	CodeConstraintViolation = "CONSTRAINT_VIOLATION"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same kind and code, so package-level
// sentinels work with errors.Is even after details were attached.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithDetail returns a copy of e carrying an extra detail.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

func newError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Validation(code, message string) *Error {
	return newError(KindValidation, code, message, nil)
}

func Authorization(code, message string) *Error {
	return newError(KindAuthorization, code, message, nil)
}

func Conflict(code, message string) *Error {
	return newError(KindConflict, code, message, nil)
}

func Domain(code, message string) *Error {
	return newError(KindDomain, code, message, nil)
}

func Transient(code, message string, cause error) *Error {
	return newError(KindTransient, code, message, cause)
}

func Fatal(code, message string, cause error) *Error {
	return newError(KindFatal, code, message, cause)
}

// As extracts the *Error from err's chain.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown for unclassified errors.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient infrastructure failure.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Wrap classifies an unknown error as fatal while keeping already classified
// errors untouched.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return Fatal(CodeInternal, message, err)
}
