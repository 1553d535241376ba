// Package apperr defines the classified error taxonomy surfaced by the
// authorization core. Raw driver errors are classified at component
// boundaries and never leak to callers; every Error carries a stable
// machine-readable code plus a log-only message.
package apperr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind is the caller-visible classification of an error.
type Kind int

const (
	KindUnauthenticated Kind = iota
	KindForbidden
	KindNotFound
	KindConflict
	KindInsufficientCredits
	KindDeadlineExceeded
	KindUnavailable
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "UNAUTHENTICATED"
	case KindForbidden:
		return "FORBIDDEN"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindInsufficientCredits:
		return "INSUFFICIENT_CREDITS"
	case KindDeadlineExceeded:
		return "DEADLINE_EXCEEDED"
	case KindUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// ForbiddenReason narrows a FORBIDDEN error.
type ForbiddenReason string

const (
	ReasonOwnerMismatch      ForbiddenReason = "owner_mismatch"
	ReasonNotPublic          ForbiddenReason = "not_public"
	ReasonNotTeamMember      ForbiddenReason = "not_team_member"
	ReasonRoleInsufficient   ForbiddenReason = "role_insufficient"
	ReasonEscalationBlocked  ForbiddenReason = "privilege_escalation_blocked"
	ReasonEnumerationBlocked ForbiddenReason = "enumeration_blocked"
	ReasonDefaultDeny        ForbiddenReason = "default_deny"
)

// Error is the classified error type for the core.
type Error struct {
	Kind          Kind
	Code          string // stable machine-readable code, e.g. "token_expired"
	Reason        ForbiddenReason
	Required      int // credits required (INSUFFICIENT_CREDITS)
	Available     int // credits available (INSUFFICIENT_CREDITS)
	CorrelationID string
	msg           string // log-only, never shown to end users
	cause         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		b.WriteString("/" + e.Code)
	}
	if e.msg != "" {
		b.WriteString(": " + e.msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Kind so callers can use errors.Is(err, apperr.Unavailable()).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs a classified error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, code string, cause error, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg, cause: cause}
}

// Unauthenticated builds a token-class error.
func Unauthenticated(code, msg string) *Error {
	return New(KindUnauthenticated, code, msg)
}

// Forbidden builds a denial with a structured reason.
func Forbidden(reason ForbiddenReason, msg string) *Error {
	return &Error{Kind: KindForbidden, Code: string(reason), Reason: reason, msg: msg}
}

// NotFound reports a missing resource or user.
func NotFound(what string) *Error {
	return New(KindNotFound, "not_found", what+" not found")
}

// Conflict reports a lost race (caller-retryable).
func Conflict(msg string) *Error {
	return New(KindConflict, "conflict", msg)
}

// InsufficientCredits carries the required/available amounts.
func InsufficientCredits(required, available int) *Error {
	return &Error{
		Kind:      KindInsufficientCredits,
		Code:      "insufficient_credits",
		Required:  required,
		Available: available,
		msg:       fmt.Sprintf("required %d, available %d", required, available),
	}
}

// DeadlineExceeded reports an elapsed caller deadline.
func DeadlineExceeded(op string) *Error {
	return New(KindDeadlineExceeded, "deadline_exceeded", op)
}

// Unavailable reports a retryable infrastructure failure.
func Unavailable(code string, cause error) *Error {
	return Wrap(KindUnavailable, code, cause, "temporarily unavailable")
}

// Internal wraps an unclassified failure with a fresh correlation id.
func Internal(cause error) *Error {
	return &Error{
		Kind:          KindInternal,
		Code:          "internal",
		CorrelationID: uuid.NewString(),
		msg:           "internal error",
		cause:         cause,
	}
}

// KindOf extracts the Kind of any error; unclassified errors are INTERNAL.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
