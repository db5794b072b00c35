// Package apperr holds the error taxonomy returned by the booking core.
// Handlers switch on these types with errors.As; everything else is an
// internal error and is never shown to the caller verbatim.
package apperr

import (
	"errors"
	"fmt"
)

// ValidationError is a user-correctable input problem (bad date, past slot,
// closed weekday, out-of-horizon date). Message is surfaced verbatim.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError means the slot was free when offered but is taken at commit.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// PolicyError is a quota or cap rejection (reschedule cap, monthly usage).
type PolicyError struct {
	Code    string
	Message string
}

func (e *PolicyError) Error() string { return e.Message }

// PolicyBlockedError is raised by the penalty gate. It always carries the
// outstanding fee and the days left before the account is disabled.
type PolicyBlockedError struct {
	State              string
	FeeCents           int64
	GraceDaysRemaining int
	Message            string
}

func (e *PolicyBlockedError) Error() string { return e.Message }

// AuthenticityError is a webhook delivered without a valid shared secret.
type AuthenticityError struct {
	Reason string
}

func (e *AuthenticityError) Error() string { return "webhook authenticity: " + e.Reason }

// ReconciliationError means a gateway payment could not be matched to local
// state. NotFound distinguishes an unknown reference from an amount mismatch.
type ReconciliationError struct {
	NotFound bool
	Message  string
}

func (e *ReconciliationError) Error() string { return e.Message }

// UpstreamUnavailable wraps a failed call to the payment gateway.
type UpstreamUnavailable struct {
	Op  string
	Err error
}

func (e *UpstreamUnavailable) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", e.Op, e.Err)
}

func (e *UpstreamUnavailable) Unwrap() error { return e.Err }

// NotFoundError is an unknown entity referenced by id.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string { return e.Entity + " not found" }

// ForbiddenError is an actor operating on something it does not own.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }

func Validation(code, format string, args ...any) error {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

func Policy(code, format string, args ...any) error {
	return &PolicyError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity string) error {
	return &NotFoundError{Entity: entity}
}

func Forbidden(format string, args ...any) error {
	return &ForbiddenError{Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is one of the taxonomy types, i.e. safe to show.
func IsKind(err error) bool {
	var (
		v  *ValidationError
		c  *ConflictError
		p  *PolicyError
		pb *PolicyBlockedError
		a  *AuthenticityError
		r  *ReconciliationError
		u  *UpstreamUnavailable
		n  *NotFoundError
		f  *ForbiddenError
	)
	return errors.As(err, &v) || errors.As(err, &c) || errors.As(err, &p) ||
		errors.As(err, &pb) || errors.As(err, &a) || errors.As(err, &r) ||
		errors.As(err, &u) || errors.As(err, &n) || errors.As(err, &f)
}
