// Package ocsperror provides typed errors of the revocation check,
// each carrying a stable numeric code.
package ocsperror

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Error represents a single revocation check error
type Error struct {
	// Code identifies the particular error condition [for programatic consumers]
	Code int `json:"code" codec:"code"`

	// Message is an textual description of the error
	Message string `json:"message" codec:"message"`

	// RevokedAt is set for ErrCodeRevoked
	RevokedAt time.Time `json:"revoked_at,omitempty" codec:"revoked_at,omitempty"`

	// RevocationReason is set for ErrCodeRevoked, as defined in RFC 5280
	RevocationReason int `json:"revocation_reason,omitempty" codec:"revocation_reason,omitempty"`

	// Cause is the original error
	cause error `json:"-"`
}

// New returns Error instance, building the message string along the way
func New(code int, msgFormat string, vals ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(msgFormat, vals...),
	}
}

// Revoked returns Error instance with ErrCodeRevoked code
func Revoked(revokedAt time.Time, reason int, msgFormat string, vals ...any) *Error {
	e := New(ErrCodeRevoked, msgFormat, vals...)
	e.RevokedAt = revokedAt
	e.RevocationReason = reason
	return e
}

// WithCause adds the cause error
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Error implements the standard error interface
func (e *Error) Error() string {
	if e == nil {
		return "nil"
	}
	if e.cause != nil {
		return fmt.Sprintf("%d: %s: %s", e.Code, e.Message, e.cause.Error())
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Cause returns original error
func (e *Error) Cause() error {
	return e.cause
}

// Unwrap returns original error
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors with the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t != nil && e != nil && t.Code == e.Code
}

// Clone returns a copy of the error, without the cause
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.cause = nil
	return &cp
}

// As returns *Error from the chain of err, or nil
func As(err error) *Error {
	var e *Error
	if err != nil && errors.As(err, &e) {
		return e
	}
	return nil
}

// Code returns the code of err, or 0 if err is not *Error
func Code(err error) int {
	if e := As(err); e != nil {
		return e.Code
	}
	return 0
}

// IsRevoked returns true if err reports revoked certificate
func IsRevoked(err error) bool {
	return Code(err) == ErrCodeRevoked
}

// IsTimeout returns true for timeout error
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	str := strings.ToLower(err.Error())
	for _, s := range timeoutErrors {
		if strings.Contains(str, s) {
			return true
		}
	}
	return false
}

var timeoutErrors = []string{"timeout", "deadline"}
