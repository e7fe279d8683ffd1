// Package errs defines the error taxonomy shared by the reveal pipeline,
// temporary links and the transport layers.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for auditing and for the caller-facing response.
type Kind string

const (
	KindValidation Kind = "validation"
	KindPermission Kind = "permission"
	KindRateLimit  Kind = "rate_limit"
	KindLink       Kind = "link"
	KindInternal   Kind = "internal"
)

// Sentinels for errors.Is matching on the kind of an *Error.
var (
	ErrValidation = errors.New("validation error")
	ErrPermission = errors.New("permission denied")
	ErrRateLimit  = errors.New("rate limit exceeded")
	ErrLink       = errors.New("link error")
	ErrInternal   = errors.New("internal error")
)

// InternalMessage is the only text an Internal error ever exposes.
const InternalMessage = "An unexpected error occurred. Please contact your system administrator."

// Error carries the kind, a caller-safe reason and, for internal faults, the cause.
type Error struct {
	Kind       Kind
	Code       string
	Reason     string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, errs.ErrPermission) match by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrPermission:
		return e.Kind == KindPermission
	case ErrRateLimit:
		return e.Kind == KindRateLimit
	case ErrLink:
		return e.Kind == KindLink
	case ErrInternal:
		return e.Kind == KindInternal
	}
	return false
}

func Validation(code, reason string) *Error {
	return &Error{Kind: KindValidation, Code: code, Reason: reason}
}

func Permission(code, reason string) *Error {
	return &Error{Kind: KindPermission, Code: code, Reason: reason}
}

func Link(code, reason string) *Error {
	return &Error{Kind: KindLink, Code: code, Reason: reason}
}

// RateLimited reports a rejected call and how long until the window resets.
func RateLimited(retryAfter time.Duration) *Error {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &Error{
		Kind:       KindRateLimit,
		Code:       "rate_limited",
		Reason:     fmt.Sprintf("Too many requests. Please try again in %d seconds.", secs),
		RetryAfter: time.Duration(secs) * time.Second,
	}
}

// Internal wraps an unexpected fault. The cause is kept for server-side logs only.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: "internal", Reason: InternalMessage, cause: cause}
}

// KindOf returns the kind of err, treating anything unclassified as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Public returns the message that may be shown to the caller.
func Public(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Reason
	}
	return InternalMessage
}

// CodeOf returns the machine-readable reason code, "internal" for unclassified errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	if err == nil {
		return ""
	}
	return "internal"
}
