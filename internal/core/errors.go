package core

import (
	"errors"
	"net/http"
	"strings"
)

// ErrorKind classifies a boundary failure. Each kind has a fixed HTTP status
// and machine-readable code.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindOrigin
	KindRateLimited
	KindUpstream
)

// Error is a boundary error. Message is safe to return to the caller; Err is
// for server-side logs only.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindOrigin:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code.
func (e *Error) Code() string {
	switch e.Kind {
	case KindValidation:
		return "ERR_VALIDATION"
	case KindUnauthorized:
		return "ERR_UNAUTHORIZED"
	case KindForbidden:
		return "ERR_FORBIDDEN"
	case KindOrigin:
		return "ERR_FORBIDDEN_ORIGIN"
	case KindRateLimited:
		return "ERR_RATE_LIMITED"
	case KindUpstream:
		return "ERR_UPSTREAM"
	default:
		return "ERR_INTERNAL"
	}
}

// ValidationError joins the violation list into one user-safe message.
func ValidationError(violations []string) *Error {
	return &Error{Kind: KindValidation, Message: strings.Join(violations, ", ")}
}

// UpstreamError hides the upstream failure behind a fixed message.
func UpstreamError(err error) *Error {
	return &Error{Kind: KindUpstream, Message: "Threat analysis is temporarily unavailable, please try again", Err: err}
}

// InternalError hides err behind message.
func InternalError(message string, err error) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

var (
	ErrMissingCredentials = &Error{Kind: KindUnauthorized, Message: "Missing authorization header"}
	ErrInvalidCredentials = &Error{Kind: KindUnauthorized, Message: "Invalid or expired credentials"}
	ErrInsufficientRole   = &Error{Kind: KindForbidden, Message: "Insufficient permissions"}
	ErrOriginNotAllowed   = &Error{Kind: KindOrigin, Message: "Origin not allowed"}
	ErrRateLimited        = &Error{Kind: KindRateLimited, Message: "Too many requests, please try again later"}
)

// AsError unwraps err to a boundary Error, wrapping anything else as internal.
func AsError(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return InternalError("Internal server error", err)
}
