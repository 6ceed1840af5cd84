package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures so boundaries can take policy decisions
// (failover, retry, model swap) without string matching.
type ErrorKind string

const (
	ErrValidation ErrorKind = "validation"
	ErrNotFound   ErrorKind = "not_found"
	ErrUnavailable ErrorKind = "unavailable"
	ErrTimeout    ErrorKind = "timeout"
	ErrRateLimit  ErrorKind = "rate_limit"
	ErrAuth       ErrorKind = "auth"
	ErrInternal   ErrorKind = "internal"
)

// Error is the typed error carried across subsystem boundaries
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed error
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError wraps an underlying error with a kind
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the error kind, defaulting to internal
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// HTTPStatus maps an error kind to a response status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// IsRetriable reports whether a failover layer may retry the call
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case ErrTimeout, ErrRateLimit, ErrUnavailable:
		return true
	default:
		return false
	}
}
