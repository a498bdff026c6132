package auth

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a token validation failure
type ErrorKind string

const (
	KindMissing      ErrorKind = "missing"
	KindMalformed    ErrorKind = "malformed"
	KindExpired      ErrorKind = "expired"
	KindBadSignature ErrorKind = "bad_signature"
	KindRevoked      ErrorKind = "revoked"
)

// Error is returned for every rejected token
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("token %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind so callers can use errors.Is(err, auth.ErrExpired)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons
var (
	ErrMissing      = &Error{Kind: KindMissing}
	ErrMalformed    = &Error{Kind: KindMalformed}
	ErrExpired      = &Error{Kind: KindExpired}
	ErrBadSignature = &Error{Kind: KindBadSignature}
	ErrRevoked      = &Error{Kind: KindRevoked}
)

func newError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of a validation error, or "" for other errors
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
