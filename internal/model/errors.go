package model

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation    ErrorKind = "Validation"
	KindAuth          ErrorKind = "Auth"
	KindSelfPair      ErrorKind = "SelfPair"
	KindAlreadyPaired ErrorKind = "AlreadyPaired"
	KindNoPartner     ErrorKind = "NoPartner"
	KindNotFound      ErrorKind = "NotFound"
	KindProtocol      ErrorKind = "Protocol"
	KindInternal      ErrorKind = "Internal"
)

// Error is the error type surfaced to clients as {error: Kind, message}.
type Error struct {
	Kind    ErrorKind
	Message string
}

var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrSelfPair      = &Error{Kind: KindSelfPair}
	ErrAlreadyPaired = &Error{Kind: KindAlreadyPaired}
	ErrNoPartner     = &Error{Kind: KindNoPartner}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrProtocol      = &Error{Kind: KindProtocol}
)

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client facing message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return err.Error()
}
