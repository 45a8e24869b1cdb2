package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation       ErrorKind = "ValidationError"
	KindNotFound         ErrorKind = "NotFound"
	KindUnauthorized     ErrorKind = "Unauthorized"
	KindInvalidState     ErrorKind = "InvalidState"
	KindAgentUnavailable ErrorKind = "AgentUnavailable"
	KindUnknownTaskType  ErrorKind = "UnknownTaskType"
	KindTimeout          ErrorKind = "Timeout"
	KindNotRetryable     ErrorKind = "NotRetryable"
	KindNoValidTargets   ErrorKind = "NoValidTargets"
	KindInternal         ErrorKind = "Internal"
)

// Error carries a machine-readable kind next to the human-readable message.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrUnauthorized     = &Error{Kind: KindUnauthorized}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrAgentUnavailable = &Error{Kind: KindAgentUnavailable}
	ErrUnknownTaskType  = &Error{Kind: KindUnknownTaskType}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrNotRetryable     = &Error{Kind: KindNotRetryable}
	ErrNoValidTargets   = &Error{Kind: KindNoValidTargets}
)

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
