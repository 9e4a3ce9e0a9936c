package models

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeAuthentication ErrorCode = "authentication"
	CodeAuthorization  ErrorCode = "authorization"
	CodeValidation     ErrorCode = "validation"
	CodePersistence    ErrorCode = "persistence"
	CodeTransport      ErrorCode = "transport"
	CodeCapacity       ErrorCode = "capacity"
	CodeRateLimited    ErrorCode = "rate_limited"
)

// Error is a classified synchronization failure.
// Two errors match with errors.Is when their codes are equal,
// so callers can test against the sentinel values below.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

var (
	ErrAuthentication = &Error{Code: CodeAuthentication, Message: "authentication failed"}
	ErrAuthorization  = &Error{Code: CodeAuthorization, Message: "not allowed"}
	ErrValidation     = &Error{Code: CodeValidation, Message: "invalid payload"}
	ErrPersistence    = &Error{Code: CodePersistence, Message: "storage failure"}
	ErrTransport      = &Error{Code: CodeTransport, Message: "transport failure"}
	ErrCapacity       = &Error{Code: CodeCapacity, Message: "outbound queue full"}
	ErrRateLimited    = &Error{Code: CodeRateLimited, Message: "too many messages"}
)

func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the taxonomy code of err, or an empty code
// if err is not a classified error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether a failure of this class may be retried
// automatically. Authentication, authorization and validation failures
// will fail the same way again.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodePersistence, CodeTransport, CodeCapacity, CodeRateLimited:
		return true
	}
	return false
}
