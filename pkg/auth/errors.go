package auth

import (
	"code.kerpass.org/prekeys/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("auth: error")

	// ErrUnauthenticated flags missing or invalid credentials.
	ErrUnauthenticated = errorFlag("auth: unauthenticated")

	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	} else {
		return Error
	}
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}

// unauthenticated returns an ErrUnauthenticated flagged error.
func unauthenticated(msg string, args ...any) error {
	return utils.NewError(1, ErrUnauthenticated, msg, args...)
}
