package keyservice

import (
	"code.kerpass.org/prekeys/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("keyservice: error")

	// ErrNotFound flags unknown targets or empty device selections.
	ErrNotFound = errorFlag("keyservice: not found")

	// ErrBadRequest flags requests that can not be interpreted.
	ErrBadRequest = errorFlag("keyservice: bad request")

	// ErrKeysMismatch flags a check-keys digest that differs from the stored keys.
	ErrKeysMismatch = errorFlag("keyservice: keys mismatch")

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

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}

// flagError returns a utils.RaisedErr{} flagged with flag.
func flagError(flag error, msg string, args ...any) error {
	return utils.NewError(1, flag, msg, args...)
}
