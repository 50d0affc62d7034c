package prekeys

import (
	"code.kerpass.org/prekeys/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("prekeys: error")

	// ErrMalformed flags structurally invalid key material or identifiers.
	ErrMalformed = errorFlag("prekeys: malformed")

	// ErrInvalidSignature flags signed prekeys that do not verify against the identity key.
	ErrInvalidSignature = errorFlag("prekeys: invalid signature")

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

// malformed returns an ErrMalformed flagged error.
func malformed(msg string, args ...any) error {
	return utils.NewError(1, ErrMalformed, msg, args...)
}

func wrapMalformed(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, ErrMalformed, msg, args...)
}
