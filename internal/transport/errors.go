package transport

import (
	"code.kerpass.org/prekeys/internal/utils"
)

type errorFlag string

const (
	Error              = errorFlag("transport: error")
	SerializationError = errorFlag("transport: serialization error")
	ValidationError    = errorFlag("transport: validation error")
	noError            = errorFlag("")
)

func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	}
	return Error
}

func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}

// utilsWrap wraps cause using a specific flag.
func utilsWrap(flag errorFlag, cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, flag, msg, args...)
}
