package ratelimit

import (
	"fmt"
	"time"

	"code.kerpass.org/prekeys/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("ratelimit: error")

	// ErrRateLimited flags requests rejected by a Limiter.
	ErrRateLimited = errorFlag("ratelimit: rate limited")

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

// RateLimitedError is returned by Limiter.Validate when the request is rejected.
type RateLimitedError struct {
	Key string

	// RetryAfter is the delay after which the request would be accepted.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (self *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: %q retry after %s", string(ErrRateLimited), self.Key, self.RetryAfter)
}

func (self *RateLimitedError) Unwrap() error {
	return ErrRateLimited
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (self *RateLimitedError) RetryAfterSeconds() int64 {
	secs := int64(self.RetryAfter / time.Second)
	if self.RetryAfter%time.Second > 0 {
		secs += 1
	}
	return secs
}
