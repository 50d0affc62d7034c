package utils

import (
	"errors"
	"fmt"
	"path"
	"runtime"
)

// RaisedErr is the error type returned by the prekey directory packages.
// It records where the error was raised and carries an optional Flag.
//
// Packages declare a private errorFlag type with a set of constant flags.
// Attaching a flag to a RaisedErr lets callers classify errors with errors.Is
// without inspecting messages.
type RaisedErr struct {
	// Flag groups related errors, eg "not found" or "malformed".
	Flag error

	// Cause is the lower level error, if any.
	Cause error

	// Msg describes what happened.
	Msg string

	// Filename is "<dir>/<file>.go" of the code that raised the error.
	Filename string

	// Line is the line in Filename.
	Line int
}

// Error implements the error interface.
func (self RaisedErr) Error() string {
	if nil == self.Cause {
		return fmt.Sprintf("%s: %s (%s:%d)", path.Dir(self.Filename), self.Msg, self.Filename, self.Line)
	}
	return fmt.Sprintf("%s: %s (%s:%d)\n  caused by: %v", path.Dir(self.Filename), self.Msg, self.Filename, self.Line, self.Cause)
}

// Unwrap returns the Flag and the Cause of the RaisedErr.
func (self RaisedErr) Unwrap() []error {
	rv := make([]error, 0, 2)
	if nil != self.Flag {
		rv = append(rv, self.Flag)
	}
	if nil != self.Cause {
		rv = append(rv, self.Cause)
	}
	return rv
}

// NewError returns a RaisedErr{} holding the file & line of its caller.
//
// skip controls Caller frame resolution. Use 0 when calling NewError directly,
// 1 when calling it through a package newError helper.
func NewError(skip int, flag error, msg string, args ...any) error {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	err := RaisedErr{Flag: flag, Msg: msg}
	addCallerFileLine(skip, &err)
	return err
}

// WrapError returns a RaisedErr{} holding cause and the file & line of its caller.
// It returns nil if cause is nil, which allows writing
//
//	return wrapError(err, "failed saving key")
//
// at the end of functions.
func WrapError(cause error, skip int, flag error, msg string, args ...any) error {
	if nil == cause {
		return nil
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	err := RaisedErr{Flag: flag, Cause: cause, Msg: msg}
	addCallerFileLine(skip, &err)
	return err
}

// HasFlag returns true if any error in err tree is one of flags.
func HasFlag(err error, flags ...error) bool {
	for _, flag := range flags {
		if errors.Is(err, flag) {
			return true
		}
	}
	return false
}

func addCallerFileLine(skip int, err *RaisedErr) {
	_, filename, line, ok := runtime.Caller(2 + skip)
	if !ok {
		return
	}
	dirname, filename := path.Split(filename)
	err.Filename = path.Join(path.Base(dirname), filename)
	err.Line = line
}
