package utils

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNewError_Flag(t *testing.T) {
	err := takeFromEmptyPool()
	t.Logf("err -> %v", err)
	if !errors.Is(err, PkgBaseError) {
		t.Error("Oops, err is not PkgBaseError")
	}
	if !errors.Is(err, ErrPoolEmpty) {
		t.Error("Oops, err is not ErrPoolEmpty")
	}
	raised, ok := err.(RaisedErr)
	if !ok {
		t.Fatal("Oops, can not cast err to RaisedErr")
	}
	if !strings.HasSuffix(raised.Filename, "errors_test.go") {
		t.Errorf("unexpected Filename %q", raised.Filename)
	}
	if 0 == raised.Line {
		t.Error("missing Line")
	}
}

func TestWrapError_Cause(t *testing.T) {
	err := readKeyFile()
	t.Logf("err -> %v", err)
	if !errors.Is(err, PkgBaseError) {
		t.Error("Oops, err is not PkgBaseError")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("Oops, err is not an io.EOF")
	}
	if errors.Is(err, ErrPoolEmpty) {
		t.Error("Oops, err should not be ErrPoolEmpty")
	}
}

func TestWrapError_NilCause(t *testing.T) {
	err := wrapError(nil, "nothing happened")
	if nil != err {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestNewError_Format(t *testing.T) {
	err := newError("reached limit of %d keys", 100)
	if !strings.Contains(err.Error(), "reached limit of 100 keys") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestHasFlag(t *testing.T) {
	err := takeFromEmptyPool()
	if !HasFlag(err, io.ErrUnexpectedEOF, ErrPoolEmpty) {
		t.Error("HasFlag missed ErrPoolEmpty")
	}
	if HasFlag(err, io.EOF) {
		t.Error("HasFlag matched io.EOF")
	}
	if HasFlag(nil, ErrPoolEmpty) {
		t.Error("HasFlag matched nil error")
	}
}

// ---
// Below definitions show how RaisedErr is used by packages.

type errorFlag string

const (
	PkgBaseError = errorFlag("utils: error")
	ErrPoolEmpty = errorFlag("utils: pool empty")
	noError      = errorFlag("")
)

func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if noError == self || PkgBaseError == self {
		return nil
	}
	return PkgBaseError
}

func newError(msg string, args ...any) error {
	return NewError(1, PkgBaseError, msg, args...)
}

func wrapError(cause error, msg string, args ...any) error {
	return WrapError(cause, 1, PkgBaseError, msg, args...)
}

func takeFromEmptyPool() error {
	return NewError(0, ErrPoolEmpty, "no key left")
}

func readKeyFile() error {
	return wrapError(io.EOF, "can not read from %s", "keys.bin")
}
