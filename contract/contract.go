// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package contract reports violations of the offload pipeline's
// usage contracts: mismatched buffer layouts, host access to device
// storage, views used after their buffers are released, and illegal
// pipeline state transitions. Violations are programming errors; they
// are raised as panics carrying the location of the offending call,
// and converted into ordinary errors at invocation boundaries by
// Recover.
package contract

import (
	goerrors "errors"
	"fmt"
	"runtime"

	"github.com/grailbio/base/errors"
)

// TestCalldepth may be overriden by a user to add call depths to
// errors that are constructed by NewError. This is useful for
// testing that error messages capture the correct locations.
var TestCalldepth = 0

// Error is a contract violation. It wraps an underlying error with
// the location of the call that violated the contract.
type Error struct {
	Err  error
	File string
	Line int
}

// NewError creates a new contract violation at the given calldepth.
func NewError(calldepth int, err error) *Error {
	e := &Error{Err: err}
	var ok bool
	_, e.File, e.Line, ok = runtime.Caller(calldepth + 1 + TestCalldepth)
	if !ok {
		e.File = "<unknown>"
	}
	return e
}

// Errorf constructs a violation in the manner of fmt.Errorf.
func Errorf(calldepth int, format string, args ...interface{}) *Error {
	return NewError(calldepth+1, fmt.Errorf(format, args...))
}

// Panic constructs a violation and then panics with it.
func Panic(calldepth int, message string) {
	panic(NewError(calldepth+1, goerrors.New(message)))
}

// Panicf constructs a new formatted violation and then panics with
// it.
func Panicf(calldepth int, format string, args ...interface{}) {
	panic(Errorf(calldepth+1, format, args...))
}

// Error implements error.
func (err *Error) Error() string {
	return fmt.Sprintf("contract violation: %s:%d: %v", err.File, err.Line, err.Err)
}

// Recover converts a panicking contract violation into an error
// stored in *errp, with kind errors.Invalid and severity
// errors.Fatal. Other panics are propagated. Recover should only be
// used as a defer function:
//
//	defer contract.Recover(&err)
func Recover(errp *error) {
	e := recover()
	if e == nil {
		return
	}
	err, ok := e.(*Error)
	if !ok {
		panic(e)
	}
	*errp = errors.E(errors.Invalid, errors.Fatal, err)
}

// Is reports whether err is, or wraps, a contract violation.
func Is(err error) bool {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return true
		case *errors.Error:
			err = e.Err
		default:
			return false
		}
	}
	return false
}
