// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package contract

import (
	goerrors "errors"
	"runtime"
	"testing"

	"github.com/grailbio/base/errors"
)

func errorCaller(calldepth int, err error) (e *Error, file string, line int) {
	_, file, line, ok := runtime.Caller(calldepth + 1)
	if !ok {
		panic("not ok")
	}
	return NewError(calldepth+1, err), file, line
}

func TestError(t *testing.T) {
	e := goerrors.New("layout mismatch")
	err, file, line := errorCaller(1, e)
	if got, want := err.Err, e; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := file, err.File; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := line, err.Line; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func violate() (err error) {
	defer Recover(&err)
	Panicf(0, "column %d: %s", 1, "bad")
	return nil
}

func TestRecover(t *testing.T) {
	err := violate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("error %v is not invalid", err)
	}
	if !Is(err) {
		t.Errorf("error %v is not a contract violation", err)
	}
	if Is(goerrors.New("other")) {
		t.Error("plain error reported as contract violation")
	}
}

func TestRecoverPropagates(t *testing.T) {
	defer func() {
		if e := recover(); e != "other" {
			t.Errorf("got %v, want other", e)
		}
	}()
	var err error
	func() {
		defer Recover(&err)
		panic("other")
	}()
}
