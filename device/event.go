// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// An Event signals the completion of an asynchronous device
// operation. A completed event carries the operation's error, if any.
// Completion of an event guarantees the visibility of the effects of
// its own operation, and of every operation enqueued before it on the
// same stream.
type Event struct {
	name string
	done chan struct{}
	err  error
}

func newEvent(name string) *Event {
	return &Event{name: name, done: make(chan struct{})}
}

// Completed returns an event that has already completed with the
// provided error.
func Completed(name string, err error) *Event {
	e := newEvent(name)
	e.complete(err)
	return e
}

func (e *Event) complete(err error) {
	e.err = err
	close(e.done)
}

// Name returns the name of the operation signalled by the event.
func (e *Event) Name() string { return e.name }

// Done returns a channel that is closed when the event completes.
func (e *Event) Done() <-chan struct{} { return e.done }

// Wait blocks until the event completes or the context is done. It
// returns the operation's error, or the context's error if the
// context completed first. A context error does not cancel the
// operation: it remains in flight and the memory it touches must not
// be released until Wait returns without a context error.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the operation's error. Err returns nil if the event
// has not yet completed.
func (e *Event) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// String returns the event's name and completion status.
func (e *Event) String() string {
	select {
	case <-e.done:
		if e.err != nil {
			return fmt.Sprintf("%s: %v", e.name, e.err)
		}
		return e.name + ": done"
	default:
		return e.name + ": pending"
	}
}

// WaitAll waits for all of the provided events, returning the first
// error encountered. Nil events are skipped.
func WaitAll(ctx context.Context, events ...*Event) error {
	var first error
	for _, e := range events {
		if e == nil {
			continue
		}
		if err := e.Wait(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Failure is a device execution failure: an operation that the
// device could not complete.
type Failure struct {
	// Op is the name of the failed operation.
	Op string
	// Stream is the id of the stream on which it ran.
	Stream int
	Err    error
}

// Error implements error.
func (f *Failure) Error() string {
	return fmt.Sprintf("stream %d: %s: %v", f.Stream, f.Op, f.Err)
}

// IsFailure reports whether err is, or wraps, a device execution
// failure.
func IsFailure(err error) bool {
	_, ok := AsFailure(err)
	return ok
}

// AsFailure returns the device execution failure wrapped by err, if
// any.
func AsFailure(err error) (*Failure, bool) {
	for err != nil {
		switch e := err.(type) {
		case *Failure:
			return e, true
		case *errors.Error:
			err = e.Err
		default:
			return nil, false
		}
	}
	return nil, false
}

// IsOutOfMemory reports whether err wraps ErrOutOfMemory.
func IsOutOfMemory(err error) bool {
	for err != nil {
		if err == ErrOutOfMemory {
			return true
		}
		e, ok := err.(*errors.Error)
		if !ok {
			return false
		}
		err = e.Err
	}
	return false
}
