// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package device

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"
)

// A Stream is an in-order queue of asynchronous device operations.
// Operations enqueued on a stream run one at a time, in the order in
// which they were enqueued. A failed operation poisons the stream:
// subsequent operations are not run, and their events complete with
// the original failure.
//
// A Stream may be used by one goroutine at a time.
type Stream struct {
	dev *Device
	id  int

	mu   sync.Mutex
	tail *Event
}

// Device returns the device to which the stream belongs.
func (s *Stream) Device() *Device { return s.dev }

// ID returns the stream's device-unique identifier.
func (s *Stream) ID() int { return s.id }

// Enqueue enqueues the operation op on the stream, returning an
// event that completes when op has run. Errors and panics in op fail
// the event with a *Failure.
func (s *Stream) Enqueue(name string, op func() error) *Event {
	ev := newEvent(name)
	s.mu.Lock()
	prev := s.tail
	s.tail = ev
	s.mu.Unlock()
	go func() {
		if prev != nil {
			<-prev.done
			if prev.err != nil {
				ev.complete(prev.err)
				return
			}
		}
		ev.complete(s.run(name, op))
	}()
	return ev
}

// Sync returns an event that completes when all operations enqueued
// so far have completed.
func (s *Stream) Sync() *Event {
	return s.Enqueue("sync", func() error { return nil })
}

func (s *Stream) run(name string, op func() error) (err error) {
	s.dev.ops.Add(1)
	if s.dev.inject != nil {
		if err := s.dev.inject(name); err != nil {
			return s.failure(name, err)
		}
	}
	defer func() {
		if e := recover(); e != nil {
			log.Error.Printf("device %s: stream %d: %s: panic: %v\n%s", s.dev.name, s.id, name, e, debug.Stack())
			err = s.failure(name, fmt.Errorf("panic: %v", e))
		}
	}()
	if err := op(); err != nil {
		return s.failure(name, err)
	}
	return nil
}

func (s *Stream) failure(name string, err error) error {
	return errors.E(errors.Fatal, &Failure{Op: name, Stream: s.id, Err: err})
}

// Launch enqueues a kernel named name over n elements. The kernel
// body fn is invoked once per block with the half-open element range
// [lo, hi) that the block covers. Blocks execute concurrently, up to
// the device's number of execution units. The kernel fails if any
// block returns an error or panics; the remaining blocks are then
// abandoned. A launch over zero elements completes without running
// fn.
func (s *Stream) Launch(name string, n int, fn func(lo, hi int) error) *Event {
	return s.Enqueue(name, func() error {
		if n == 0 {
			return nil
		}
		g, ctx := errgroup.WithContext(context.Background())
		bs := s.dev.blockSize
		for lo := 0; lo < n; lo += bs {
			lo, hi := lo, lo+bs
			if hi > n {
				hi = n
			}
			if err := s.dev.units.Acquire(ctx, 1); err != nil {
				break
			}
			g.Go(func() (err error) {
				defer s.dev.units.Release(1)
				defer func() {
					if e := recover(); e != nil {
						err = fmt.Errorf("block [%d,%d): panic: %v", lo, hi, e)
					}
				}()
				return fn(lo, hi)
			})
		}
		return g.Wait()
	})
}
