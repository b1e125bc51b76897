// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transfer moves structure-of-arrays data between host and
// device memory. A Copier issues asynchronous setup and copy
// operations on a device stream; each returns an event that must be
// waited on before the destination is read or either endpoint is
// released.
package transfer

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/metrics"
	"github.com/grailbio/offload/soa"
)

var (
	hostToDevice   = metrics.NewCounter("transfer.bytes.h2d")
	deviceToHost   = metrics.NewCounter("transfer.bytes.d2h")
	deviceToDevice = metrics.NewCounter("transfer.bytes.d2d")
	hostToHost     = metrics.NewCounter("transfer.bytes.h2h")
	copies         = metrics.NewCounter("transfer.copies")
	largestCopy    = metrics.NewGauge("transfer.bytes.largest")
)

// Direction is the direction of a copy.
type Direction int

const (
	HostToHost Direction = iota
	HostToDevice
	DeviceToHost
	DeviceToDevice
)

var directions = [...]string{
	HostToHost:     "h2h",
	HostToDevice:   "h2d",
	DeviceToHost:   "d2h",
	DeviceToDevice: "d2d",
}

// String returns a short name for the direction.
func (d Direction) String() string { return directions[d] }

func (d Direction) counter() metrics.Counter {
	switch d {
	case HostToDevice:
		return hostToDevice
	case DeviceToHost:
		return deviceToHost
	case DeviceToDevice:
		return deviceToDevice
	default:
		return hostToHost
	}
}

// DirectionOf returns the direction of a copy from src to dst.
func DirectionOf(src, dst soa.View) Direction {
	switch {
	case src.Medium() == memory.Host && dst.Medium() == memory.Device:
		return HostToDevice
	case src.Medium() == memory.Device && dst.Medium() == memory.Host:
		return DeviceToHost
	case src.Medium() == memory.Device:
		return DeviceToDevice
	default:
		return HostToHost
	}
}

// An Option configures a Copier.
type Option func(*Copier)

// Verify configures a copier to checksum the source and destination
// of every copy, failing copies whose contents differ with an error
// of kind errors.Integrity.
func Verify(verify bool) Option {
	return func(c *Copier) { c.verify = verify }
}

// Scope configures a copier to record its metrics in scope.
func Scope(scope *metrics.Scope) Option {
	return func(c *Copier) { c.scope = scope }
}

// A Copier issues setup and copy operations on a single stream. All
// operations issued by a copier execute in issue order.
type Copier struct {
	stream *device.Stream
	verify bool
	scope  *metrics.Scope
}

// New returns a new copier issuing operations on the provided
// stream.
func New(stream *device.Stream, opts ...Option) *Copier {
	c := &Copier{stream: stream}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stream returns the stream on which the copier issues operations.
func (c *Copier) Stream() *device.Stream { return c.stream }

// Setup prepares the storage described by v to be the destination of
// copies. Device storage is cleared; host storage needs no
// preparation and the returned event is already complete.
func (c *Copier) Setup(v soa.View) *device.Event {
	if v.Medium() == memory.Host || v.Empty() {
		return device.Completed("setup", nil)
	}
	return c.stream.Enqueue("setup", func() error {
		soa.Zero(v)
		return nil
	})
}

// Copy copies the contents of src to dst, column by column. The two
// views must have the same length and the same column types; Copy
// panics with a contract violation otherwise, before issuing any
// operation. Copies of empty views complete immediately.
func (c *Copier) Copy(src, dst soa.View) *device.Event {
	if !soa.SameLayout(src, dst) {
		contract.Panicf(1, "transfer: copy from %s to %s: layouts differ", src, dst)
	}
	dir := DirectionOf(src, dst)
	name := "copy " + dir.String()
	if src.Empty() {
		return device.Completed(name, nil)
	}
	return c.stream.Enqueue(name, func() error {
		var n int
		for i := 0; i < src.NumOut(); i++ {
			n += len(src.Bytes(i))
		}
		err := traverse.Each(src.NumOut(), func(i int) error {
			copy(dst.Bytes(i), src.Bytes(i))
			return nil
		})
		if err != nil {
			return err
		}
		if c.verify {
			if got, want := soa.Checksum(dst), soa.Checksum(src); got != want {
				return errors.E(errors.Integrity,
					fmt.Sprintf("%s: destination checksum %x does not match source %x", name, got, want))
			}
		}
		dir.counter().Incr(c.scope, n)
		copies.Incr(c.scope, 1)
		largestCopy.Observe(c.scope, n)
		return nil
	})
}
