// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package memory implements the memory resources from which host and
// device buffers are allocated. Resources are layered: a direct
// resource obtains memory from its medium (the Go heap, or a
// device); a Pool caches deallocated blocks for reuse; and
// Synchronized makes a resource safe for concurrent use. A Bundle
// owns one such stack per medium for the lifetime of a pipeline.
package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/device"
)

// Medium is the storage medium on which memory resides.
type Medium int

const (
	// Host memory is directly addressable by host code.
	Host Medium = iota
	// Device memory may only be accessed by device operations.
	Device
)

var media = [...]string{
	Host:   "host",
	Device: "device",
}

// String returns the medium's name.
func (m Medium) String() string {
	if m < 0 || int(m) >= len(media) {
		return fmt.Sprintf("medium(%d)", int(m))
	}
	return media[m]
}

// A Block is a contiguous region of memory allocated from a
// Resource. Blocks are returned to the resource that allocated them.
type Block struct {
	// Data holds the block's bytes. Its length is the size that was
	// requested; its contents are uninitialized.
	Data []byte

	medium Medium
	// buf is the full underlying allocation, which may be larger than
	// Data when the block was served from a pool bucket.
	buf []byte
}

// Medium returns the medium on which the block resides.
func (b *Block) Medium() Medium { return b.medium }

// Size returns the block's usable size in bytes.
func (b *Block) Size() int { return len(b.Data) }

// A Resource allocates and deallocates blocks of memory on a single
// medium.
type Resource interface {
	// Allocate returns a block of exactly size bytes. Allocate never
	// returns a smaller block; on failure it returns an error for
	// which IsExhausted is true.
	Allocate(size int) (*Block, error)
	// Deallocate returns a block to the resource. The block must have
	// been allocated by this resource and not yet deallocated.
	Deallocate(*Block)
	// Medium returns the medium of the blocks allocated by the
	// resource.
	Medium() Medium
}

// ExhaustedError is the error returned when a resource cannot
// satisfy an allocation.
type ExhaustedError struct {
	Medium    Medium
	Requested int
	// Available is the number of bytes the resource could have
	// provided.
	Available int64
	// Err is the medium's own error, if any.
	Err error
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("%s memory exhausted: requested %s, available %s",
		e.Medium, data.Size(e.Requested), data.Size(e.Available))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// MaxAllocation is the largest block any resource will attempt to
// allocate. Larger requests fail with an exhaustion error.
const MaxAllocation = 1 << 62

// Exhausted returns the exhaustion error reported when size bytes
// cannot be allocated on medium.
func Exhausted(medium Medium, size int, available int64) error {
	return exhausted(medium, size, available, nil)
}

func exhausted(medium Medium, requested int, available int64, cause error) error {
	return errors.E(errors.Fatal, &ExhaustedError{
		Medium:    medium,
		Requested: requested,
		Available: available,
		Err:       cause,
	})
}

// IsExhausted reports whether err reports a resource exhaustion.
func IsExhausted(err error) bool {
	for err != nil {
		if device.IsOutOfMemory(err) {
			return true
		}
		switch e := err.(type) {
		case *ExhaustedError:
			return true
		case *errors.Error:
			err = e.Err
		default:
			return false
		}
	}
	return false
}

// Direct is a resource that allocates directly from its medium.
// Direct resources are safe for concurrent use.
type Direct struct {
	medium Medium
	limit  int64
	dev    *device.Device

	inuse int64

	mu   sync.Mutex
	live map[*Block]struct{}
}

// NewHost returns a direct host resource. If limit is positive, the
// resource fails allocations that would bring the number of bytes
// in use above limit.
func NewHost(limit int64) *Direct {
	return &Direct{medium: Host, limit: limit, live: make(map[*Block]struct{})}
}

// NewDevice returns a direct resource allocating memory on the
// provided device.
func NewDevice(dev *device.Device) *Direct {
	return &Direct{medium: Device, dev: dev, live: make(map[*Block]struct{})}
}

// Medium implements Resource.
func (d *Direct) Medium() Medium { return d.medium }

// InUse returns the number of bytes currently allocated from the
// resource.
func (d *Direct) InUse() int64 { return atomic.LoadInt64(&d.inuse) }

// Allocate implements Resource.
func (d *Direct) Allocate(size int) (*Block, error) {
	if size < 0 {
		contract.Panicf(1, "%s: negative allocation %d", d.medium, size)
	}
	if size > MaxAllocation {
		return nil, exhausted(d.medium, size, 0, nil)
	}
	var buf []byte
	switch d.medium {
	case Host:
		if n := atomic.AddInt64(&d.inuse, int64(size)); d.limit > 0 && n > d.limit {
			atomic.AddInt64(&d.inuse, -int64(size))
			return nil, exhausted(Host, size, d.limit-(n-int64(size)), nil)
		}
		buf = make([]byte, size)
	case Device:
		var err error
		buf, err = d.dev.Malloc(size)
		if err != nil {
			return nil, exhausted(Device, size, d.dev.Available(), err)
		}
		atomic.AddInt64(&d.inuse, int64(size))
	}
	b := &Block{Data: buf, buf: buf, medium: d.medium}
	d.mu.Lock()
	d.live[b] = struct{}{}
	d.mu.Unlock()
	return b, nil
}

// Deallocate implements Resource.
func (d *Direct) Deallocate(b *Block) {
	d.mu.Lock()
	_, ok := d.live[b]
	delete(d.live, b)
	d.mu.Unlock()
	if !ok {
		contract.Panicf(1, "%s: deallocation of a block not allocated by this resource", d.medium)
	}
	atomic.AddInt64(&d.inuse, -int64(len(b.buf)))
	if d.medium == Device {
		d.dev.Free(b.buf)
	}
	b.Data, b.buf = nil, nil
}

// Synchronized wraps a resource so that it is safe for concurrent
// use.
type Synchronized struct {
	mu       sync.Mutex
	upstream Resource
}

// NewSynchronized returns a resource that serializes access to
// upstream.
func NewSynchronized(upstream Resource) *Synchronized {
	return &Synchronized{upstream: upstream}
}

// Medium implements Resource.
func (s *Synchronized) Medium() Medium { return s.upstream.Medium() }

// Allocate implements Resource.
func (s *Synchronized) Allocate(size int) (*Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream.Allocate(size)
}

// Deallocate implements Resource.
func (s *Synchronized) Deallocate(b *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstream.Deallocate(b)
}

// Do calls fn with exclusive access to the upstream resource.
func (s *Synchronized) Do(fn func(Resource)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.upstream)
}
