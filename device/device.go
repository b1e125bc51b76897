// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package device implements the accelerator on which offloaded
// computation runs. A Device has a bounded memory, distinct from host
// memory, and a bounded number of execution units. Work is submitted
// to a device through Streams: operations enqueued on the same stream
// execute asynchronously in submission order, and each returns an
// Event that signals its completion.
//
// The device is realized in-process: device memory is allocated from
// the Go heap and accounted against the device's capacity, and kernel
// blocks run on goroutines gated by the device's execution units.
// Device memory must only be touched by operations enqueued on a
// stream.
package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/stats"
	"golang.org/x/sync/semaphore"
)

// ErrOutOfMemory is returned (wrapped) by Malloc when the device
// cannot satisfy an allocation.
var ErrOutOfMemory = errors.New("device out of memory")

// Options configures a Device.
type Options struct {
	// Name identifies the device in logs, traces and status output.
	Name string
	// Memory is the device's memory capacity in bytes.
	Memory int64
	// Units is the number of kernel blocks that may execute
	// concurrently.
	Units int
	// BlockSize is the number of elements processed by each kernel
	// block.
	BlockSize int
	// Inject, if non-nil, is called before each enqueued operation
	// executes, with the operation's name. A non-nil error fails the
	// operation as if the device had failed to execute it.
	Inject func(op string) error
}

// DefaultOptions is the device configuration used when no other is
// given.
var DefaultOptions = Options{
	Name:      "device0",
	Memory:    1 << 30,
	Units:     8,
	BlockSize: 256,
}

// Device is an accelerator with its own memory and execution units.
type Device struct {
	name      string
	capacity  int64
	blockSize int
	inject    func(string) error

	mem   *semaphore.Weighted
	units *limiter.Limiter

	stats  *stats.Map
	inuse  *stats.Int
	peak   *stats.Int
	allocs *stats.Int
	ops    *stats.Int

	nstream int64

	mu   sync.Mutex
	live map[unsafe.Pointer]int
}

// New returns a new device configured by opts. Zero-valued options
// are taken from DefaultOptions.
func New(opts Options) *Device {
	if opts.Name == "" {
		opts.Name = DefaultOptions.Name
	}
	if opts.Memory <= 0 {
		opts.Memory = DefaultOptions.Memory
	}
	if opts.Units <= 0 {
		opts.Units = DefaultOptions.Units
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultOptions.BlockSize
	}
	d := &Device{
		name:      opts.Name,
		capacity:  opts.Memory,
		blockSize: opts.BlockSize,
		inject:    opts.Inject,
		mem:       semaphore.NewWeighted(opts.Memory),
		units:     limiter.New(),
		stats:     stats.NewMap(opts.Name),
		live:      make(map[unsafe.Pointer]int),
	}
	d.units.Release(opts.Units)
	d.inuse = d.stats.Int("bytes.inuse")
	d.peak = d.stats.Int("bytes.peak")
	d.allocs = d.stats.Int("allocs")
	d.ops = d.stats.Int("ops")
	log.Debug.Printf("device %s: %s memory, %d units", d.name, data.Size(opts.Memory), opts.Units)
	return d
}

// Name returns the device's name.
func (d *Device) Name() string { return d.name }

// Capacity returns the device's memory capacity in bytes.
func (d *Device) Capacity() int64 { return d.capacity }

// InUse returns the number of device memory bytes currently
// allocated.
func (d *Device) InUse() int64 { return d.inuse.Get() }

// Stats returns a snapshot of the device's counters.
func (d *Device) Stats() stats.Values { return d.stats.Snapshot() }

// String returns a short description of the device.
func (d *Device) String() string {
	return fmt.Sprintf("%s(%s/%s)", d.name, data.Size(d.InUse()), data.Size(d.capacity))
}

// Malloc allocates n bytes of device memory. The returned slice has
// length and capacity n. Malloc fails with an error wrapping
// ErrOutOfMemory if the device does not have n bytes available; it
// never returns less than requested. Allocating zero bytes returns
// an empty slice without consuming device memory.
func (d *Device) Malloc(n int) ([]byte, error) {
	if n < 0 {
		contract.Panicf(1, "device %s: negative allocation %d", d.name, n)
	}
	if n == 0 {
		return []byte{}, nil
	}
	if !d.mem.TryAcquire(int64(n)) {
		return nil, errors.E(errors.Fatal,
			fmt.Sprintf("device %s: allocate %s: %s in use of %s",
				d.name, data.Size(n), data.Size(d.InUse()), data.Size(d.capacity)),
			ErrOutOfMemory)
	}
	p := make([]byte, n)
	d.mu.Lock()
	d.live[unsafe.Pointer(&p[0])] = n
	d.mu.Unlock()
	d.allocs.Add(1)
	d.peak.Max(d.inuse.Add(int64(n)))
	return p, nil
}

// Free returns device memory allocated by Malloc. Freeing memory not
// allocated by this device, or freeing it twice, is a contract
// violation.
func (d *Device) Free(p []byte) {
	if cap(p) == 0 {
		return
	}
	key := unsafe.Pointer(&p[:1][0])
	d.mu.Lock()
	n, ok := d.live[key]
	delete(d.live, key)
	d.mu.Unlock()
	if !ok {
		contract.Panicf(1, "device %s: free of memory not allocated by the device", d.name)
	}
	d.inuse.Add(-int64(n))
	d.mem.Release(int64(n))
}

// Available returns the number of bytes that could currently be
// allocated.
func (d *Device) Available() int64 {
	return d.capacity - d.InUse()
}

// NewStream returns a new stream on the device.
func (d *Device) NewStream() *Stream {
	return &Stream{dev: d, id: int(atomic.AddInt64(&d.nstream, 1))}
}
