// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package memory

import (
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/stats"
)

// A Bundle owns the memory resources used by a pipeline: for each
// medium, a direct resource, a pool over it, and a synchronized
// wrapper over the pool. Bundles are constructed host-first and torn
// down in the reverse order. Only the synchronized resources are
// handed out; they may be shared by concurrent invocations.
type Bundle struct {
	hostDirect *Direct
	hostPool   *Pool
	host       *Synchronized

	deviceDirect *Direct
	devicePool   *Pool
	device       *Synchronized

	once sync.Once
}

// NewBundle constructs the resources for the provided device. If
// hostLimit is positive, it bounds the number of bytes of host
// memory the bundle may hold.
func NewBundle(dev *device.Device, hostLimit int64) *Bundle {
	b := new(Bundle)
	b.hostDirect = NewHost(hostLimit)
	b.hostPool = NewPool("host.pool", b.hostDirect)
	b.host = NewSynchronized(b.hostPool)
	b.deviceDirect = NewDevice(dev)
	b.devicePool = NewPool("device.pool", b.deviceDirect)
	b.device = NewSynchronized(b.devicePool)
	return b
}

// Host returns the bundle's shared host resource.
func (b *Bundle) Host() Resource { return b.host }

// Device returns the bundle's shared device resource.
func (b *Bundle) Device() Resource { return b.device }

// For returns the bundle's shared resource for the given medium.
func (b *Bundle) For(m Medium) Resource {
	if m == Device {
		return b.device
	}
	return b.host
}

// Stats returns a snapshot of the bundle's pool counters.
func (b *Bundle) Stats() stats.Values {
	vals := make(stats.Values)
	b.host.Do(func(Resource) { b.hostPool.stats.AddAll(vals) })
	b.device.Do(func(Resource) { b.devicePool.stats.AddAll(vals) })
	return vals
}

// Close releases the bundle's cached memory, device first. Blocks
// still allocated at Close are leaked to the garbage collector (host)
// or remain accounted against the device. Close is idempotent.
func (b *Bundle) Close() {
	b.once.Do(func() {
		for _, s := range []*Synchronized{b.device, b.host} {
			s.Do(func(r Resource) {
				p := r.(*Pool)
				if n := p.Outstanding(); n > 0 {
					log.Error.Printf("memory: closing %s pool with %d blocks outstanding", p.Medium(), n)
				}
				p.Release()
			})
		}
	})
}
