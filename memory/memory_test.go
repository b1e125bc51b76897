// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestBucket(t *testing.T) {
	for _, c := range []struct{ n, want int }{
		{1, 256}, {256, 256}, {257, 512}, {1000, 1024}, {1 << 20, 1 << 20},
		{1<<20 + 1, 1 << 21}, {1 << 62, 1 << 62},
	} {
		if got, want := bucket(c.n), c.want; got != want {
			t.Errorf("bucket(%d): got %v, want %v", c.n, got, want)
		}
	}
}

func TestOversizeAllocation(t *testing.T) {
	for _, r := range []Resource{
		NewHost(0),
		NewHost(1 << 20),
		NewPool("oversize", NewHost(1<<20)),
		NewSynchronized(NewPool("oversize", NewHost(0))),
		NewDevice(device.New(device.Options{Memory: 4096})),
	} {
		done := make(chan error, 1)
		go func() {
			_, err := r.Allocate(MaxAllocation + 1)
			done <- err
		}()
		select {
		case err := <-done:
			if !IsExhausted(err) {
				t.Errorf("%s: expected exhaustion, got %v", r.Medium(), err)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("%s: oversize allocation did not return", r.Medium())
		}
	}
}

func TestHostLimit(t *testing.T) {
	r := NewHost(1000)
	b, err := r.Allocate(600)
	assert.NoError(t, err)
	if got, want := len(b.Data), 600; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, err = r.Allocate(600)
	if !IsExhausted(err) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if got, want := errors.Recover(err).Severity, errors.Fatal; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	r.Deallocate(b)
	_, err = r.Allocate(600)
	assert.NoError(t, err)
	expect.EQ(t, r.InUse(), int64(600))
}

func TestDeviceDirect(t *testing.T) {
	dev := device.New(device.Options{Memory: 4096})
	r := NewDevice(dev)
	expect.EQ(t, r.Medium(), Device)
	b, err := r.Allocate(4096)
	assert.NoError(t, err)
	_, err = r.Allocate(1)
	if !IsExhausted(err) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	r.Deallocate(b)
	expect.EQ(t, dev.InUse(), int64(0))
}

func TestPoolReuse(t *testing.T) {
	up := NewHost(0)
	p := NewPool("test", up)
	a, err := p.Allocate(1000)
	assert.NoError(t, err)
	if got, want := a.Size(), 1000; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	p.Deallocate(a)
	// Smaller, same size class.
	b, err := p.Allocate(600)
	assert.NoError(t, err)
	if a != b {
		t.Error("block not reused")
	}
	if got, want := b.Size(), 600; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Next smaller class is served from the cache too.
	p.Deallocate(b)
	c, err := p.Allocate(300)
	assert.NoError(t, err)
	if c != a {
		t.Error("block not reused for smaller class")
	}
	stats := p.Stats()
	expect.EQ(t, stats["test.hits"], int64(2))
	expect.EQ(t, stats["test.misses"], int64(1))
	expect.EQ(t, up.InUse(), int64(1024))

	p.Deallocate(c)
	p.Release()
	expect.EQ(t, up.InUse(), int64(0))
	expect.EQ(t, p.Stats()["test.bytes.cached"], int64(0))
}

func TestPoolExhaustion(t *testing.T) {
	up := NewHost(2048)
	p := NewPool("test", up)
	a, err := p.Allocate(1024)
	assert.NoError(t, err)
	b, err := p.Allocate(1024)
	assert.NoError(t, err)
	p.Deallocate(a)
	// The cached 1K block cannot serve a 2K request, and upstream has
	// nothing left until the cache is trimmed.
	_, err = p.Allocate(2048)
	if !IsExhausted(err) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	p.Deallocate(b)
	c, err := p.Allocate(2048)
	assert.NoError(t, err)
	expect.EQ(t, c.Size(), 2048)
	expect.EQ(t, p.Outstanding(), 1)
	if got := p.Stats()["test.trims"]; got == 0 {
		t.Error("expected cache trim")
	}
}

func TestPoolZero(t *testing.T) {
	up := NewHost(1)
	p := NewPool("test", up)
	b, err := p.Allocate(0)
	assert.NoError(t, err)
	expect.EQ(t, b.Size(), 0)
	p.Deallocate(b)
	expect.EQ(t, up.InUse(), int64(0))
}

func TestPoolForeignBlock(t *testing.T) {
	p := NewPool("test", NewHost(0))
	b, err := NewHost(0).Allocate(10)
	assert.NoError(t, err)
	defer func() {
		if _, ok := recover().(*contract.Error); !ok {
			t.Error("expected contract violation")
		}
	}()
	p.Deallocate(b)
}

func TestSynchronized(t *testing.T) {
	up := NewHost(0)
	r := NewSynchronized(NewPool("test", up))
	var wg sync.WaitGroup
	const N = 32
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b, err := r.Allocate(1 + (i*j)%4000)
				if err != nil {
					t.Error(err)
					return
				}
				b.Data[0] = byte(i)
				r.Deallocate(b)
			}
		}(i)
	}
	wg.Wait()
	r.Do(func(res Resource) {
		expect.EQ(t, res.(*Pool).Outstanding(), 0)
	})
}

func TestBundle(t *testing.T) {
	dev := device.New(device.Options{Memory: 1 << 20})
	b := NewBundle(dev, 0)
	expect.EQ(t, b.Host().Medium(), Host)
	expect.EQ(t, b.Device().Medium(), Device)
	expect.EQ(t, b.For(Device), b.Device())

	blk, err := b.Device().Allocate(100)
	assert.NoError(t, err)
	b.Device().Deallocate(blk)
	if got, want := dev.InUse(), int64(256); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	expect.EQ(t, b.Stats()["device.pool.misses"], int64(1))
	b.Close()
	b.Close()
	if got, want := dev.InUse(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
