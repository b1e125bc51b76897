// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transfer

import (
	"context"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/metrics"
	"github.com/grailbio/offload/schema"
	"github.com/grailbio/offload/soa"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

var electrons = schema.New(
	schema.Col("eta", float32(0)),
	schema.Col("phi", float32(0)),
	schema.Col("pt", float32(0)),
	schema.Col("author", uint16(0)),
)

type fixture struct {
	dev    *device.Device
	bundle *memory.Bundle
	copier *Copier
	scope  metrics.Scope
}

func newFixture(opts ...Option) *fixture {
	return newFixtureOn(device.Options{Memory: 1 << 20}, opts...)
}

func newFixtureOn(devOpts device.Options, opts ...Option) *fixture {
	f := new(fixture)
	f.dev = device.New(devOpts)
	f.bundle = memory.NewBundle(f.dev, 0)
	f.copier = New(f.dev.NewStream(), append(opts, Scope(&f.scope))...)
	return f
}

func (f *fixture) make(t *testing.T, s *schema.Schema, n int, m memory.Medium) *soa.Buffer {
	t.Helper()
	b, err := soa.Make(s, n, m, f.bundle.For(m))
	assert.NoError(t, err)
	return b
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	const N = 1000
	in := f.make(t, electrons, N, memory.Host)
	out := f.make(t, electrons, N, memory.Host)
	dev := f.make(t, electrons, N, memory.Device)

	fz := fuzz.NewWithSeed(42)
	for i := 0; i < 3; i++ {
		col := soa.Column[float32](in.View(), i)
		for j := range col {
			fz.Fuzz(&col[j])
		}
	}
	author := soa.Named[uint16](in.View(), "author")
	for j := range author {
		fz.Fuzz(&author[j])
	}

	assert.NoError(t, f.copier.Setup(dev.View()).Wait(ctx))
	assert.NoError(t, f.copier.Setup(out.View()).Wait(ctx))
	assert.NoError(t, f.copier.Copy(in.View(), dev.View()).Wait(ctx))
	assert.NoError(t, f.copier.Copy(dev.View(), out.View()).Wait(ctx))
	if !soa.Equal(in.View(), out.View()) {
		t.Error("round trip changed contents")
	}
	size := uint64(N * electrons.RowSize())
	expect.EQ(t, hostToDevice.Value(&f.scope), size)
	expect.EQ(t, deviceToHost.Value(&f.scope), size)
	expect.EQ(t, copies.Value(&f.scope), uint64(2))
	expect.EQ(t, largestCopy.Value(&f.scope), size)

	for _, b := range []*soa.Buffer{in, out, dev} {
		b.Release()
	}
	f.bundle.Close()
	expect.EQ(t, f.dev.InUse(), int64(0))
}

func TestLayoutMismatch(t *testing.T) {
	var ran bool
	f := newFixtureOn(device.Options{Inject: func(string) error {
		ran = true
		return nil
	}})
	a := f.make(t, electrons, 10, memory.Host)
	short := f.make(t, electrons, 9, memory.Device)
	other := f.make(t, schema.New(schema.Col("eta", float64(0))), 10, memory.Device)
	for _, dst := range []*soa.Buffer{short, other} {
		func() {
			defer func() {
				if _, ok := recover().(*contract.Error); !ok {
					t.Error("expected contract violation")
				}
			}()
			f.copier.Copy(a.View(), dst.View())
		}()
	}
	if ran {
		t.Error("operation issued despite layout mismatch")
	}
}

func TestZeroSize(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	host := f.make(t, electrons, 0, memory.Host)
	dev := f.make(t, electrons, 0, memory.Device)
	assert.NoError(t, f.copier.Setup(dev.View()).Wait(ctx))
	assert.NoError(t, f.copier.Copy(host.View(), dev.View()).Wait(ctx))
	assert.NoError(t, f.copier.Copy(dev.View(), host.View()).Wait(ctx))
	expect.EQ(t, copies.Value(&f.scope), uint64(0))
	expect.EQ(t, f.dev.InUse(), int64(0))
}

func TestSetupClears(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	host := f.make(t, electrons, 4, memory.Host)
	dev := f.make(t, electrons, 4, memory.Device)
	for i := range soa.Column[float32](host.View(), 0) {
		soa.Column[float32](host.View(), 0)[i] = 1
	}
	assert.NoError(t, f.copier.Copy(host.View(), dev.View()).Wait(ctx))
	assert.NoError(t, f.copier.Setup(dev.View()).Wait(ctx))
	assert.NoError(t, f.copier.Copy(dev.View(), host.View()).Wait(ctx))
	for _, x := range soa.Column[float32](host.View(), 0) {
		if x != 0 {
			t.Fatalf("device storage not cleared: %v", x)
		}
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	f := newFixture(Verify(true))
	buf := f.make(t, schema.New(schema.Col("x", int32(0))), 4, memory.Host)
	x := soa.Column[int32](buf.View(), 0)
	copy(x, []int32{1, 2, 3, 4})
	// Overlapping views: the copy clobbers its own source.
	err := f.copier.Copy(buf.View().Slice(0, 3), buf.View().Slice(1, 4)).Wait(ctx)
	failure, ok := device.AsFailure(err)
	if !ok {
		t.Fatalf("expected device failure, got %v", err)
	}
	if !errors.Is(errors.Integrity, failure.Err) {
		t.Errorf("expected integrity error, got %v", failure.Err)
	}
}

func TestReleasedDuringCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	host := f.make(t, electrons, 4, memory.Host)
	dev := f.make(t, electrons, 4, memory.Device)
	block := make(chan struct{})
	f.copier.Stream().Enqueue("block", func() error {
		<-block
		return nil
	})
	ev := f.copier.Copy(host.View(), dev.View())
	host.Release()
	close(block)
	if err := ev.Wait(ctx); !device.IsFailure(err) {
		t.Errorf("expected device failure, got %v", err)
	}
}
