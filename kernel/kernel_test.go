// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"context"
	"math"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/flatten"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/schema"
	"github.com/grailbio/offload/soa"
	"github.com/grailbio/offload/transfer"
	"github.com/grailbio/testutil/assert"
)

type env struct {
	t      *testing.T
	bundle *memory.Bundle
	stream *device.Stream
	copier *transfer.Copier
}

func newEnv(t *testing.T) *env {
	dev := device.New(device.Options{BlockSize: 3})
	s := dev.NewStream()
	return &env{t, memory.NewBundle(dev, 0), s, transfer.New(s)}
}

func (e *env) buffer(s *schema.Schema, n int, m memory.Medium) *soa.Buffer {
	e.t.Helper()
	b, err := soa.Make(s, n, m, e.bundle.For(m))
	assert.NoError(e.t, err)
	return b
}

// upload copies host columns into a new device buffer.
func (e *env) upload(s *schema.Schema, n int, fill func(v soa.View)) *soa.Buffer {
	e.t.Helper()
	host := e.buffer(s, n, memory.Host)
	defer host.Release()
	fill(host.View())
	dev := e.buffer(s, n, memory.Device)
	assert.NoError(e.t, e.copier.Copy(host.View(), dev.View()).Wait(context.Background()))
	return dev
}

func (e *env) download(dev *soa.Buffer) *soa.Buffer {
	e.t.Helper()
	host := e.buffer(dev.Schema(), dev.Len(), memory.Host)
	assert.NoError(e.t, e.copier.Copy(dev.View(), host.View()).Wait(context.Background()))
	return host
}

func (e *env) wait(ev *device.Event) {
	e.t.Helper()
	assert.NoError(e.t, ev.Wait(context.Background()))
}

func TestLinearTransform(t *testing.T) {
	e := newEnv(t)
	const N = 10
	in := e.upload(ValueSchema, N, func(v soa.View) {
		for i := range soa.Column[float32](v, 0) {
			soa.Column[float32](v, 0)[i] = float32(i)
		}
	})
	out := e.buffer(ValueSchema, N, memory.Device)
	e.wait(LinearTransform(e.stream, 2, 1, in.View(), out.View()))
	got := soa.Column[float32](e.download(out).View(), 0)
	for i := range got {
		if want := float32(2*i + 1); got[i] != want {
			t.Errorf("element %d: got %v, want %v", i, got[i], want)
		}
	}
}

func TestCalibrateElectrons(t *testing.T) {
	e := newEnv(t)
	in := e.upload(ElectronSchema, 2, func(v soa.View) {
		copy(soa.Column[float32](v, ElectronEta), []float32{1.5, -0.5})
		copy(soa.Column[float32](v, ElectronPhi), []float32{3.1, 0})
		copy(soa.Column[float32](v, ElectronPt), []float32{10, 20})
		copy(soa.Column[uint16](v, ElectronAuthor), []uint16{1, 2})
	})
	out := e.buffer(ElectronSchema, 2, memory.Device)
	calib := Calibration{EtaShift: 0.1, PhiShift: 0.1, PtScale: 2, AuthorScale: map[uint16]float32{2: 0.5}}
	e.wait(CalibrateElectrons(e.stream, calib, in.View(), out.View()))
	host := e.download(out).View()
	if got, want := soa.Column[float32](host, ElectronEta), []float32{1.6, -0.4}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := soa.Column[float32](host, ElectronPt), []float32{20, 20}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := soa.Column[uint16](host, ElectronAuthor), []uint16{1, 2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	phi := soa.Column[float32](host, ElectronPhi)
	if phi[0] > 0 || phi[0] <= -math.Pi {
		t.Errorf("phi %v not wrapped", phi[0])
	}
	// The input is left unchanged.
	if got, want := soa.Column[float32](e.download(in).View(), ElectronEta), []float32{1.5, -0.5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestExclusiveScan(t *testing.T) {
	e := newEnv(t)
	counts := e.upload(flatten.CountSchema, 3, func(v soa.View) {
		copy(soa.Column[uint32](v, 0), []uint32{2, 0, 3})
	})
	offsets := e.buffer(OffsetSchema, 4, memory.Device)
	e.wait(ExclusiveScan(e.stream, counts.View(), offsets.View()))
	if got, want := soa.Column[uint32](e.download(offsets).View(), 0), []uint32{0, 2, 2, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	empty := e.buffer(flatten.CountSchema, 0, memory.Device)
	one := e.buffer(OffsetSchema, 1, memory.Device)
	e.wait(ExclusiveScan(e.stream, empty.View(), one.View()))
	if got, want := soa.Column[uint32](e.download(one).View(), 0), []uint32{0}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestJetPull(t *testing.T) {
	e := newEnv(t)
	jets := e.upload(KinematicsSchema, 3, func(v soa.View) {
		copy(soa.Column[float32](v, Pt), []float32{10, 5, 0})
		copy(soa.Column[float32](v, Eta), []float32{0, 1, 0})
		copy(soa.Column[float32](v, Phi), []float32{3, 0, 0})
	})
	offsets := e.upload(OffsetSchema, 4, func(v soa.View) {
		copy(soa.Column[uint32](v, 0), []uint32{0, 2, 2, 3})
	})
	constituents := e.upload(KinematicsSchema, 3, func(v soa.View) {
		copy(soa.Column[float32](v, Pt), []float32{6, 4, 1})
		copy(soa.Column[float32](v, Eta), []float32{0.3, 0, 1})
		copy(soa.Column[float32](v, Phi), []float32{-3.1, 3, 1})
	})
	out := e.buffer(PullSchema, 3, memory.Device)
	e.wait(JetPull(e.stream, jets.View(), offsets.View(), constituents.View(), out.View()))
	host := e.download(out).View()
	var (
		peta = soa.Column[float32](host, 0)
		pphi = soa.Column[float32](host, 1)
	)
	// Jet 0: the first constituent is across the ±π boundary.
	ry, rphi := 0.3, float64(float32(-3.1))-3+2*math.Pi
	w := 6 * math.Hypot(ry, rphi) / 10
	if got, want := float64(peta[0]), w*ry; math.Abs(got-want) > 1e-5 {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := float64(pphi[0]), w*rphi; math.Abs(got-want) > 1e-5 {
		t.Errorf("got %v, want %v", got, want)
	}
	// Jets with no constituents or no momentum have no pull.
	for _, j := range []int{1, 2} {
		if peta[j] != 0 || pphi[j] != 0 {
			t.Errorf("jet %d: unexpected pull (%v, %v)", j, peta[j], pphi[j])
		}
	}
}

func TestDispatchContract(t *testing.T) {
	e := newEnv(t)
	host := e.buffer(ValueSchema, 4, memory.Host)
	dev := e.buffer(ValueSchema, 4, memory.Device)
	short := e.buffer(ValueSchema, 3, memory.Device)
	for _, fn := range []func(){
		func() { LinearTransform(e.stream, 1, 0, host.View(), dev.View()) },
		func() { LinearTransform(e.stream, 1, 0, dev.View(), short.View()) },
		func() { CalibrateElectrons(e.stream, DefaultCalibration, dev.View(), dev.View()) },
	} {
		func() {
			defer func() {
				if _, ok := recover().(*contract.Error); !ok {
					t.Error("expected contract violation")
				}
			}()
			fn()
		}()
	}
}

func TestDeviceFailure(t *testing.T) {
	dev := device.New(device.Options{Inject: func(op string) error {
		if op == "linear-transform" {
			return errFailed
		}
		return nil
	}})
	bundle := memory.NewBundle(dev, 0)
	in, err := soa.Make(ValueSchema, 4, memory.Device, bundle.Device())
	assert.NoError(t, err)
	err = LinearTransform(dev.NewStream(), 1, 0, in.View(), in.View()).Wait(context.Background())
	if !device.IsFailure(err) {
		t.Errorf("expected device failure, got %v", err)
	}
}

var errFailed = errors.New("injected")

func TestRegistry(t *testing.T) {
	var pull PullFunc
	if !Lookup("jet-pull", &pull) {
		t.Fatal("failed to look up jet-pull")
	}
	var linear LinearFunc
	if Lookup("jet-pull", &linear) {
		t.Error("false lookup")
	}
	if !Lookup("linear-transform", &linear) {
		t.Error("failed to look up linear-transform")
	}
	if got, want := Names(), []string{"calibrate-electrons", "exclusive-scan", "jet-pull", "linear-transform"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWrapPhi(t *testing.T) {
	for _, c := range []struct{ in, want float64 }{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
	} {
		if got := WrapPhi(c.in); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("WrapPhi(%v): got %v, want %v", c.in, got, c.want)
		}
	}
}
