// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package offload

import (
	"bytes"
	"context"
	"reflect"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/edm"
	"github.com/grailbio/offload/internal/trace"
	"github.com/grailbio/offload/kernel"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/soa"
	"github.com/grailbio/offload/store"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

var fullSequence = []State{
	Idle, Acquired, Staged, TransferringIn, Computing,
	TransferringOut, Materializing, Published,
}

// linear is a step computing x' = 2x + 1 over the "x" attribute of
// its input, copying other attributes unchanged.
func linear(inv *Invocation) error {
	in, err := inv.Acquire()
	if err != nil {
		return err
	}
	n := in.Len()
	if n == 0 {
		return inv.PublishEmpty(nil)
	}
	x, err := edm.Values[float32](in.Aux, "x")
	if err != nil {
		return err
	}
	host, err := inv.Buffer(kernel.ValueSchema, n, memory.Host)
	if err != nil {
		return err
	}
	copy(soa.Column[float32](host.View(), 0), x)
	inv.Stage()
	devIn, err := inv.Buffer(kernel.ValueSchema, n, memory.Device)
	if err != nil {
		return err
	}
	devOut, err := inv.Buffer(kernel.ValueSchema, n, memory.Device)
	if err != nil {
		return err
	}
	inv.Setup(devOut.View())
	inv.TransferIn(host.View(), devIn.View())
	inv.Compute(func(s *device.Stream) *device.Event {
		return kernel.LinearTransform(s, 2, 1, devIn.View(), devOut.View())
	})
	inv.TransferOut(devOut.View(), host.View())
	if err := inv.Materialize(); err != nil {
		return err
	}
	out := &edm.Container{Aux: in.Aux.Copy()}
	if err := out.Aux.Set("x", append([]float32(nil), soa.Column[float32](host.View(), 0)...)); err != nil {
		return err
	}
	return inv.Publish(out)
}

func makeEvent(t *testing.T, index uint64, x []float32) *store.Event {
	t.Helper()
	ev := store.NewEvent(index)
	c := edm.New(len(x))
	assert.NoError(t, c.Aux.Set("x", x))
	id := make([]uint32, len(x))
	for i := range id {
		id[i] = uint32(i) * 7
	}
	assert.NoError(t, c.Aux.Set("id", id))
	assert.NoError(t, ev.Record("Values", c))
	return ev
}

func setup(t *testing.T, opts ...Option) (*Runner, *Env) {
	t.Helper()
	r := Start(opts...)
	env, err := Initialize("linear", Keys{Input: "Values", Output: "TransformedValues"}, r)
	assert.NoError(t, err)
	return r, env
}

// capture wraps step so that the test can observe its invocation.
func capture(step Step, invp **Invocation) Step {
	return func(inv *Invocation) error {
		*invp = inv
		return step(inv)
	}
}

func TestExecute(t *testing.T) {
	r, env := setup(t)
	defer r.Shutdown(context.Background())
	ev := makeEvent(t, 0, []float32{0, 1.5, -2})
	var inv *Invocation
	assert.NoError(t, Execute(context.Background(), env, capture(linear, &inv), ev))
	expect.EQ(t, inv.History(), fullSequence)
	expect.EQ(t, inv.State(), Published)

	out, err := ev.Retrieve("TransformedValues")
	assert.NoError(t, err)
	x, err := edm.Values[float32](out.Aux, "x")
	assert.NoError(t, err)
	if got, want := x, []float32{1, 4, -3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// Attributes that are not computed are copied unchanged.
	id, err := edm.Values[uint32](out.Aux, "id")
	assert.NoError(t, err)
	if got, want := id, []uint32{0, 7, 14}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	// The input is left unchanged.
	in, _ := ev.Retrieve("Values")
	x, _ = edm.Values[float32](in.Aux, "x")
	if got, want := x, []float32{0, 1.5, -2}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	m := r.Metrics()
	expect.EQ(t, m["kernel.launches"], uint64(1))
	expect.EQ(t, m["transfer.bytes.h2d"], uint64(12))
	expect.EQ(t, m["transfer.bytes.d2h"], uint64(12))
}

func TestEmpty(t *testing.T) {
	r, env := setup(t)
	defer r.Shutdown(context.Background())
	ev := makeEvent(t, 3, nil)
	var inv *Invocation
	assert.NoError(t, Execute(context.Background(), env, capture(linear, &inv), ev))
	expect.EQ(t, inv.History(), []State{Idle, Acquired, Published})
	out, err := ev.Retrieve("TransformedValues")
	assert.NoError(t, err)
	expect.EQ(t, out.Len(), 0)
	expect.EQ(t, r.Metrics()["kernel.launches"], uint64(0))
}

func TestDeviceFailure(t *testing.T) {
	var failures int32 = 1
	opts := device.DefaultOptions
	opts.Inject = func(op string) error {
		if op == "linear-transform" && atomic.AddInt32(&failures, -1) >= 0 {
			return errors.New("injected failure")
		}
		return nil
	}
	r, env := setup(t, Device(opts))
	defer r.Shutdown(context.Background())

	ev := makeEvent(t, 0, []float32{1, 2, 3})
	var inv *Invocation
	err := Execute(context.Background(), env, capture(linear, &inv), ev)
	if !device.IsFailure(err) {
		t.Fatalf("expected device failure, got %v", err)
	}
	expect.EQ(t, inv.State(), Failed)
	expect.EQ(t, inv.History()[len(inv.History())-2], Materializing)
	if ev.Contains("TransformedValues") {
		t.Error("failed invocation published output")
	}
	// The shared pools remain usable by subsequent invocations.
	ev = makeEvent(t, 1, []float32{1, 2, 3})
	assert.NoError(t, Execute(context.Background(), env, linear, ev))
	expect.EQ(t, r.Stats()["runner.failed"], int64(1))
}

func TestContractViolation(t *testing.T) {
	r, env := setup(t)
	defer r.Shutdown(context.Background())
	for _, step := range []Step{
		// Compute on data that was never transferred.
		func(inv *Invocation) error {
			if _, err := inv.Acquire(); err != nil {
				return err
			}
			inv.Stage()
			inv.Compute(func(s *device.Stream) *device.Event { return s.Sync() })
			return nil
		},
		// Return before publishing.
		func(inv *Invocation) error {
			_, err := inv.Acquire()
			return err
		},
		// Publish empty output for a nonempty input.
		func(inv *Invocation) error {
			if _, err := inv.Acquire(); err != nil {
				return err
			}
			return inv.PublishEmpty(edm.New(2))
		},
	} {
		ev := makeEvent(t, 0, []float32{1})
		var inv *Invocation
		err := Execute(context.Background(), env, capture(step, &inv), ev)
		if !contract.Is(err) {
			t.Errorf("expected contract violation, got %v", err)
		}
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("expected invalid error, got %v", err)
		}
		expect.EQ(t, inv.State(), Failed)
		if ev.Contains("TransformedValues") {
			t.Error("failed invocation published output")
		}
	}
}

func TestExhausted(t *testing.T) {
	r, env := setup(t, HostMemory(1<<10))
	defer r.Shutdown(context.Background())
	ev := makeEvent(t, 0, make([]float32, 1<<10))
	var inv *Invocation
	err := Execute(context.Background(), env, capture(linear, &inv), ev)
	if !memory.IsExhausted(err) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	expect.EQ(t, inv.History(), []State{Idle, Acquired, Failed})
	assert.NoError(t, Execute(context.Background(), env, linear, makeEvent(t, 1, make([]float32, 16))))
}

func TestDrainAfterTimeout(t *testing.T) {
	release := make(chan struct{})
	opts := device.DefaultOptions
	opts.Inject = func(op string) error {
		if op == "linear-transform" {
			<-release
		}
		return nil
	}
	r, env := setup(t, Device(opts))
	defer r.Shutdown(context.Background())

	invc := make(chan *Invocation, 1)
	step := func(inv *Invocation) error {
		invc <- inv
		return linear(inv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	errc := make(chan error)
	go func() {
		errc <- Execute(ctx, env, step, makeEvent(t, 0, []float32{1, 2}))
	}()
	inv := <-invc
	state, err := inv.WaitState(context.Background(), Failed)
	assert.NoError(t, err)
	expect.EQ(t, state, Failed)
	// The invocation is failed, but its buffers are held until the
	// device work completes.
	select {
	case err := <-errc:
		t.Fatalf("execute returned before device work completed: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	close(release)
	if err := <-errc; !isDeadline(err) && !errors.Is(errors.Timeout, err) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func isDeadline(err error) bool {
	for err != nil {
		if err == context.DeadlineExceeded {
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

func TestRun(t *testing.T) {
	const N = 64
	r, env := setup(t, Parallelism(8))
	defer r.Shutdown(context.Background())
	events := make([]*store.Event, N)
	for i := range events {
		x := make([]float32, i%5)
		for j := range x {
			x[j] = float32(i + j)
		}
		events[i] = makeEvent(t, uint64(i), x)
	}
	assert.NoError(t, r.Run(context.Background(), env, linear, events))
	for i, ev := range events {
		out, err := ev.Retrieve("TransformedValues")
		assert.NoError(t, err)
		x, err := edm.Values[float32](out.Aux, "x")
		assert.NoError(t, err)
		for j := range x {
			if got, want := x[j], 2*float32(i+j)+1; got != want {
				t.Errorf("event %d element %d: got %v, want %v", i, j, got, want)
			}
		}
	}
	expect.EQ(t, r.Stats()["runner.invocations"], int64(N))
	// One in five events is empty.
	expect.EQ(t, r.Metrics()["kernel.launches"], uint64(N-N/5-1))

	// Outputs may be recorded only once.
	err := r.Run(context.Background(), env, linear, events[1:2])
	if !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists error, got %v", err)
	}
}

func TestTrace(t *testing.T) {
	r, env := setup(t, Parallelism(2))
	defer r.Shutdown(context.Background())
	events := []*store.Event{
		makeEvent(t, 0, []float32{1}),
		makeEvent(t, 1, nil),
		makeEvent(t, 2, []float32{1, 2}),
	}
	assert.NoError(t, r.Run(context.Background(), env, linear, events))
	var b bytes.Buffer
	assert.NoError(t, r.WriteTrace(&b))
	var tr trace.T
	assert.NoError(t, tr.Decode(&b))
	expect.EQ(t, len(tr.Named("process_name")), 1)
	expect.EQ(t, len(tr.Named(Published.String())), 3)
	computing := tr.Named(Computing.String())
	expect.EQ(t, len(computing), 2)
	for _, e := range computing {
		expect.EQ(t, e.Ph, "X")
	}
	for _, e := range tr.Events {
		if e.Ph == "B" || e.Ph == "E" {
			t.Errorf("uncoalesced event %v", e)
		}
	}
}

func TestTraceEvents(t *testing.T) {
	tr := newTracer("test")
	tr.Event("linear", 7, 3, Acquired, nil)
	tr.Event("linear", 2, 1, Acquired, nil)
	tr.Event("linear", 7, 3, Failed, errors.New("injected"))
	tr.Event("linear", 2, 1, Published, nil)
	keys := make([]uint64, 0, len(tr.events))
	for index := range tr.events {
		keys = append(keys, index)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	expect.EQ(t, keys, []uint64{2, 7})

	var b bytes.Buffer
	assert.NoError(t, tr.Marshal(&b))
	var decoded trace.T
	assert.NoError(t, decoded.Decode(&b))
	failed := decoded.Named(Failed.String())
	if got, want := len(failed), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	args := failed[0].Args
	expect.EQ(t, args["algorithm"], "linear")
	expect.EQ(t, args["invocation"], float64(7))
	expect.EQ(t, args["event"], float64(3))
	expect.EQ(t, args["error"], "injected")
	published := decoded.Named(Published.String())
	if got, want := len(published), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, ok := published[0].Args["error"]; ok {
		t.Errorf("unexpected error in %v", published[0])
	}
	// Both invocations ran concurrently, on distinct threads.
	if failed[0].Tid == published[0].Tid {
		t.Errorf("shared tid %d", failed[0].Tid)
	}
}

func TestLegal(t *testing.T) {
	for _, c := range []struct {
		from, to State
		legal    bool
	}{
		{Idle, Acquired, true},
		{Idle, Staged, false},
		{Acquired, Published, true},
		{Acquired, Staged, true},
		{Staged, Computing, false},
		{TransferringIn, Computing, true},
		{Computing, TransferringIn, false},
		{Materializing, Published, true},
		{Computing, Failed, true},
		{Idle, Failed, true},
		{Published, Failed, false},
		{Failed, Failed, false},
	} {
		if got, want := Legal(c.from, c.to), c.legal; got != want {
			t.Errorf("Legal(%s, %s): got %v, want %v", c.from, c.to, got, want)
		}
	}
}

func TestInitialize(t *testing.T) {
	r := Start()
	defer r.Shutdown(context.Background())
	if _, err := Initialize("bad", Keys{Input: "Values"}, r); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if _, err := Initialize("bad", Keys{Input: "a", Output: "b"}, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}
