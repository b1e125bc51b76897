// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package offload

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/edm"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/metrics"
	"github.com/grailbio/offload/schema"
	"github.com/grailbio/offload/soa"
	"github.com/grailbio/offload/store"
	"github.com/grailbio/offload/transfer"
)

var (
	kernelLaunches = metrics.NewCounter("kernel.launches")
	bufferBytes    = metrics.NewCounter("buffer.bytes")
)

// An Invocation is a single run of a step over one event. It owns
// a device stream, the buffers it allocates and the device events
// it issues; none of these are shared with other invocations.
//
// Invocations move through the pipeline states strictly in order:
// each helper method advances the state and panics with a contract
// violation if the invocation is not in the state that precedes it.
// Helpers for the same stage may be called repeatedly.
//
// Invocations also maintain a context-aware condition variable so
// that observers may wait for state changes.
type Invocation struct {
	// Index is the invocation's sequence number within its runner.
	Index uint64
	// Event is the event processed by the invocation.
	Event *store.Event

	env    *Env
	ctx    context.Context
	stream *device.Stream
	copier *transfer.Copier
	// Scope holds the metrics produced by the invocation.
	Scope metrics.Scope

	mu      sync.Mutex
	cond    *ctxsync.Cond
	state   State
	err     error
	history []State
	events  []*device.Event
	buffers []*soa.Buffer
}

func newInvocation(ctx context.Context, env *Env, index uint64, ev *store.Event) *Invocation {
	inv := &Invocation{
		Index:   index,
		Event:   ev,
		env:     env,
		history: []State{Idle},
	}
	inv.ctx = metrics.ScopedContext(ctx, &inv.Scope)
	inv.cond = ctxsync.NewCond(&inv.mu)
	inv.stream = env.runner.device.NewStream()
	inv.copier = transfer.New(inv.stream,
		transfer.Verify(env.runner.verify),
		transfer.Scope(&inv.Scope))
	return inv
}

// Context returns the invocation's context. The context carries
// the invocation's metrics scope.
func (inv *Invocation) Context() context.Context { return inv.ctx }

// Env returns the environment in which the invocation runs.
func (inv *Invocation) Env() *Env { return inv.env }

// Stream returns the invocation's device stream.
func (inv *Invocation) Stream() *device.Stream { return inv.stream }

// Host returns the host memory resource used for staging.
func (inv *Invocation) Host() memory.Resource { return inv.env.runner.bundle.Host() }

// Device returns the device memory resource.
func (inv *Invocation) Device() memory.Resource { return inv.env.runner.bundle.Device() }

// String returns a short description of the invocation and its
// state. As with tasks, it reads state without holding the lock so
// that it is safe to call while the lock is held.
func (inv *Invocation) String() string {
	s := fmt.Sprintf("%s[%d] event %d %s", inv.env.Name, inv.Index, inv.Event.Index, inv.state)
	if inv.err != nil {
		s += ": " + inv.err.Error()
	}
	return s
}

// Acquire retrieves the invocation's input container from the event
// through the environment's read handle and moves the invocation to
// Acquired.
func (inv *Invocation) Acquire() (*edm.Container, error) {
	inv.advance(Acquired)
	return inv.env.Input.Get(inv.Event)
}

// Buffer allocates a buffer of n rows with schema s in the given
// medium. The buffer is owned by the invocation and released when
// the invocation completes.
func (inv *Invocation) Buffer(s *schema.Schema, n int, m memory.Medium) (*soa.Buffer, error) {
	inv.check(2)
	b, err := soa.Make(s, n, m, inv.env.runner.bundle.For(m))
	if err != nil {
		return nil, err
	}
	inv.Own(b)
	return b, nil
}

// Own transfers ownership of buffers allocated elsewhere (for
// example by a flattener) to the invocation. Their storage is
// counted in the invocation's buffer.bytes metric.
func (inv *Invocation) Own(bufs ...*soa.Buffer) {
	for _, b := range bufs {
		bufferBytes.Incr(&inv.Scope, b.Size())
	}
	inv.mu.Lock()
	inv.buffers = append(inv.buffers, bufs...)
	inv.mu.Unlock()
}

// Stage moves the invocation to Staged, marking that its input has
// been copied into host buffers.
func (inv *Invocation) Stage() {
	inv.advance(Staged)
}

// Setup prepares the device buffer view v for use. It may be called
// once the invocation is staged and until compute begins.
func (inv *Invocation) Setup(v soa.View) {
	inv.require(Staged, TransferringIn)
	inv.track(inv.copier.Setup(v))
}

// TransferIn issues a copy of the host view src into the device view
// dst and moves the invocation to TransferringIn.
func (inv *Invocation) TransferIn(src, dst soa.View) {
	inv.advance(TransferringIn)
	if src.Medium() != memory.Host || dst.Medium() != memory.Device {
		contract.Panicf(1, "transfer in: %v to %v", src.Medium(), dst.Medium())
	}
	inv.track(inv.copier.Copy(src, dst))
}

// Compute issues a device computation on the invocation's stream and
// moves the invocation to Computing. The function launch must
// enqueue its work on the provided stream and return the resulting
// event.
func (inv *Invocation) Compute(launch func(s *device.Stream) *device.Event) {
	inv.advance(Computing)
	kernelLaunches.Incr(&inv.Scope, 1)
	inv.track(launch(inv.stream))
}

// TransferOut issues a copy of the device view src into the host
// view dst and moves the invocation to TransferringOut.
func (inv *Invocation) TransferOut(src, dst soa.View) {
	inv.advance(TransferringOut)
	if src.Medium() != memory.Device || dst.Medium() != memory.Host {
		contract.Panicf(1, "transfer out: %v to %v", src.Medium(), dst.Medium())
	}
	inv.track(inv.copier.Copy(src, dst))
}

// Materialize waits for all outstanding device work and moves the
// invocation to Materializing. Host buffers may be read only after
// Materialize returns successfully. A device failure or expired
// context is returned as an error; the results must then be
// discarded.
func (inv *Invocation) Materialize() error {
	inv.advance(Materializing)
	return inv.wait(inv.ctx)
}

// Publish records the output container c under the environment's
// output key and moves the invocation to Published.
func (inv *Invocation) Publish(c *edm.Container) error {
	inv.require(Materializing)
	if err := inv.env.Output.Put(inv.Event, c); err != nil {
		return err
	}
	inv.advance(Published)
	return nil
}

// PublishEmpty records an empty output for an invocation with no
// input records, moving it directly from Acquired to Published. If c
// is nil, an empty container is recorded.
func (inv *Invocation) PublishEmpty(c *edm.Container) error {
	inv.require(Acquired)
	if c == nil {
		c = edm.New(0)
	}
	if c.Len() != 0 {
		contract.Panicf(1, "publish empty: container has %d records", c.Len())
	}
	if err := inv.env.Output.Put(inv.Event, c); err != nil {
		return err
	}
	inv.advance(Published)
	return nil
}

// State returns the invocation's current state.
func (inv *Invocation) State() State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

// Err returns the error with which the invocation failed, if any.
func (inv *Invocation) Err() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.err
}

// History returns the sequence of states the invocation has been in,
// starting with Idle.
func (inv *Invocation) History() []State {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]State(nil), inv.history...)
}

// WaitState returns when the invocation's state is at least the
// provided state, or else when the context is done. Since Failed
// is the largest state, waiting for any state also returns on
// failure.
func (inv *Invocation) WaitState(ctx context.Context, state State) (State, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var err error
	for inv.state < state && !inv.state.Terminal() && err == nil {
		err = inv.cond.Wait(ctx)
	}
	return inv.state, err
}

// advance moves the invocation to state to. Repeated calls for the
// current state are permitted, except for terminal states.
func (inv *Invocation) advance(to State) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state == to && !to.Terminal() {
		return
	}
	if !Legal(inv.state, to) {
		contract.Panicf(2, "invocation %d: illegal transition %s -> %s", inv.Index, inv.state, to)
	}
	inv.set(to)
}

// require panics with a contract violation unless the invocation is
// in one of the given states.
func (inv *Invocation) require(states ...State) {
	inv.mu.Lock()
	state := inv.state
	inv.mu.Unlock()
	for _, s := range states {
		if s == state {
			return
		}
	}
	contract.Panicf(2, "invocation %d: state %s, expected %v", inv.Index, state, states)
}

// check panics with a contract violation if the invocation has
// terminated.
func (inv *Invocation) check(calldepth int) {
	if state := inv.State(); state.Terminal() {
		contract.Panicf(calldepth, "invocation %d: %s", inv.Index, state)
	}
}

// set sets the invocation's state and notifies waiters. It must be
// called with the invocation's lock held.
func (inv *Invocation) set(state State) {
	inv.state = state
	inv.history = append(inv.history, state)
	inv.env.runner.tracer.Event(inv.env.Name, inv.Index, inv.Event.Index, state, inv.err)
	inv.cond.Broadcast()
}

// fail moves the invocation to Failed with the provided error. It is
// a no-op if the invocation has already terminated.
func (inv *Invocation) fail(err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state.Terminal() {
		return
	}
	inv.err = err
	inv.set(Failed)
}

func (inv *Invocation) track(ev *device.Event) {
	inv.mu.Lock()
	inv.events = append(inv.events, ev)
	inv.mu.Unlock()
}

// wait waits for every event issued so far. It returns the first
// error reported by any of them.
func (inv *Invocation) wait(ctx context.Context) error {
	inv.mu.Lock()
	events := inv.events
	inv.mu.Unlock()
	return device.WaitAll(ctx, events...)
}

// drain waits, without a deadline, for all of the invocation's
// device work to complete and then releases its buffers. Buffers
// are never released while an operation may still access them.
// Errors are not reported here: work issued after Materialize
// cannot exist, so any error has already failed the invocation.
func (inv *Invocation) drain() {
	_ = inv.stream.Sync().Wait(context.Background())
	inv.mu.Lock()
	buffers := inv.buffers
	inv.buffers = nil
	inv.mu.Unlock()
	for _, b := range buffers {
		b.Release()
	}
}
