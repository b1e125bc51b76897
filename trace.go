// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package offload

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/offload/internal/trace"
)

// A tracer tracks the stage events of invocations. Trace events are
// logged in the Chrome tracing format and can be visualized using
// its built-in visualization tool (chrome://tracing). The device is
// represented as a Chrome "process", and each invocation is shown on
// a virtual thread for its lifetime.
//
// Each stage of an invocation is recorded as a begin ("B") and end
// ("E") pair; these are coalesced into "complete events" (X) at the
// time of rendering. Terminal states are recorded as instant events.
//
// Events are keyed by invocation index, and hold only the values
// they render, so that the tracer does not retain invocations.
type tracer struct {
	mu sync.Mutex

	process string
	events  map[uint64][]trace.Event
	tids    tidPool

	// firstEvent is used to store the time of the first observed
	// event so that the offsets in the trace are meaningful.
	firstEvent time.Time
}

// tracePid is the pid assigned to all invocation events.
const tracePid = 1

func newTracer(process string) *tracer {
	return &tracer{
		process: process,
		events:  make(map[uint64][]trace.Event),
	}
}

// Event records that the invocation with the provided index, running
// algorithm alg over event ev, entered state. Terminal events carry
// the invocation's error, if any.
func (t *tracer) Event(alg string, index, ev uint64, state State, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var ts int64
	if t.firstEvent.IsZero() {
		t.firstEvent = time.Now()
	} else {
		ts = time.Since(t.firstEvent).Nanoseconds() / 1e3
	}
	events := t.events[index]
	var tid int
	if len(events) == 0 {
		tid = t.tids.Acquire()
	} else {
		tid = events[0].Tid
	}
	if n := len(events); n > 0 && events[n-1].Ph == "B" {
		events = append(events, trace.Event{
			Pid:  tracePid,
			Tid:  tid,
			Ts:   ts,
			Ph:   "E",
			Name: events[n-1].Name,
			Cat:  "stage",
		})
	}
	event := trace.Event{
		Pid:  tracePid,
		Tid:  tid,
		Ts:   ts,
		Name: state.String(),
		Args: map[string]interface{}{
			"algorithm":  alg,
			"invocation": index,
			"event":      ev,
		},
	}
	if state.Terminal() {
		event.Ph = "i"
		event.S = "t"
		event.Cat = "invocation"
		if err != nil {
			event.Args["error"] = err.Error()
		}
		t.tids.Release(tid)
	} else {
		event.Ph = "B"
		event.Cat = "stage"
	}
	t.events[index] = append(events, event)
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	indices := make([]uint64, 0, len(t.events))
	for index := range t.events {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	tr := trace.T{Events: []trace.Event{trace.Metadata(tracePid, t.process)}}
	for _, index := range indices {
		tr.Events = appendCoalesce(tr.Events, t.events[index])
	}
	t.mu.Unlock()
	tr.Sort()
	return tr.Encode(w)
}

// appendCoalesce appends a set of events on the provided list,
// first coalescing events so that "B" and "E" events are matched
// into a single "X" event. Unmatched "E" events are dropped;
// unmatched "B" events, belonging to invocations still in
// progress, are kept.
func appendCoalesce(list []trace.Event, events []trace.Event) []trace.Event {
	var begIndex = -1
	for _, event := range events {
		switch {
		case event.Ph == "B":
			begIndex = len(list)
			list = append(list, event)
		case event.Ph == "E" && begIndex >= 0:
			list[begIndex].Ph = "X"
			list[begIndex].Dur = event.Ts - list[begIndex].Ts
			if list[begIndex].Dur == 0 {
				list[begIndex].Dur = 1
			}
			begIndex = -1
		case event.Ph != "E":
			list = append(list, event)
		}
	}
	return list
}

// tidPool is a pool of (virtual) thread IDs that we use to assign
// Tids to events. This makes visualization with the Chrome tracing
// tool much nicer, as concurrent invocations are shown on their own
// rows. The indexes of the slice are the Tids that we allocate,
// their corresponding value indicating whether it is available for
// allocation.
type tidPool []bool

// Acquire acquires an available thread ID from pool p. Thread IDs are
// sequential and 1-indexed, preserving 0 for events without meaningful thread
// IDs.
func (p *tidPool) Acquire() int {
	for tid, available := range *p {
		if available {
			(*p)[tid] = false
			return tid + 1
		}
	}
	tid := len(*p)
	*p = append(*p, false)
	return tid + 1
}

// Release releases a tid previously acquired in Acquire, making it
// available to a future call to Acquire.
func (p tidPool) Release(tid int) {
	if p[tid-1] {
		panic("releasing unallocated tid")
	}
	p[tid-1] = true
}
