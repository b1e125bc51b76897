// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace defines the Chrome tracing format used for
// invocation traces, so that traces can be written by the runner
// and read back by tests and tools.
package trace

import (
	"encoding/json"
	"io"
	"sort"
)

// T is a trace: a list of events.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	S    string                 `json:"s,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Metadata returns a metadata ("M") event that names the process
// pid.
func Metadata(pid int, name string) Event {
	return Event{
		Pid:  pid,
		Ph:   "M",
		Name: "process_name",
		Args: map[string]interface{}{"name": name},
	}
}

// Sort orders the trace's events by timestamp. Metadata events come
// first.
func (t *T) Sort() {
	sort.SliceStable(t.Events, func(i, j int) bool {
		if mi, mj := t.Events[i].Ph == "M", t.Events[j].Ph == "M"; mi != mj {
			return mi
		}
		return t.Events[i].Ts < t.Events[j].Ts
	})
}

// Named returns the events in t with the given name.
func (t *T) Named(name string) []Event {
	var events []Event
	for _, e := range t.Events {
		if e.Name == name {
			events = append(events, e)
		}
	}
	return events
}

// Encode writes t to w as JSON.
func (t *T) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(t)
}

// Decode reads a JSON-encoded trace from r into t.
func (t *T) Decode(r io.Reader) error {
	return json.NewDecoder(r).Decode(t)
}
