// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named collections of counters used to
// observe memory resources and devices: allocation hits and misses,
// cached bytes, in-use bytes and their high-water marks. Collections
// can be snapshotted and aggregated.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a snapshot of the values in a collection.
type Values map[string]int64

// Copy returns a copy of the values v.
func (v Values) Copy() Values {
	w := make(Values)
	for k, v := range v {
		w[k] = v
	}
	return w
}

// Sub returns the per-key difference v - w. Keys absent from v are
// omitted.
func (v Values) Sub(w Values) Values {
	d := make(Values)
	for k, x := range v {
		d[k] = x - w[k]
	}
	return d
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	var keys []string
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name. The zero Map is not
// usable; use NewMap. A nil *Map returns nil counters, which discard
// updates.
type Map struct {
	prefix string
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map. Counter names are reported with the
// given prefix, joined by a dot, if it is non-empty.
func NewMap(prefix string) *Map {
	return &Map{
		prefix: prefix,
		values: make(map[string]*Int),
	}
}

// Int returns the counter with the provided name. The counter is
// created if it does not already exist.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	if m.prefix != "" {
		name = m.prefix + "." + name
	}
	m.mu.Lock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	m.mu.Unlock()
	return v
}

// AddAll adds all counters in the map to the provided snapshot.
func (m *Map) AddAll(vals Values) {
	if m == nil {
		return
	}
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] += v.Get()
	}
	m.mu.Unlock()
}

// Snapshot returns the current values of the map's counters.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	m.AddAll(vals)
	return vals
}

// An Int is a integer counter. Ints can be atomically
// incremented and set. Methods on a nil *Int are no-ops.
type Int struct {
	val int64
}

// Add increments v by delta and returns the new value.
func (v *Int) Add(delta int64) int64 {
	if v == nil {
		return 0
	}
	return atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Max raises the counter's value to val if val is larger. It is used
// to maintain high-water marks.
func (v *Int) Max(val int64) {
	if v == nil {
		return
	}
	for {
		cur := atomic.LoadInt64(&v.val)
		if val <= cur || atomic.CompareAndSwapInt64(&v.val, cur, val) {
			return
		}
	}
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
