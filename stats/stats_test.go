// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"sync"
	"testing"
)

func TestStats(t *testing.T) {
	coll := NewMap("pool")
	var (
		x = coll.Int("hits")
		_ = coll.Int("misses")
	)
	if got, want := x.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	x.Add(123)
	x.Add(123)
	if got, want := x.Get(), int64(123*2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	coll.AddAll(all)
	coll.AddAll(all)
	if got, want := len(all), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["pool.hits"], int64(123*4); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all["pool.misses"], int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := all.String(), "pool.hits:492 pool.misses:0"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMax(t *testing.T) {
	var (
		peak Int
		wg   sync.WaitGroup
	)
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			peak.Max(int64(i))
			wg.Done()
		}(i)
	}
	wg.Wait()
	if got, want := peak.Get(), int64(100); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	peak.Max(1)
	if got, want := peak.Get(), int64(100); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNil(t *testing.T) {
	var m *Map
	c := m.Int("x")
	c.Add(1)
	c.Max(2)
	if got, want := c.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(m.Snapshot()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSub(t *testing.T) {
	before := Values{"a": 1, "b": 2}
	after := Values{"a": 5, "b": 2, "c": 1}
	d := after.Sub(before)
	if got, want := d.String(), "a:4 b:0 c:1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
