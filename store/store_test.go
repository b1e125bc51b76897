// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/offload/edm"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestEvent(t *testing.T) {
	e := NewEvent(7)
	c := edm.New(2)
	assert.NoError(t, e.Record("Electrons", c))
	if err := e.Record("Electrons", edm.New(1)); !errors.Is(errors.Exists, err) {
		t.Errorf("expected exists, got %v", err)
	}
	got, err := e.Retrieve("Electrons")
	assert.NoError(t, err)
	if got != c {
		t.Error("retrieved wrong container")
	}
	if _, err := e.Retrieve("Jets"); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist, got %v", err)
	}
	if err := e.Record("Jets", nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid, got %v", err)
	}
	if !e.Contains("Electrons") {
		t.Error("missing Electrons")
	}
	expect.EQ(t, e.Keys(), []string{"Electrons"})
}

func TestHandles(t *testing.T) {
	if _, err := NewReadHandle(""); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid, got %v", err)
	}
	if _, err := NewWriteHandle(""); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid, got %v", err)
	}
	r, err := NewReadHandle("in")
	assert.NoError(t, err)
	w, err := NewWriteHandle("out")
	assert.NoError(t, err)
	e := NewEvent(0)
	assert.NoError(t, e.Record("in", edm.New(3)))
	c, err := r.Get(e)
	assert.NoError(t, err)
	assert.NoError(t, w.Put(e, c.ShallowCopy()))
	expect.EQ(t, e.Keys(), []string{"in", "out"})
	expect.EQ(t, w.Key(), "out")
}

func TestConcurrentRecord(t *testing.T) {
	e := NewEvent(0)
	var wg sync.WaitGroup
	const N = 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := e.Record(fmt.Sprint("key", i%10), edm.New(0)); err != nil && !errors.Is(errors.Exists, err) {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	expect.EQ(t, len(e.Keys()), 10)
}
