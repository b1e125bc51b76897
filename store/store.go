// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package store implements the per-event record store through which
// pipeline algorithms read their inputs and publish their outputs.
// Each event holds containers under string keys; algorithms access
// them through read and write handles whose keys are resolved once,
// at initialization.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/offload/edm"
)

// An Event is the set of containers recorded for one event. Events
// are safe for concurrent use; a key may be recorded only once.
type Event struct {
	// Index is the event's sequence number.
	Index uint64

	mu      sync.Mutex
	objects map[string]*edm.Container
}

// NewEvent returns a new, empty event with the given index.
func NewEvent(index uint64) *Event {
	return &Event{Index: index, objects: make(map[string]*edm.Container)}
}

// Record stores the container c under key. Recording a key that is
// already present fails with an error of kind errors.Exists.
func (e *Event) Record(key string, c *edm.Container) error {
	if c == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("record %s: nil container", key))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.objects[key]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("record %s: event %d", key, e.Index))
	}
	e.objects[key] = c
	return nil
}

// Retrieve returns the container stored under key. It fails with an
// error of kind errors.NotExist if there is none.
func (e *Event) Retrieve(key string) (*edm.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.objects[key]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("retrieve %s: event %d", key, e.Index))
	}
	return c, nil
}

// Contains reports whether a container is stored under key.
func (e *Event) Contains(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.objects[key]
	return ok
}

// Keys returns the event's keys, sorted.
func (e *Event) Keys() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.objects))
	for key := range e.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ReadHandle reads a container from events by a key fixed at
// construction.
type ReadHandle struct {
	key string
}

// NewReadHandle returns a read handle for key. An empty key is
// invalid.
func NewReadHandle(key string) (ReadHandle, error) {
	if key == "" {
		return ReadHandle{}, errors.E(errors.Invalid, "read handle: empty key")
	}
	return ReadHandle{key}, nil
}

// Key returns the handle's key.
func (h ReadHandle) Key() string { return h.key }

// Get retrieves the handle's container from event e.
func (h ReadHandle) Get(e *Event) (*edm.Container, error) {
	return e.Retrieve(h.key)
}

// WriteHandle records containers into events under a key fixed at
// construction.
type WriteHandle struct {
	key string
}

// NewWriteHandle returns a write handle for key. An empty key is
// invalid.
func NewWriteHandle(key string) (WriteHandle, error) {
	if key == "" {
		return WriteHandle{}, errors.E(errors.Invalid, "write handle: empty key")
	}
	return WriteHandle{key}, nil
}

// Key returns the handle's key.
func (h WriteHandle) Key() string { return h.key }

// Put records c into event e under the handle's key.
func (h WriteHandle) Put(e *Event, c *edm.Container) error {
	return e.Record(h.key, c)
}
