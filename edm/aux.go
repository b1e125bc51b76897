// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package edm implements the event data model exchanged with the
// offload pipeline: containers of records whose scalar attributes are
// kept column-wise in auxiliary stores, optionally linking each record
// to a list of inner elements held in another container.
package edm

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"sort"

	"github.com/grailbio/base/errors"
)

// columnTypes maps the names of the column types that may be
// encoded to their slice types.
var columnTypes = map[string]reflect.Type{}

func init() {
	for _, v := range []interface{}{
		[]bool{}, []int8{}, []int16{}, []int32{}, []int64{},
		[]uint8{}, []uint16{}, []uint32{}, []uint64{},
		[]float32{}, []float64{},
	} {
		gob.Register(v)
		columnTypes[reflect.TypeOf(v).String()] = reflect.TypeOf(v)
	}
}

// An AuxStore holds the attributes of a fixed number of records, one
// named column per attribute. Columns are Go slices of scalar values.
//
// A store may be a shallow copy of another: it then presents its
// parent's columns in addition to its own, and columns set on the
// copy (decorations) do not affect the parent.
type AuxStore struct {
	n      int
	names  []string
	cols   map[string]reflect.Value
	parent *AuxStore
}

// NewAuxStore returns an empty store for n records.
func NewAuxStore(n int) *AuxStore {
	return &AuxStore{n: n, cols: make(map[string]reflect.Value)}
}

// Len returns the number of records described by the store.
func (s *AuxStore) Len() int { return s.n }

// Set sets the named column to the provided slice, which must hold
// exactly Len values of one of the encodable column types: bool,
// sized integers, and floats. The slice is retained, not copied.
func (s *AuxStore) Set(name string, slice interface{}) error {
	v := reflect.ValueOf(slice)
	if !v.IsValid() || columnTypes[v.Type().String()] != v.Type() {
		return errors.E(errors.Invalid, fmt.Sprintf("aux %s: unsupported column type %T", name, slice))
	}
	if v.Len() != s.n {
		return errors.E(errors.Invalid, fmt.Sprintf("aux %s: column has %d values, store has %d records", name, v.Len(), s.n))
	}
	if _, ok := s.cols[name]; !ok {
		s.names = append(s.names, name)
	}
	s.cols[name] = v
	return nil
}

// Column returns the named column, looking through to the parent of
// a shallow copy.
func (s *AuxStore) Column(name string) (reflect.Value, bool) {
	for ; s != nil; s = s.parent {
		if v, ok := s.cols[name]; ok {
			return v, true
		}
	}
	return reflect.Value{}, false
}

// Has reports whether the store has the named column.
func (s *AuxStore) Has(name string) bool {
	_, ok := s.Column(name)
	return ok
}

// Names returns the names of the store's columns: the parent's first,
// followed by the store's own, each in the order in which they were
// first set.
func (s *AuxStore) Names() []string {
	if s.parent == nil {
		return append([]string(nil), s.names...)
	}
	names := s.parent.Names()
	for _, name := range s.names {
		if !s.parent.Has(name) {
			names = append(names, name)
		}
	}
	return names
}

// Decorations returns the names of the columns set on this store
// itself rather than inherited from a parent, sorted.
func (s *AuxStore) Decorations() []string {
	names := append([]string(nil), s.names...)
	sort.Strings(names)
	return names
}

// Shallow returns a shallow copy of the store. The copy shares the
// store's columns; columns set on the copy shadow the store's.
func (s *AuxStore) Shallow() *AuxStore {
	c := NewAuxStore(s.n)
	c.parent = s
	return c
}

// Copy returns a deep copy of the store, with every visible column
// copied and no parent.
func (s *AuxStore) Copy() *AuxStore {
	c := NewAuxStore(s.n)
	for _, name := range s.Names() {
		v, _ := s.Column(name)
		w := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		reflect.Copy(w, v)
		c.names = append(c.names, name)
		c.cols[name] = w
	}
	return c
}

// Values returns the named column of s as a []T. It returns an error
// of kind errors.NotExist if there is no such column, and errors.Invalid
// if the column does not hold values of type T.
func Values[T any](s *AuxStore, name string) ([]T, error) {
	v, ok := s.Column(name)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("aux: no column %q", name))
	}
	vals, ok := v.Interface().([]T)
	if !ok {
		var zero T
		return nil, errors.E(errors.Invalid, fmt.Sprintf("aux %s: column has type %s, not []%T", name, v.Type(), zero))
	}
	return vals, nil
}

// auxGob is the wire representation of an AuxStore.
type auxGob struct {
	N     int
	Names []string
	Types []string
	Cols  []interface{}
}

// GobEncode implements gob.GobEncoder. Shallow copies are encoded
// with their parents' columns included.
func (s *AuxStore) GobEncode() ([]byte, error) {
	w := auxGob{N: s.n, Names: s.Names()}
	for _, name := range w.Names {
		v, _ := s.Column(name)
		if _, ok := columnTypes[v.Type().String()]; !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("aux %s: column type %s cannot be encoded", name, v.Type()))
		}
		w.Types = append(w.Types, v.Type().String())
		w.Cols = append(w.Cols, v.Interface())
	}
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(w)
	return b.Bytes(), err
}

// GobDecode implements gob.GobDecoder.
func (s *AuxStore) GobDecode(p []byte) error {
	var w auxGob
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&w); err != nil {
		return err
	}
	if len(w.Names) != len(w.Cols) || len(w.Names) != len(w.Types) {
		return errors.E(errors.Integrity, "aux: mismatched column names and values")
	}
	*s = *NewAuxStore(w.N)
	for i, name := range w.Names {
		typ, ok := columnTypes[w.Types[i]]
		if !ok {
			return errors.E(errors.Integrity, fmt.Sprintf("aux %s: unknown column type %s", name, w.Types[i]))
		}
		col := reflect.ValueOf(w.Cols[i])
		if !col.IsValid() || col.Len() == 0 {
			col = reflect.MakeSlice(typ, 0, 0)
		}
		if col.Type() != typ {
			return errors.E(errors.Integrity, fmt.Sprintf("aux %s: decoded %s, expected %s", name, col.Type(), typ))
		}
		if err := s.Set(name, col.Interface()); err != nil {
			return err
		}
	}
	return nil
}
