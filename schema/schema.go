// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package schema describes the column layout of structure-of-arrays
// buffers: an ordered list of named columns, each holding fixed-size,
// pointer-free values that may be moved between host and device
// memory as raw bytes.
package schema

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/grailbio/offload/contract"
)

// A Type is the type of a set of columns.
type Type interface {
	// NumOut returns the number of columns.
	NumOut() int
	// Out returns the data type of the ith column.
	Out(i int) reflect.Type
}

// Column describes a single named column.
type Column struct {
	Name string
	Type reflect.Type
}

// Col returns a column with the provided name whose type is the
// type of the provided value.
func Col(name string, v interface{}) Column {
	return Column{Name: name, Type: reflect.TypeOf(v)}
}

// Schema is an ordered list of named columns. Name resolution is done
// once, at construction; columns are then addressed by index.
type Schema struct {
	cols  []Column
	index map[string]int
}

// New returns a new schema with the provided columns. New panics with
// a contract violation if a column name is empty or repeated, or if a
// column's type is not a fixed-size, pointer-free type.
func New(cols ...Column) *Schema {
	s := &Schema{
		cols:  append([]Column(nil), cols...),
		index: make(map[string]int, len(cols)),
	}
	for i, col := range cols {
		if col.Name == "" {
			contract.Panicf(1, "schema: column %d has no name", i)
		}
		if _, ok := s.index[col.Name]; ok {
			contract.Panicf(1, "schema: duplicate column %q", col.Name)
		}
		if col.Type == nil || !Plain(col.Type) {
			contract.Panicf(1, "schema: column %q: type %v cannot be stored in device memory", col.Name, col.Type)
		}
		s.index[col.Name] = i
	}
	return s
}

// NumOut implements Type.
func (s *Schema) NumOut() int { return len(s.cols) }

// Out implements Type.
func (s *Schema) Out(i int) reflect.Type { return s.cols[i].Type }

// Name returns the name of the ith column.
func (s *Schema) Name(i int) string { return s.cols[i].Name }

// Column returns the ith column.
func (s *Schema) Column(i int) Column { return s.cols[i] }

// Index returns the index of the named column.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// MustIndex returns the index of the named column, panicking with a
// contract violation if there is no such column.
func (s *Schema) MustIndex(name string) int {
	i, ok := s.index[name]
	if !ok {
		contract.Panicf(1, "schema %s: no column %q", s, name)
	}
	return i
}

// RowSize returns the number of bytes occupied by one element of
// every column.
func (s *Schema) RowSize() int {
	var n int
	for _, col := range s.cols {
		n += int(col.Type.Size())
	}
	return n
}

// String returns a description of the schema, listing each column as
// name:type.
func (s *Schema) String() string {
	elems := make([]string, len(s.cols))
	for i, col := range s.cols {
		elems[i] = col.Name + ":" + col.Type.String()
	}
	return "{" + strings.Join(elems, ",") + "}"
}

// Equal reports whether types a and b have the same column types, in
// the same order. Column names are not compared.
func Equal(a, b Type) bool {
	if a.NumOut() != b.NumOut() {
		return false
	}
	for i := 0; i < a.NumOut(); i++ {
		if a.Out(i) != b.Out(i) {
			return false
		}
	}
	return true
}

// Columns returns a slice of column types from the provided type.
func Columns(typ Type) []reflect.Type {
	out := make([]reflect.Type, typ.NumOut())
	for i := range out {
		out[i] = typ.Out(i)
	}
	return out
}

// String returns a compact description of the column types of typ.
func String(typ Type) string {
	elems := make([]string, typ.NumOut())
	for i := range elems {
		elems[i] = typ.Out(i).String()
	}
	return fmt.Sprintf("soa[%d]%s", typ.NumOut(), strings.Join(elems, ","))
}

// Plain reports whether t is a plain scalar type: a bool, a sized
// integer, or a float. Plain values have a fixed size and contain no
// pointers, so that they may be copied as raw bytes between media.
func Plain(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}
