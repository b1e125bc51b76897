// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package flatten converts jagged record sets, in which each outer
// record owns a variable-length list of inner elements, into flat
// structure-of-arrays buffers suitable for device processing: a count
// column with one entry per outer record, and one flat column per
// inner attribute holding all inner elements in outer-then-inner
// order.
package flatten

import (
	"reflect"

	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/schema"
	"github.com/grailbio/offload/soa"
)

// CountSchema is the schema of the count buffer produced by Flatten.
var CountSchema = schema.New(schema.Col("count", uint32(0)))

// An Attr is a scalar attribute of inner elements of type I,
// extracted into its own flat column.
type Attr[I any] struct {
	// Column is the flat column holding the attribute.
	Column schema.Column

	bind func(v soa.View, col int) func(row int, x I)
}

// Field returns an attribute named name whose values are computed by
// get. T must be a type that can be stored in a buffer column.
func Field[I, T any](name string, get func(I) T) Attr[I] {
	return Attr[I]{
		Column: schema.Column{Name: name, Type: reflect.TypeOf((*T)(nil)).Elem()},
		bind: func(v soa.View, col int) func(int, I) {
			c := soa.Column[T](v, col)
			return func(row int, x I) { c[row] = get(x) }
		},
	}
}

// Jagged is a flattened jagged record set, held in host memory.
type Jagged struct {
	// Counts holds the number of inner elements of each outer record,
	// in a single uint32 column.
	Counts *soa.Buffer
	// Inner holds the inner elements' attributes. Its length is the
	// sum of Counts.
	Inner *soa.Buffer
}

// Flatten flattens the jagged record set given by outer and inner: the
// inner elements of outer record o are inner(o), visited in the order
// returned. Flatten makes two passes over the records: the first
// records the per-record counts and sizes the flat columns; the
// second fills them. Records with no inner elements contribute a
// count of zero and no entries. The returned buffers are allocated
// from res, which must be a host resource.
func Flatten[O, I any](outer []O, inner func(O) []I, attrs []Attr[I], res memory.Resource) (*Jagged, error) {
	counts, err := soa.Make(CountSchema, len(outer), memory.Host, res)
	if err != nil {
		return nil, err
	}
	c := soa.Column[uint32](counts.View(), 0)
	var total int
	for i, o := range outer {
		n := len(inner(o))
		c[i] = uint32(n)
		total += n
	}

	cols := make([]schema.Column, len(attrs))
	for i := range attrs {
		cols[i] = attrs[i].Column
	}
	flat, err := soa.Make(schema.New(cols...), total, memory.Host, res)
	if err != nil {
		counts.Release()
		return nil, err
	}
	setters := make([]func(int, I), len(attrs))
	for i := range attrs {
		setters[i] = attrs[i].bind(flat.View(), i)
	}
	var row int
	for i, o := range outer {
		elems := inner(o)
		if len(elems) != int(c[i]) {
			counts.Release()
			flat.Release()
			contract.Panicf(1, "flatten: record %d changed from %d to %d inner elements between passes", i, c[i], len(elems))
		}
		for _, x := range elems {
			for _, set := range setters {
				set(row, x)
			}
			row++
		}
	}
	return &Jagged{Counts: counts, Inner: flat}, nil
}

// Len returns the number of outer records.
func (j *Jagged) Len() int { return j.Counts.Len() }

// Total returns the total number of inner elements.
func (j *Jagged) Total() int { return j.Inner.Len() }

// Offsets returns the exclusive prefix sums of the counts: the inner
// elements of record i occupy rows [off[i], off[i+1]) of the flat
// columns. The returned slice has length Len()+1.
func (j *Jagged) Offsets() []int {
	return Offsets(soa.Column[uint32](j.Counts.View(), 0))
}

// Bounds returns the half-open range of flat rows holding the inner
// elements of record i.
func (j *Jagged) Bounds(i int) (lo, hi int) {
	c := soa.Column[uint32](j.Counts.View(), 0)
	for k := 0; k < i; k++ {
		lo += int(c[k])
	}
	return lo, lo + int(c[i])
}

// Release releases the jagged set's buffers.
func (j *Jagged) Release() {
	j.Counts.Release()
	j.Inner.Release()
}

// Offsets returns the exclusive prefix sums of counts, with a final
// entry holding their total.
func Offsets(counts []uint32) []int {
	off := make([]int, len(counts)+1)
	for i, n := range counts {
		off[i+1] = off[i] + int(n)
	}
	return off
}

// Unflatten reconstructs the jagged record set from j: build is called
// for each flat row, in order, and the results are grouped by outer
// record.
func Unflatten[I any](j *Jagged, build func(v soa.View, row int) I) [][]I {
	var (
		off = j.Offsets()
		out = make([][]I, j.Len())
		v   = j.Inner.View()
	)
	for i := range out {
		out[i] = make([]I, 0, off[i+1]-off[i])
		for row := off[i]; row < off[i+1]; row++ {
			out[i] = append(out[i], build(v, row))
		}
	}
	return out
}
