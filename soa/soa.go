// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package soa implements structure-of-arrays buffers: a fixed number
// of elements stored as one contiguous region per column, allocated
// from a memory resource on the host or on a device.
//
// A Buffer owns its storage. A View is a cheap, copyable descriptor of
// a buffer's storage (or a range of it) that is passed to copy
// operations and kernels. Views never outlive their buffers: using a
// view after its buffer is released is a contract violation.
//
// Typed access to columns is through Column (host views) and
// DeviceColumn (device views, for use inside device operations).
package soa

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"unsafe"

	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/schema"
	"github.com/spaolacci/murmur3"
)

// A Buffer is a structure-of-arrays buffer: an element count and one
// contiguous, uninitialized region per column of its schema. Every
// column holds exactly Len elements. Buffers are not resized.
type Buffer struct {
	schema *schema.Schema
	n      int
	res    memory.Resource
	blocks []*memory.Block

	released int32
}

// Make allocates a new buffer of n elements with the provided schema
// from the resource res, whose medium must match medium. A buffer of
// zero elements is legal; its columns are empty. If any column cannot
// be allocated, the columns allocated so far are returned to res and
// the resource's error is returned.
func Make(s *schema.Schema, n int, medium memory.Medium, res memory.Resource) (*Buffer, error) {
	if n < 0 {
		contract.Panicf(1, "soa: negative length %d", n)
	}
	if res.Medium() != medium {
		contract.Panicf(1, "soa: %s buffer allocated from %s resource", medium, res.Medium())
	}
	b := &Buffer{
		schema: s,
		n:      n,
		res:    res,
		blocks: make([]*memory.Block, s.NumOut()),
	}
	for i := range b.blocks {
		size := int(s.Out(i).Size())
		if size > 0 && n > memory.MaxAllocation/size {
			for _, blk := range b.blocks[:i] {
				res.Deallocate(blk)
			}
			return nil, memory.Exhausted(medium, math.MaxInt, 0)
		}
		blk, err := res.Allocate(n * size)
		if err != nil {
			for _, blk := range b.blocks[:i] {
				res.Deallocate(blk)
			}
			return nil, err
		}
		b.blocks[i] = blk
	}
	return b, nil
}

// Len returns the number of elements in the buffer.
func (b *Buffer) Len() int { return b.n }

// Schema returns the buffer's schema.
func (b *Buffer) Schema() *schema.Schema { return b.schema }

// Medium returns the medium on which the buffer resides.
func (b *Buffer) Medium() memory.Medium { return b.res.Medium() }

// Size returns the number of bytes of storage held by the buffer.
func (b *Buffer) Size() int { return b.n * b.schema.RowSize() }

// View returns a view of the whole buffer.
func (b *Buffer) View() View {
	return View{buf: b, lo: 0, hi: b.n}
}

// Released reports whether the buffer has been released.
func (b *Buffer) Released() bool { return atomic.LoadInt32(&b.released) != 0 }

// Release returns the buffer's storage to the resource from which it
// was allocated. Release is idempotent. The caller must ensure that
// no device operation using the buffer is still in flight.
func (b *Buffer) Release() {
	if !atomic.CompareAndSwapInt32(&b.released, 0, 1) {
		return
	}
	for _, blk := range b.blocks {
		b.res.Deallocate(blk)
	}
	b.blocks = nil
}

// String returns a short description of the buffer.
func (b *Buffer) String() string {
	return fmt.Sprintf("%s[%d]%s", b.Medium(), b.n, b.schema)
}

// A View describes the storage of a range of a buffer's elements. The
// zero View is empty and has no schema.
type View struct {
	buf    *Buffer
	lo, hi int
}

func (v View) check(calldepth int) {
	if v.buf != nil && v.buf.Released() {
		contract.Panicf(calldepth+1, "soa: view of released %s buffer", v.buf.Medium())
	}
}

// Len returns the number of elements described by the view.
func (v View) Len() int { return v.hi - v.lo }

// Cap returns the number of elements in the underlying buffer from the
// start of the view.
func (v View) Cap() int {
	if v.buf == nil {
		return 0
	}
	return v.buf.n - v.lo
}

// Empty reports whether the view describes no elements.
func (v View) Empty() bool { return v.Len() == 0 }

// Schema returns the schema of the viewed buffer.
func (v View) Schema() *schema.Schema {
	if v.buf == nil {
		return schema.New()
	}
	return v.buf.schema
}

// NumOut returns the number of columns.
func (v View) NumOut() int { return v.Schema().NumOut() }

// Out returns the type of the ith column.
func (v View) Out(i int) reflect.Type { return v.Schema().Out(i) }

// Medium returns the medium of the viewed buffer.
func (v View) Medium() memory.Medium {
	if v.buf == nil {
		return memory.Host
	}
	return v.buf.Medium()
}

// Slice returns a view of elements [i, j) of this view.
func (v View) Slice(i, j int) View {
	if i < 0 || j < i || j > v.Len() {
		contract.Panicf(1, "soa: slice [%d:%d] of view of length %d", i, j, v.Len())
	}
	return View{buf: v.buf, lo: v.lo + i, hi: v.lo + j}
}

// Bytes returns the raw storage of column i of the view. Bytes is
// intended for copy engines; host code must not read or write the
// returned bytes of a device view outside of a device operation.
func (v View) Bytes(i int) []byte {
	v.check(1)
	if v.buf == nil {
		return nil
	}
	size := int(v.buf.schema.Out(i).Size())
	return v.buf.blocks[i].Data[v.lo*size : v.hi*size]
}

// String returns a short description of the view.
func (v View) String() string {
	return fmt.Sprintf("view %s[%d:%d]%s", v.Medium(), v.lo, v.hi, v.Schema())
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func column[T any](calldepth int, v View, i int) []T {
	v.check(calldepth + 1)
	if i < 0 || i >= v.NumOut() {
		contract.Panicf(calldepth+1, "soa: column %d out of range for %s", i, v.Schema())
	}
	if t := typeOf[T](); t != v.Out(i) {
		contract.Panicf(calldepth+1, "soa: column %d (%s) has type %s, not %s", i, v.Schema().Name(i), v.Out(i), t)
	}
	if v.Len() == 0 {
		return []T{}
	}
	p := v.Bytes(i)
	return unsafe.Slice((*T)(unsafe.Pointer(&p[0])), v.Len())
}

// Column returns the typed storage of column i of a host view. It
// panics with a contract violation if T is not the column's type or
// if the view is not host-resident.
func Column[T any](v View, i int) []T {
	if v.Medium() != memory.Host {
		contract.Panicf(1, "soa: host access to %s column %d", v.Medium(), i)
	}
	return column[T](1, v, i)
}

// Named returns the typed storage of the named column of a host view.
func Named[T any](v View, name string) []T {
	if v.Medium() != memory.Host {
		contract.Panicf(1, "soa: host access to %s column %q", v.Medium(), name)
	}
	return column[T](1, v, v.Schema().MustIndex(name))
}

// DeviceColumn returns the typed storage of column i of a device
// view. It must only be called from within a device operation, such
// as a kernel body.
func DeviceColumn[T any](v View, i int) []T {
	if v.Medium() != memory.Device {
		contract.Panicf(1, "soa: device access to %s column %d", v.Medium(), i)
	}
	return column[T](1, v, i)
}

// Zero clears the storage described by v.
func Zero(v View) {
	for i := 0; i < v.NumOut(); i++ {
		p := v.Bytes(i)
		for j := range p {
			p[j] = 0
		}
	}
}

// SameLayout reports whether views a and b have the same length and
// the same column types.
func SameLayout(a, b View) bool {
	return a.Len() == b.Len() && schema.Equal(a.Schema(), b.Schema())
}

// Equal reports whether views a and b have the same layout and
// contents.
func Equal(a, b View) bool {
	if !SameLayout(a, b) {
		return false
	}
	for i := 0; i < a.NumOut(); i++ {
		if !bytes.Equal(a.Bytes(i), b.Bytes(i)) {
			return false
		}
	}
	return true
}

// Checksum returns a murmur3 hash of the contents of v.
func Checksum(v View) uint32 {
	h := murmur3.New32()
	for i := 0; i < v.NumOut(); i++ {
		h.Write(v.Bytes(i))
	}
	return h.Sum32()
}

// WriteTab writes the contents of host view v as a table to w,
// headed by the column names.
func WriteTab(w io.Writer, v View) {
	s := v.Schema()
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	names := make([]string, s.NumOut())
	for i := range names {
		names[i] = s.Name(i)
	}
	fmt.Fprintln(&tw, strings.Join(names, "\t"))
	for row := 0; row < v.Len(); row++ {
		for col := 0; col < s.NumOut(); col++ {
			if col > 0 {
				tw.Write([]byte{'\t'})
			}
			fmt.Fprint(&tw, v.Index(col, row).Interface())
		}
		tw.Write([]byte{'\n'})
	}
	tw.Flush()
}

// Index returns the value of column col at the given row of a host
// view, as a reflect.Value.
func (v View) Index(col, row int) reflect.Value {
	if v.Medium() != memory.Host {
		contract.Panicf(1, "soa: host access to %s column %d", v.Medium(), col)
	}
	if row < 0 || row >= v.Len() {
		contract.Panicf(1, "soa: row %d out of range [0, %d)", row, v.Len())
	}
	typ := v.Out(col)
	p := v.Bytes(col)
	return reflect.NewAt(typ, unsafe.Pointer(&p[row*int(typ.Size())])).Elem()
}

// Value returns column col of a host view as a reflect.Value of
// slice type. The slice aliases the view's storage.
func (v View) Value(col int) reflect.Value {
	if v.Medium() != memory.Host {
		contract.Panicf(1, "soa: host access to %s column %d", v.Medium(), col)
	}
	typ := v.Out(col)
	if v.Len() == 0 {
		return reflect.MakeSlice(reflect.SliceOf(typ), 0, 0)
	}
	p := v.Bytes(col)
	return reflect.NewAt(reflect.ArrayOf(v.Len(), typ), unsafe.Pointer(&p[0])).Elem().Slice(0, v.Len())
}
