// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package edm

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Container is an ordered collection of records. Record attributes
// are held in the container's auxiliary store. A container may link
// each of its records to an ordered list of inner elements, which are
// records of another container (for example, jets and their
// constituents).
type Container struct {
	Aux *AuxStore
	// Links, if non-nil, holds for each record the indices of its
	// inner elements in Inner.
	Links [][]int32
	// Inner is the container holding linked inner elements.
	Inner *Container
}

// New returns a container of n records with an empty store.
func New(n int) *Container {
	return &Container{Aux: NewAuxStore(n)}
}

// Len returns the number of records in the container.
func (c *Container) Len() int {
	if c == nil || c.Aux == nil {
		return 0
	}
	return c.Aux.Len()
}

// Link links the records of c to their inner elements in inner. The
// links must hold one list per record, and every index must be a
// valid record index of inner.
func (c *Container) Link(inner *Container, links [][]int32) error {
	if len(links) != c.Len() {
		return errors.E(errors.Invalid, fmt.Sprintf("link: %d lists for %d records", len(links), c.Len()))
	}
	for i, list := range links {
		for _, j := range list {
			if j < 0 || int(j) >= inner.Len() {
				return errors.E(errors.Invalid, fmt.Sprintf("link: record %d: inner index %d out of range [0, %d)", i, j, inner.Len()))
			}
		}
	}
	c.Inner, c.Links = inner, links
	return nil
}

// Record returns the ith record of the container.
func (c *Container) Record(i int) Record {
	return Record{c, i}
}

// Records returns all of the container's records, in order.
func (c *Container) Records() []Record {
	recs := make([]Record, c.Len())
	for i := range recs {
		recs[i] = Record{c, i}
	}
	return recs
}

// ShallowCopy returns a copy of the container that shares its
// attributes and links. Attributes set on the copy decorate it
// without modifying c.
func (c *Container) ShallowCopy() *Container {
	return &Container{Aux: c.Aux.Shallow(), Links: c.Links, Inner: c.Inner}
}

// DeepCopy returns a copy of the container with its own copy of every
// attribute. Links and inner elements are shared.
func (c *Container) DeepCopy() *Container {
	return &Container{Aux: c.Aux.Copy(), Links: c.Links, Inner: c.Inner}
}

// String returns a short description of the container.
func (c *Container) String() string {
	s := fmt.Sprintf("container[%d]%v", c.Len(), c.Aux.Names())
	if c.Inner != nil {
		s += fmt.Sprintf(" -> %s", c.Inner)
	}
	return s
}

// A Record is a single record of a container.
type Record struct {
	c *Container
	i int
}

// Index returns the record's index in its container.
func (r Record) Index() int { return r.i }

// Container returns the record's container.
func (r Record) Container() *Container { return r.c }

// Inner returns the record's inner elements, in link order. Records
// of containers without links have no inner elements.
func (r Record) Inner() []Record {
	if r.c.Links == nil {
		return nil
	}
	links := r.c.Links[r.i]
	recs := make([]Record, len(links))
	for k, j := range links {
		recs[k] = Record{r.c.Inner, int(j)}
	}
	return recs
}

// Get returns the value of the named attribute of record r.
func Get[T any](r Record, name string) (T, error) {
	vals, err := Values[T](r.c.Aux, name)
	if err != nil {
		var zero T
		return zero, err
	}
	return vals[r.i], nil
}
