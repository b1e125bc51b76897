// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package offloadtest provides utilities for testing offload
// algorithms: synthetic event generation, host reference
// implementations of the device kernels, and helpers to run
// algorithms over events. The utilities here are not optimized for
// performance; they are strictly intended for testing and
// demonstration.
package offloadtest

import (
	"math"
	"math/rand"

	"github.com/grailbio/base/must"
	"github.com/grailbio/offload/edm"
	"github.com/grailbio/offload/kernel"
	"github.com/grailbio/offload/store"
)

// Keys under which generated collections are recorded.
const (
	ValuesKey       = "Values"
	ElectronsKey    = "Electrons"
	JetsKey         = "AntiKt4EMPFlowJets"
	ConstituentsKey = "AntiKt4EMPFlowJetConstituents"
)

// Sizes bounds the number of objects generated per event. Each
// event holds between 0 and the given number of objects (inclusive)
// of each kind.
type Sizes struct {
	Values, Electrons, Jets, Constituents int
}

// DefaultSizes are the sizes used by Generate when none are given.
var DefaultSizes = Sizes{Values: 32, Electrons: 4, Jets: 8, Constituents: 12}

// A Generator generates synthetic events.
type Generator struct {
	r     *rand.Rand
	sizes Sizes
	next  uint64
}

// NewGenerator returns a deterministic generator seeded with seed.
func NewGenerator(seed int64, sizes Sizes) *Generator {
	return &Generator{r: rand.New(rand.NewSource(seed)), sizes: sizes}
}

// Generate returns n synthetic events with DefaultSizes, generated
// from the provided seed.
func Generate(seed int64, n int) []*store.Event {
	return NewGenerator(seed, DefaultSizes).Events(n)
}

// Events returns the next n events.
func (g *Generator) Events(n int) []*store.Event {
	events := make([]*store.Event, n)
	for i := range events {
		events[i] = g.Event()
	}
	return events
}

// Event returns the next event. Each event holds a value container,
// an electron container, and a jet container linked to its
// constituents.
func (g *Generator) Event() *store.Event {
	ev := store.NewEvent(g.next)
	g.next++
	must.Nil(ev.Record(ValuesKey, g.Values(g.r.Intn(g.sizes.Values+1))))
	must.Nil(ev.Record(ElectronsKey, g.Electrons(g.r.Intn(g.sizes.Electrons+1))))
	jets := g.Jets(g.r.Intn(g.sizes.Jets+1), g.sizes.Constituents)
	must.Nil(ev.Record(JetsKey, jets))
	must.Nil(ev.Record(ConstituentsKey, jets.Inner))
	return ev
}

// Values returns a container of n records with a float32 "value"
// attribute and a uint32 "id" attribute.
func (g *Generator) Values(n int) *edm.Container {
	var (
		c     = edm.New(n)
		value = make([]float32, n)
		id    = make([]uint32, n)
	)
	for i := range value {
		value[i] = float32(g.r.NormFloat64() * 10)
		id[i] = g.r.Uint32()
	}
	must.Nil(c.Aux.Set("value", value))
	must.Nil(c.Aux.Set("id", id))
	return c
}

// Electrons returns a container of n electrons with kinematic, author
// and charge attributes.
func (g *Generator) Electrons(n int) *edm.Container {
	var (
		c      = edm.New(n)
		eta    = make([]float32, n)
		phi    = make([]float32, n)
		pt     = make([]float32, n)
		author = make([]uint16, n)
		charge = make([]float32, n)
	)
	for i := 0; i < n; i++ {
		eta[i] = g.eta()
		phi[i] = g.phi()
		pt[i] = g.pt(7e3)
		author[i] = uint16(1 + g.r.Intn(4))
		charge[i] = float32(1 - 2*g.r.Intn(2))
	}
	must.Nil(c.Aux.Set("eta", eta))
	must.Nil(c.Aux.Set("phi", phi))
	must.Nil(c.Aux.Set("pt", pt))
	must.Nil(c.Aux.Set("author", author))
	must.Nil(c.Aux.Set("charge", charge))
	return c
}

// Jets returns a container of n jets, each linked to between 0 and
// maxConstituents constituents. Constituents are placed near their
// jet's axis.
func (g *Generator) Jets(n, maxConstituents int) *edm.Container {
	var (
		jets  = edm.New(n)
		eta   = make([]float32, n)
		phi   = make([]float32, n)
		pt    = make([]float32, n)
		links = make([][]int32, n)

		ceta, cphi, cpt []float32
	)
	for i := 0; i < n; i++ {
		eta[i] = g.eta()
		phi[i] = g.phi()
		nc := g.r.Intn(maxConstituents + 1)
		var sum float32
		for j := 0; j < nc; j++ {
			links[i] = append(links[i], int32(len(cpt)))
			cpt = append(cpt, g.pt(1e3))
			ceta = append(ceta, eta[i]+float32(g.r.NormFloat64()*0.2))
			cphi = append(cphi, wrap(phi[i]+float32(g.r.NormFloat64()*0.2)))
			sum += cpt[len(cpt)-1]
		}
		pt[i] = sum
	}
	constituents := edm.New(len(cpt))
	must.Nil(constituents.Aux.Set("pt", cpt))
	must.Nil(constituents.Aux.Set("eta", ceta))
	must.Nil(constituents.Aux.Set("phi", cphi))
	must.Nil(jets.Aux.Set("pt", pt))
	must.Nil(jets.Aux.Set("eta", eta))
	must.Nil(jets.Aux.Set("phi", phi))
	must.Nil(jets.Link(constituents, links))
	return jets
}

func (g *Generator) eta() float32 { return float32(g.r.Float64()*5 - 2.5) }

func (g *Generator) phi() float32 { return wrap(float32(g.r.Float64() * 2 * math.Pi)) }

// pt returns an exponentially distributed transverse momentum with
// the given mean, in MeV.
func (g *Generator) pt(mean float64) float32 { return float32(g.r.ExpFloat64() * mean) }

func wrap(phi float32) float32 { return float32(kernel.WrapPhi(float64(phi))) }
