// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package offloadtest

import (
	"context"
	"math"
	"testing"

	"github.com/grailbio/offload"
	"github.com/grailbio/offload/algs"
	"github.com/grailbio/offload/edm"
	"github.com/grailbio/offload/store"
)

// Run runs alg over events on a new runner configured with the
// provided options. Errors are reported as fatal to the provided t
// instance.
func Run(t testing.TB, alg algs.Algorithm, events []*store.Event, opts ...offload.Option) {
	t.Helper()
	runner := offload.Start(opts...)
	defer runner.Shutdown(context.Background())
	env, err := algs.Initialize(alg, runner)
	if err != nil {
		t.Fatal(err)
	}
	if err := runner.Run(context.Background(), env, alg.Step, events); err != nil {
		t.Fatal(err)
	}
}

// Retrieve returns the container recorded under key in ev. Errors
// are reported as fatal to the provided t instance.
func Retrieve(t testing.TB, ev *store.Event, key string) *edm.Container {
	t.Helper()
	c, err := ev.Retrieve(key)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// Float32s returns the named float32 attribute of c. Errors are
// reported as fatal to the provided t instance.
func Float32s(t testing.TB, c *edm.Container, name string) []float32 {
	t.Helper()
	vals, err := edm.Values[float32](c.Aux, name)
	if err != nil {
		t.Fatal(err)
	}
	return vals
}

// Electrons returns the electrons held in c.
func Electrons(t testing.TB, c *edm.Container) []Electron {
	t.Helper()
	var (
		eta    = Float32s(t, c, "eta")
		phi    = Float32s(t, c, "phi")
		pt     = Float32s(t, c, "pt")
		author []uint16
		err    error
	)
	if author, err = edm.Values[uint16](c.Aux, "author"); err != nil {
		t.Fatal(err)
	}
	electrons := make([]Electron, c.Len())
	for i := range electrons {
		electrons[i] = Electron{Eta: eta[i], Phi: phi[i], Pt: pt[i], Author: author[i]}
	}
	return electrons
}

// Jets returns the jets held in c, together with their constituents.
func Jets(t testing.TB, c *edm.Container) []Jet {
	t.Helper()
	kinematics := func(r edm.Record) Kinematics {
		var k Kinematics
		var err error
		if k.Pt, err = edm.Get[float32](r, "pt"); err != nil {
			t.Fatal(err)
		}
		if k.Eta, err = edm.Get[float32](r, "eta"); err != nil {
			t.Fatal(err)
		}
		if k.Phi, err = edm.Get[float32](r, "phi"); err != nil {
			t.Fatal(err)
		}
		return k
	}
	jets := make([]Jet, c.Len())
	for i, r := range c.Records() {
		jets[i].Kinematics = kinematics(r)
		for _, inner := range r.Inner() {
			jets[i].Constituents = append(jets[i].Constituents, kinematics(inner))
		}
	}
	return jets
}

// Close reports whether the float32 values got and want are equal to
// within a relative tolerance of 1e-5.
func Close(got, want float32) bool {
	if got == want {
		return true
	}
	diff := math.Abs(float64(got) - float64(want))
	return diff <= 1e-5*math.Max(math.Abs(float64(want)), 1)
}
