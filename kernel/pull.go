// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"math"

	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/flatten"
	"github.com/grailbio/offload/schema"
	"github.com/grailbio/offload/soa"
)

var (
	// OffsetSchema is the layout of the prefix sums computed by
	// ExclusiveScan.
	OffsetSchema = schema.New(schema.Col("offset", uint32(0)))

	// KinematicsSchema is the layout of jets and jet constituents
	// given to JetPull.
	KinematicsSchema = schema.New(
		schema.Col("pt", float32(0)),
		schema.Col("eta", float32(0)),
		schema.Col("phi", float32(0)),
	)

	// PullSchema is the layout of JetPull's output: one pull vector
	// per jet.
	PullSchema = schema.New(
		schema.Col("pullEta", float32(0)),
		schema.Col("pullPhi", float32(0)),
	)
)

// Kinematic column indices in KinematicsSchema.
const (
	Pt = iota
	Eta
	Phi
)

// ScanFunc is the type of ExclusiveScan.
type ScanFunc func(s *device.Stream, counts, offsets soa.View) *device.Event

// ExclusiveScan computes the exclusive prefix sums of counts into
// offsets, which must have one more element than counts; its last
// element holds the total.
func ExclusiveScan(s *device.Stream, counts, offsets soa.View) *device.Event {
	const name = "exclusive-scan"
	checkSchema(1, name, "counts", counts, flatten.CountSchema)
	checkSchema(1, name, "offsets", offsets, OffsetSchema)
	checkLen(1, name, "offsets", offsets, counts.Len()+1)
	// The scan is sequential: a single block covers it.
	return Dispatch(s, name, 1, func(lo, hi int) error {
		var (
			c   = soa.DeviceColumn[uint32](counts, 0)
			off = soa.DeviceColumn[uint32](offsets, 0)
		)
		off[0] = 0
		for i, n := range c {
			off[i+1] = off[i] + n
		}
		return nil
	}, counts, offsets)
}

// PullFunc is the type of JetPull.
type PullFunc func(s *device.Stream, jets, offsets, constituents, out soa.View) *device.Event

// JetPull computes the pull vector of each jet. The constituents of
// jet i occupy rows [offsets[i], offsets[i+1]) of constituents; jets
// and constituents have KinematicsSchema's layout and out has
// PullSchema's layout, with one element per jet.
//
// For a jet with transverse momentum pT and constituents at (ηi, φi)
// with transverse momenta pTi, the pull is
//
//	Σ pTi |ri| ri / pT
//
// where ri = (ηi - η, φi - φ) with the azimuthal difference wrapped
// into (-π, π]. A jet with no transverse momentum has zero pull.
func JetPull(s *device.Stream, jets, offsets, constituents, out soa.View) *device.Event {
	const name = "jet-pull"
	checkSchema(1, name, "jets", jets, KinematicsSchema)
	checkSchema(1, name, "offsets", offsets, OffsetSchema)
	checkSchema(1, name, "constituents", constituents, KinematicsSchema)
	checkSchema(1, name, "output", out, PullSchema)
	checkLen(1, name, "offsets", offsets, jets.Len()+1)
	checkLen(1, name, "output", out, jets.Len())
	return Dispatch(s, name, jets.Len(), func(lo, hi int) error {
		var (
			jpt  = soa.DeviceColumn[float32](jets, Pt)
			jeta = soa.DeviceColumn[float32](jets, Eta)
			jphi = soa.DeviceColumn[float32](jets, Phi)
			off  = soa.DeviceColumn[uint32](offsets, 0)
			cpt  = soa.DeviceColumn[float32](constituents, Pt)
			ceta = soa.DeviceColumn[float32](constituents, Eta)
			cphi = soa.DeviceColumn[float32](constituents, Phi)
			peta = soa.DeviceColumn[float32](out, 0)
			pphi = soa.DeviceColumn[float32](out, 1)
		)
		for j := lo; j < hi; j++ {
			var dy, dphi float64
			if pt := float64(jpt[j]); pt > 0 {
				for i := off[j]; i < off[j+1]; i++ {
					var (
						ry   = float64(ceta[i] - jeta[j])
						rphi = WrapPhi(float64(cphi[i] - jphi[j]))
						w    = float64(cpt[i]) * math.Hypot(ry, rphi) / pt
					)
					dy += w * ry
					dphi += w * rphi
				}
			}
			peta[j] = float32(dy)
			pphi[j] = float32(dphi)
		}
		return nil
	}, jets, offsets, constituents, out)
}
