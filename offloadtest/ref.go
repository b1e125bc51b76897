// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package offloadtest

import (
	"math"

	"github.com/grailbio/offload/kernel"
)

// Linear is the host reference implementation of
// kernel.LinearTransform.
func Linear(a, b float32, x []float32) []float32 {
	y := make([]float32, len(x))
	for i := range x {
		y[i] = a*x[i] + b
	}
	return y
}

// Electron is a single electron, as seen by the calibration.
type Electron struct {
	Eta, Phi, Pt float32
	Author       uint16
}

// Calibrate is the host reference implementation of
// kernel.CalibrateElectrons.
func Calibrate(calib kernel.Calibration, in []Electron) []Electron {
	out := make([]Electron, len(in))
	for i, e := range in {
		out[i].Eta = e.Eta + calib.EtaShift
		out[i].Phi = e.Phi
		if calib.PhiShift != 0 {
			out[i].Phi = float32(kernel.WrapPhi(float64(e.Phi + calib.PhiShift)))
		}
		scale := calib.PtScale
		if f, ok := calib.AuthorScale[e.Author]; ok {
			scale *= f
		}
		out[i].Pt = e.Pt * scale
		out[i].Author = e.Author
	}
	return out
}

// Kinematics are the kinematic attributes of a jet or constituent.
type Kinematics struct {
	Pt, Eta, Phi float32
}

// Jet is a jet together with its constituents.
type Jet struct {
	Kinematics
	Constituents []Kinematics
}

// Pull is the host reference implementation of kernel.JetPull. It
// returns the pull vector (η, φ) of each jet.
func Pull(jets []Jet) (eta, phi []float32) {
	eta = make([]float32, len(jets))
	phi = make([]float32, len(jets))
	for j, jet := range jets {
		pt := float64(jet.Pt)
		if pt <= 0 {
			continue
		}
		var dy, dphi float64
		for _, c := range jet.Constituents {
			var (
				ry   = float64(c.Eta - jet.Eta)
				rphi = kernel.WrapPhi(float64(c.Phi - jet.Phi))
				w    = float64(c.Pt) * math.Hypot(ry, rphi) / pt
			)
			dy += w * ry
			dphi += w * rphi
		}
		eta[j], phi[j] = float32(dy), float32(dphi)
	}
	return
}
