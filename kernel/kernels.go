// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/schema"
	"github.com/grailbio/offload/soa"
)

func init() {
	Register("linear-transform", LinearTransform)
	Register("calibrate-electrons", CalibrateElectrons)
	Register("exclusive-scan", ExclusiveScan)
	Register("jet-pull", JetPull)
}

var (
	// ValueSchema is the layout of the linear transform's input and
	// output: a single float32 column.
	ValueSchema = schema.New(schema.Col("value", float32(0)))

	// ElectronSchema is the layout of electrons processed by
	// CalibrateElectrons.
	ElectronSchema = schema.New(
		schema.Col("eta", float32(0)),
		schema.Col("phi", float32(0)),
		schema.Col("pt", float32(0)),
		schema.Col("author", uint16(0)),
	)
)

// Electron column indices in ElectronSchema.
const (
	ElectronEta = iota
	ElectronPhi
	ElectronPt
	ElectronAuthor
)

// LinearFunc is the type of LinearTransform.
type LinearFunc func(s *device.Stream, a, b float32, in, out soa.View) *device.Event

// LinearTransform computes out = a*in + b elementwise. The input and
// output views must both have ValueSchema's layout and equal lengths.
func LinearTransform(s *device.Stream, a, b float32, in, out soa.View) *device.Event {
	const name = "linear-transform"
	checkSchema(1, name, "input", in, ValueSchema)
	checkSchema(1, name, "output", out, ValueSchema)
	checkLen(1, name, "output", out, in.Len())
	return Dispatch(s, name, in.Len(), func(lo, hi int) error {
		x := soa.DeviceColumn[float32](in, 0)
		y := soa.DeviceColumn[float32](out, 0)
		for i := lo; i < hi; i++ {
			y[i] = a*x[i] + b
		}
		return nil
	}, in, out)
}

// Calibration holds the parameters of the electron calibration.
type Calibration struct {
	// EtaShift is added to each electron's pseudorapidity.
	EtaShift float32
	// PhiShift is added to each electron's azimuth, which is then
	// wrapped into (-π, π].
	PhiShift float32
	// PtScale multiplies each electron's transverse momentum.
	PtScale float32
	// AuthorScale, if non-nil, maps an electron's author to an
	// additional transverse momentum scale factor. Authors absent from
	// the map are not scaled.
	AuthorScale map[uint16]float32
}

// DefaultCalibration is the calibration applied when none is
// configured.
var DefaultCalibration = Calibration{EtaShift: 0.1, PtScale: 1}

// CalibrateFunc is the type of CalibrateElectrons.
type CalibrateFunc func(s *device.Stream, calib Calibration, in, out soa.View) *device.Event

// CalibrateElectrons computes calibrated electrons from in into out,
// one output electron per input electron. Both views must have
// ElectronSchema's layout. The author column is passed through.
func CalibrateElectrons(s *device.Stream, calib Calibration, in, out soa.View) *device.Event {
	const name = "calibrate-electrons"
	checkSchema(1, name, "input", in, ElectronSchema)
	checkSchema(1, name, "output", out, ElectronSchema)
	checkLen(1, name, "output", out, in.Len())
	scales := make(map[uint16]float32, len(calib.AuthorScale))
	for k, v := range calib.AuthorScale {
		scales[k] = v
	}
	return Dispatch(s, name, in.Len(), func(lo, hi int) error {
		var (
			eta    = soa.DeviceColumn[float32](in, ElectronEta)
			phi    = soa.DeviceColumn[float32](in, ElectronPhi)
			pt     = soa.DeviceColumn[float32](in, ElectronPt)
			author = soa.DeviceColumn[uint16](in, ElectronAuthor)

			etaOut    = soa.DeviceColumn[float32](out, ElectronEta)
			phiOut    = soa.DeviceColumn[float32](out, ElectronPhi)
			ptOut     = soa.DeviceColumn[float32](out, ElectronPt)
			authorOut = soa.DeviceColumn[uint16](out, ElectronAuthor)
		)
		for i := lo; i < hi; i++ {
			etaOut[i] = eta[i] + calib.EtaShift
			if calib.PhiShift != 0 {
				phiOut[i] = float32(WrapPhi(float64(phi[i] + calib.PhiShift)))
			} else {
				phiOut[i] = phi[i]
			}
			scale := calib.PtScale
			if f, ok := scales[author[i]]; ok {
				scale *= f
			}
			ptOut[i] = pt[i] * scale
			authorOut[i] = author[i]
		}
		return nil
	}, in, out)
}
