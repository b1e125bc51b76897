// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package algs

import (
	"github.com/grailbio/offload"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/kernel"
	"github.com/grailbio/offload/memory"
)

// ElectronCalib calibrates electrons. The output container holds a
// full copy of the input's attributes, with the eta, phi, pt, and
// author attributes replaced by their calibrated values.
type ElectronCalib struct {
	Input, Output string
	kernel.Calibration
}

// DefaultElectronCalib is the default electron calibration
// configuration.
var DefaultElectronCalib = ElectronCalib{
	Input:       ElectronsKey,
	Output:      CalibratedElectronsKey,
	Calibration: kernel.DefaultCalibration,
}

// Name implements Algorithm.
func (e ElectronCalib) Name() string { return "electron-calib" }

// Keys implements Algorithm.
func (e ElectronCalib) Keys() offload.Keys {
	return offload.Keys{Input: e.Input, Output: e.Output}
}

// Step implements Algorithm.
func (e ElectronCalib) Step(inv *offload.Invocation) error {
	in, err := inv.Acquire()
	if err != nil {
		return err
	}
	n := in.Len()
	count(inv, n)
	if n == 0 {
		return inv.PublishEmpty(in.DeepCopy())
	}
	host, err := inv.Buffer(kernel.ElectronSchema, n, memory.Host)
	if err != nil {
		return err
	}
	if err := load(host.View(), in.Aux); err != nil {
		return err
	}
	inv.Stage()

	devIn, err := inv.Buffer(kernel.ElectronSchema, n, memory.Device)
	if err != nil {
		return err
	}
	inv.Setup(devIn.View())
	devOut, err := inv.Buffer(kernel.ElectronSchema, n, memory.Device)
	if err != nil {
		return err
	}
	inv.Setup(devOut.View())
	inv.TransferIn(host.View(), devIn.View())
	inv.Compute(func(s *device.Stream) *device.Event {
		return calibrateElectrons(s, e.Calibration, devIn.View(), devOut.View())
	})
	// The host staging buffer receives the results.
	inv.TransferOut(devOut.View(), host.View())
	if err := inv.Materialize(); err != nil {
		return err
	}

	logRows(inv, host.View())
	out := in.DeepCopy()
	if err := save(out.Aux, host.View()); err != nil {
		return err
	}
	return inv.Publish(out)
}
