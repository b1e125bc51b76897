// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package algs

import (
	"github.com/grailbio/offload"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/schema"
)

// LinearTransform replaces a float32 attribute x of its input
// records with A*x + B.
type LinearTransform struct {
	Input, Output string
	// Attribute is the name of the transformed attribute.
	Attribute string
	A, B      float32
}

// DefaultLinearTransform is the default linear transform
// configuration.
var DefaultLinearTransform = LinearTransform{
	Input:     ValuesKey,
	Output:    TransformedValuesKey,
	Attribute: "value",
	A:         2,
	B:         1,
}

// Name implements Algorithm.
func (l LinearTransform) Name() string { return "linear-transform" }

// Keys implements Algorithm.
func (l LinearTransform) Keys() offload.Keys {
	return offload.Keys{Input: l.Input, Output: l.Output}
}

// Step implements Algorithm.
func (l LinearTransform) Step(inv *offload.Invocation) error {
	in, err := inv.Acquire()
	if err != nil {
		return err
	}
	n := in.Len()
	count(inv, n)
	if n == 0 {
		return inv.PublishEmpty(in.DeepCopy())
	}
	values := schema.New(schema.Col(l.Attribute, float32(0)))
	host, err := inv.Buffer(values, n, memory.Host)
	if err != nil {
		return err
	}
	if err := load(host.View(), in.Aux); err != nil {
		return err
	}
	inv.Stage()

	devIn, err := inv.Buffer(values, n, memory.Device)
	if err != nil {
		return err
	}
	devOut, err := inv.Buffer(values, n, memory.Device)
	if err != nil {
		return err
	}
	inv.Setup(devOut.View())
	inv.TransferIn(host.View(), devIn.View())
	inv.Compute(func(s *device.Stream) *device.Event {
		return linearTransform(s, l.A, l.B, devIn.View(), devOut.View())
	})
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
