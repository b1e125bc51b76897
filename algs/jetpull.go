// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package algs

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/offload"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/edm"
	"github.com/grailbio/offload/flatten"
	"github.com/grailbio/offload/kernel"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/metrics"
	"github.com/grailbio/offload/soa"
)

// Names of the attributes decorating the output jets.
const (
	PullEta = "PullEta"
	PullPhi = "PullPhi"
)

// JetPull computes the pull vector of each jet from its
// constituents. The output container is a shallow copy of the input
// jets, decorated with the PullEta and PullPhi attributes.
type JetPull struct {
	Input, Output string
}

// DefaultJetPull is the default jet pull configuration.
var DefaultJetPull = JetPull{Input: JetsKey, Output: JetsWithPullKey}

// Name implements Algorithm.
func (j JetPull) Name() string { return "jet-pull" }

// Keys implements Algorithm.
func (j JetPull) Keys() offload.Keys {
	return offload.Keys{Input: j.Input, Output: j.Output}
}

// Step implements Algorithm.
func (j JetPull) Step(inv *offload.Invocation) error {
	jets, err := inv.Acquire()
	if err != nil {
		return err
	}
	n := jets.Len()
	count(inv, n)
	if n == 0 {
		return inv.PublishEmpty(jets.ShallowCopy())
	}
	host, err := inv.Buffer(kernel.KinematicsSchema, n, memory.Host)
	if err != nil {
		return err
	}
	if err := load(host.View(), jets.Aux); err != nil {
		return err
	}
	attrs, err := constituentAttrs(jets.Inner)
	if err != nil {
		return err
	}
	flat, err := flatten.Flatten(jets.Records(), edm.Record.Inner, attrs, inv.Host())
	if err != nil {
		return err
	}
	inv.Own(flat.Counts, flat.Inner)
	Constituents.Incr(metrics.ContextScope(inv.Context()), flat.Total())
	counts := soa.Column[uint32](flat.Counts.View(), 0)
	eta := soa.Column[float32](host.View(), kernel.Eta)
	log.Debug.Printf("Read %d jets with eta[0,%d] [%v,%v] and %d constituents, counts[0,%d] [%d,%d]",
		n, n-1, eta[0], eta[n-1], flat.Total(), n-1, counts[0], counts[n-1])
	inv.Stage()

	devJets, err := inv.Buffer(kernel.KinematicsSchema, n, memory.Device)
	if err != nil {
		return err
	}
	devCounts, err := inv.Buffer(flatten.CountSchema, n, memory.Device)
	if err != nil {
		return err
	}
	devConstituents, err := inv.Buffer(kernel.KinematicsSchema, flat.Total(), memory.Device)
	if err != nil {
		return err
	}
	devOffsets, err := inv.Buffer(kernel.OffsetSchema, n+1, memory.Device)
	if err != nil {
		return err
	}
	devPull, err := inv.Buffer(kernel.PullSchema, n, memory.Device)
	if err != nil {
		return err
	}
	inv.Setup(devOffsets.View())
	inv.Setup(devPull.View())
	inv.TransferIn(host.View(), devJets.View())
	inv.TransferIn(flat.Counts.View(), devCounts.View())
	inv.TransferIn(flat.Inner.View(), devConstituents.View())
	inv.Compute(func(s *device.Stream) *device.Event {
		return exclusiveScan(s, devCounts.View(), devOffsets.View())
	})
	inv.Compute(func(s *device.Stream) *device.Event {
		return jetPull(s, devJets.View(), devOffsets.View(), devConstituents.View(), devPull.View())
	})
	pull, err := inv.Buffer(kernel.PullSchema, n, memory.Host)
	if err != nil {
		return err
	}
	inv.TransferOut(devPull.View(), pull.View())
	if err := inv.Materialize(); err != nil {
		return err
	}

	logRows(inv, pull.View())
	out := jets.ShallowCopy()
	if err := save(out.Aux, pull.View(), PullEta, PullPhi); err != nil {
		return err
	}
	return inv.Publish(out)
}

// constituentAttrs returns the flattening attributes for jet
// constituents stored in c, laid out as kernel.KinematicsSchema. If
// c is nil, no jet has constituents.
func constituentAttrs(c *edm.Container) ([]flatten.Attr[edm.Record], error) {
	var pt, eta, phi []float32
	if c != nil {
		var err error
		if pt, err = edm.Values[float32](c.Aux, "pt"); err != nil {
			return nil, err
		}
		if eta, err = edm.Values[float32](c.Aux, "eta"); err != nil {
			return nil, err
		}
		if phi, err = edm.Values[float32](c.Aux, "phi"); err != nil {
			return nil, err
		}
	}
	return []flatten.Attr[edm.Record]{
		flatten.Field("pt", func(r edm.Record) float32 { return pt[r.Index()] }),
		flatten.Field("eta", func(r edm.Record) float32 { return eta[r.Index()] }),
		flatten.Field("phi", func(r edm.Record) float32 { return phi[r.Index()] }),
	}, nil
}
