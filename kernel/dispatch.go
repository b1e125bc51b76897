// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kernel

import (
	"math"

	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/schema"
	"github.com/grailbio/offload/soa"
)

// Dispatch launches the kernel body over n elements on stream s. The
// views are the kernel's arguments: Dispatch panics with a contract
// violation unless every one of them is device-resident. The returned
// event completes when every block of the kernel has run; its error
// reports a device execution failure.
func Dispatch(s *device.Stream, name string, n int, body func(lo, hi int) error, views ...soa.View) *device.Event {
	for i, v := range views {
		if v.Medium() != memory.Device {
			contract.Panicf(1, "kernel %s: argument %d is a %s view", name, i, v.Medium())
		}
	}
	return s.Launch(name, n, body)
}

func checkLen(calldepth int, name, what string, v soa.View, n int) {
	if v.Len() != n {
		contract.Panicf(calldepth+1, "kernel %s: %s has %d elements, expected %d", name, what, v.Len(), n)
	}
}

func checkSchema(calldepth int, name, what string, v soa.View, want schema.Type) {
	if !schema.Equal(v.Schema(), want) {
		contract.Panicf(calldepth+1, "kernel %s: %s has layout %s, expected %s",
			name, what, schema.String(v.Schema()), schema.String(want))
	}
}

// WrapPhi maps an azimuthal angle into (-π, π].
func WrapPhi(phi float64) float64 {
	phi = math.Remainder(phi, 2*math.Pi)
	if phi <= -math.Pi {
		phi += 2 * math.Pi
	}
	return phi
}
