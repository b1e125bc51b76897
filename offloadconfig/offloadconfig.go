// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package offloadconfig provides a mechanism to create an offload
// runner and its algorithms from a shared configuration.
// Offloadconfig uses the configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.offload/config.
//
// The following instances are registered:
//
//	offload                   the runner (*offload.Runner)
//	offload/device            the device options (device.Options)
//	offload/linear-transform  algs.LinearTransform
//	offload/electron-calib    algs.ElectronCalib
//	offload/jet-pull          algs.JetPull
package offloadconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/offload"
	"github.com/grailbio/offload/algs"
	"github.com/grailbio/offload/device"
)

// Path determines the location of the offload profile read by Parse.
var Path = os.ExpandEnv("$HOME/.offload/config")

func init() {
	config.Register("offload/device", func(inst *config.Constructor) {
		opts := device.DefaultOptions
		memory := int(opts.Memory)
		inst.StringVar(&opts.Name, "name", opts.Name, "the name of the device")
		inst.IntVar(&memory, "memory", memory, "device memory capacity in bytes")
		inst.IntVar(&opts.Units, "units", opts.Units, "number of concurrently executing kernel blocks")
		inst.IntVar(&opts.BlockSize, "block-size", opts.BlockSize, "number of elements processed by each kernel block")
		inst.Doc = "offload/device configures the offload device"
		inst.New = func() (interface{}, error) {
			opts.Memory = int64(memory)
			return opts, nil
		}
	})

	config.Register("offload", func(inst *config.Constructor) {
		var (
			devOpts    device.Options
			p          = 8
			hostMemory = int(offload.DefaultHostMemory)
			verify     bool
			tracePath  string
		)
		inst.IntVar(&p, "parallelism", p, "maximum number of concurrent invocations")
		inst.IntVar(&hostMemory, "host-memory", hostMemory, "host memory limit in bytes; 0 is unlimited")
		inst.BoolVar(&verify, "verify", false, "verify each transfer against its source")
		inst.StringVar(&tracePath, "trace", "", "path to which the invocation trace is written at shutdown")
		inst.InstanceVar(&devOpts, "device", "offload/device", "the device on which kernels execute")
		inst.Doc = "offload configures the offload runner"
		inst.New = func() (interface{}, error) {
			return offload.Start(
				offload.Parallelism(p),
				offload.HostMemory(int64(hostMemory)),
				offload.Verify(verify),
				offload.TracePath(tracePath),
				offload.Device(devOpts),
				offload.Status(new(status.Status)),
			), nil
		}
	})

	config.Register("offload/linear-transform", func(inst *config.Constructor) {
		alg := algs.DefaultLinearTransform
		a, b := float64(alg.A), float64(alg.B)
		registerKeys(inst, &alg.Input, &alg.Output)
		inst.StringVar(&alg.Attribute, "attribute", alg.Attribute, "the float32 attribute to transform")
		inst.FloatVar(&a, "a", a, "the transform's scale")
		inst.FloatVar(&b, "b", b, "the transform's offset")
		inst.Doc = "offload/linear-transform computes a*x+b over an attribute"
		inst.New = func() (interface{}, error) {
			alg.A, alg.B = float32(a), float32(b)
			return alg, nil
		}
	})

	config.Register("offload/electron-calib", func(inst *config.Constructor) {
		alg := algs.DefaultElectronCalib
		var (
			eta = float64(alg.EtaShift)
			phi = float64(alg.PhiShift)
			pt  = float64(alg.PtScale)
		)
		registerKeys(inst, &alg.Input, &alg.Output)
		inst.FloatVar(&eta, "eta-shift", eta, "shift applied to electron eta")
		inst.FloatVar(&phi, "phi-shift", phi, "shift applied to electron phi")
		inst.FloatVar(&pt, "pt-scale", pt, "scale applied to electron pt")
		inst.Doc = "offload/electron-calib calibrates electrons"
		inst.New = func() (interface{}, error) {
			alg.EtaShift, alg.PhiShift, alg.PtScale = float32(eta), float32(phi), float32(pt)
			return alg, nil
		}
	})

	config.Register("offload/jet-pull", func(inst *config.Constructor) {
		alg := algs.DefaultJetPull
		registerKeys(inst, &alg.Input, &alg.Output)
		inst.Doc = "offload/jet-pull computes jet pull vectors"
		inst.New = func() (interface{}, error) {
			return alg, nil
		}
	})
}

func registerKeys(inst *config.Constructor, input, output *string) {
	inst.StringVar(input, "input", *input, "the key of the input container")
	inst.StringVar(output, "output", *output, "the key of the output container")
}

// Parse registers configuration flags and calls flag.Parse. It reads
// offload configuration from Path defined in this package. Parse
// returns the runner as configured by the configuration and any
// flags provided. Parse panics if runner creation fails.
func Parse() *offload.Runner {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var runner *offload.Runner
	config.Must("offload", &runner)
	return runner
}

// Algorithm returns the configured algorithm with the given name,
// for example "jet-pull". Algorithm panics if the algorithm is not
// registered.
func Algorithm(name string) algs.Algorithm {
	var alg algs.Algorithm
	config.Must("offload/"+name, &alg)
	return alg
}
