// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package offload implements a pipeline that offloads columnar,
per-event data to an accelerator device, runs a vectorized kernel
over it, and materializes the results into host-resident output
containers.

Algorithms are written as steps: functions that drive a single
invocation through the pipeline stages

	Idle → Acquired → Staged → TransferringIn → Computing →
	TransferringOut → Materializing → Published

using the helper methods of Invocation. An invocation with no input
records may publish an empty output directly after acquiring its
input. Any failure (resource exhaustion, a contract violation, or a
device execution failure) moves the invocation to the terminal Failed
state; no output is published for failed invocations.

A Runner owns the device and the memory resources shared by
invocations. Algorithms are bound to a runner with Initialize, which
resolves their input and output keys once; Execute runs a single
invocation, and Runner.Run runs many concurrently:

	runner := offload.Start(offload.Parallelism(8))
	defer runner.Shutdown(ctx)
	env, err := offload.Initialize("calibrate", offload.Keys{
		Input:  "Electrons",
		Output: "CalibratedElectrons",
	}, runner)
	if err != nil {
		log.Fatal(err)
	}
	if err := runner.Run(ctx, env, step, events); err != nil {
		log.Fatal(err)
	}

Package github.com/grailbio/offload/algs provides the standard
algorithms.
*/
package offload
