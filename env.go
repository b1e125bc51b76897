// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package offload

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/offload/contract"
	"github.com/grailbio/offload/store"
)

// Keys name the input and output collections of an algorithm.
type Keys struct {
	Input, Output string
}

// An Env is the resolved, immutable configuration of an algorithm:
// its name, its input and output handles, and the runner whose
// resources its invocations use. Envs are created once, by
// Initialize, and shared by all invocations of the algorithm.
type Env struct {
	// Name is the algorithm's name.
	Name string
	// Input and Output are the handles through which invocations
	// read their input and record their output.
	Input  store.ReadHandle
	Output store.WriteHandle

	runner *Runner
}

// Initialize resolves the keys of algorithm name and binds it to the
// provided runner.
func Initialize(name string, keys Keys, runner *Runner) (*Env, error) {
	if runner == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("initialize %s: nil runner", name))
	}
	input, err := store.NewReadHandle(keys.Input)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("initialize %s", name), err)
	}
	output, err := store.NewWriteHandle(keys.Output)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("initialize %s", name), err)
	}
	log.Debug.Printf("offload: initialized %s: %s -> %s", name, keys.Input, keys.Output)
	return &Env{Name: name, Input: input, Output: output, runner: runner}, nil
}

// Runner returns the runner to which the environment is bound.
func (e *Env) Runner() *Runner { return e.runner }

// A Step is the per-invocation body of an algorithm. A step drives
// its invocation through the pipeline states using the invocation's
// helper methods, and must leave it Published when it returns
// without error.
type Step func(inv *Invocation) error

// Execute runs step over event ev as a new invocation of env.
// Execute blocks until one of the runner's invocation slots is
// available.
//
// Execute returns the invocation's terminal result. Errors returned
// by the step, contract violations raised by it, and device failures
// all fail the invocation. In every case, Execute waits for the
// invocation's device work to complete before releasing its
// buffers, even if ctx is done.
func Execute(ctx context.Context, env *Env, step Step, ev *store.Event) error {
	r := env.runner
	if err := r.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.limiter.Release(1)

	inv := newInvocation(ctx, env, r.nextIndex(), ev)
	var task *status.Task
	if r.group != nil {
		task = r.group.Startf("%s(%x) event %d", env.Name, inv.Index, ev.Index)
		task.Print("running")
		defer task.Done()
	}
	start := time.Now()
	err := run(step, inv)
	if err == nil {
		if state := inv.State(); state != Published {
			err = errors.E(errors.Invalid, errors.Fatal,
				contract.Errorf(0, "%s: step returned in state %s", env.Name, state))
		}
	}
	if err != nil {
		err = errors.E(fmt.Sprintf("%s[%d] event %d", env.Name, inv.Index, ev.Index), err)
		inv.fail(err)
	}
	inv.drain()
	r.merge(&inv.Scope)
	r.stats.Int("invocations").Add(1)
	elapsed := time.Since(start)
	if err != nil {
		r.stats.Int("failed").Add(1)
		log.Error.Printf("%v", err)
	} else {
		log.Debug.Printf("%s: %s", inv, elapsed)
	}
	if task != nil {
		task.Print(inv.State())
	}
	r.eventer.Event("offload:invocation",
		"algorithm", env.Name,
		"invocation", inv.Index,
		"event", ev.Index,
		"state", inv.State().String(),
		"duration", elapsed.Seconds(),
		"ok", err == nil)
	return err
}

func run(step Step, inv *Invocation) (err error) {
	defer contract.Recover(&err)
	return step(inv)
}
