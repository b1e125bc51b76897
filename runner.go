// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package offload

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/offload/device"
	"github.com/grailbio/offload/memory"
	"github.com/grailbio/offload/metrics"
	"github.com/grailbio/offload/stats"
	"github.com/grailbio/offload/store"
)

// DefaultHostMemory is the default limit on host staging memory.
const DefaultHostMemory = 4 << 30

// A Runner is the process-level driver of offload invocations. It
// owns the device and the memory resource bundle shared by all
// invocations, bounds the number of concurrently running
// invocations, and aggregates their metrics and traces.
//
// Runners are created by Start and should be shut down with
// Shutdown when they are no longer needed.
type Runner struct {
	index     int32
	p         int
	devOpts   device.Options
	hostLimit int64
	verify    bool
	status    *status.Status
	group     *status.Group
	eventer   eventlog.Eventer
	tracePath string

	device  *device.Device
	bundle  *memory.Bundle
	limiter *limiter.Limiter
	tracer  *tracer
	stats   *stats.Map

	next uint64

	mu    sync.Mutex
	scope metrics.Scope
}

// An Option represents a runner configuration parameter value.
type Option func(r *Runner)

// Parallelism configures the runner with the maximum number of
// concurrently executing invocations.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("offload.Parallelism: p <= 0")
	}
	return func(r *Runner) {
		r.p = p
	}
}

// Device configures the runner's device.
func Device(opts device.Options) Option {
	return func(r *Runner) {
		r.devOpts = opts
	}
}

// HostMemory limits the amount of host memory used for staging
// buffers. A limit of 0 means unlimited.
func HostMemory(limit int64) Option {
	if limit < 0 {
		panic("offload.HostMemory: limit < 0")
	}
	return func(r *Runner) {
		r.hostLimit = limit
	}
}

// Verify configures the runner to verify every copy with a checksum.
func Verify(verify bool) Option {
	return func(r *Runner) {
		r.verify = verify
	}
}

// Status configures the runner with a status object to which
// invocation statuses are reported.
func Status(status *status.Status) Option {
	return func(r *Runner) {
		r.status = status
	}
}

// Eventer configures the runner with an Eventer that is used to log
// runner and invocation events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(r *Runner) {
		r.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the
// runner is written on shutdown. The path may be any path supported
// by github.com/grailbio/base/file.
func TracePath(path string) Option {
	return func(r *Runner) {
		r.tracePath = path
	}
}

// nextRunnerIndex is the index of the next runner started by Start.
// It distinguishes diagnostic dumps of runners in the same process.
var nextRunnerIndex int32

// Start creates and starts a new runner configured according to the
// provided options.
func Start(options ...Option) *Runner {
	r := &Runner{
		index:     atomic.AddInt32(&nextRunnerIndex, 1) - 1,
		p:         1,
		devOpts:   device.DefaultOptions,
		hostLimit: DefaultHostMemory,
		eventer:   eventlog.Nop{},
		limiter:   limiter.New(),
	}
	for _, opt := range options {
		opt(r)
	}
	r.device = device.New(r.devOpts)
	r.bundle = memory.NewBundle(r.device, r.hostLimit)
	r.limiter.Release(r.p)
	r.tracer = newTracer(r.device.Name())
	r.stats = stats.NewMap("runner")
	if r.status != nil {
		r.group = r.status.Groupf("offload %s", r.device.Name())
		status := r.status
		dump.Register(fmt.Sprintf("offload-%02d-status", r.index), func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
	dump.Register(fmt.Sprintf("offload-%02d-trace", r.index), func(ctx context.Context, w io.Writer) error {
		return r.tracer.Marshal(w)
	})
	r.eventer.Event("offload:runnerStart",
		"device", r.device.Name(),
		"deviceMemory", r.device.Capacity(),
		"units", r.devOpts.Units,
		"parallelism", r.p,
		"verify", r.verify)
	log.Printf("offload: started runner on %s (parallelism %d)", r.device, r.p)
	return r
}

// Parallelism returns the maximum number of concurrently executing
// invocations.
func (r *Runner) Parallelism() int { return r.p }

// Device returns the runner's device.
func (r *Runner) Device() *device.Device { return r.device }

// Bundle returns the memory resources shared by the runner's
// invocations.
func (r *Runner) Bundle() *memory.Bundle { return r.bundle }

// Status returns the runner's status object, if any.
func (r *Runner) Status() *status.Status { return r.status }

// Metrics returns a snapshot of the metrics of all completed
// invocations.
func (r *Runner) Metrics() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scope.Snapshot()
}

// Stats returns the runner's invocation counters together with the
// statistics of its device and memory resources.
func (r *Runner) Stats() stats.Values {
	vals := r.stats.Snapshot()
	for k, v := range r.bundle.Stats() {
		vals[k] = v
	}
	for k, v := range r.device.Stats() {
		vals[k] = v
	}
	return vals
}

// Run executes step over each of the provided events, with at most
// Parallelism invocations running at once. Each invocation succeeds
// or fails independently; Run returns an error describing the
// failures, if any, after all invocations have completed.
func (r *Runner) Run(ctx context.Context, env *Env, step Step, events []*store.Event) error {
	errs := make([]error, len(events))
	_ = traverse.Limit(r.p).Each(len(events), func(i int) error {
		errs[i] = Execute(ctx, env, step, events[i])
		return nil
	})
	var (
		first  error
		failed int
	)
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err
		}
		failed++
	}
	if failed == 0 {
		return nil
	}
	return errors.E(fmt.Sprintf("%s: %d of %d invocations failed", env.Name, failed, len(events)), first)
}

// WriteTrace writes the runner's invocation trace to w in Chrome's
// event tracing format.
func (r *Runner) WriteTrace(w io.Writer) error {
	return r.tracer.Marshal(w)
}

// Shutdown writes the runner's trace, if configured, and releases
// its memory resources. It should be called after all invocations
// have completed.
func (r *Runner) Shutdown(ctx context.Context) {
	if r.tracePath != "" {
		writeTraceFile(ctx, r.tracer, r.tracePath)
	}
	vals := r.Stats()
	r.bundle.Close()
	r.eventer.Event("offload:runnerShutdown",
		"invocations", vals["runner.invocations"],
		"failed", vals["runner.failed"],
		"deviceBytesPeak", vals[r.device.Name()+".bytes.peak"])
	log.Printf("offload: %s: %d invocations (%d failed), device peak %s",
		r.device.Name(), vals["runner.invocations"], vals["runner.failed"],
		data.Size(vals[r.device.Name()+".bytes.peak"]))
}

func (r *Runner) nextIndex() uint64 {
	return atomic.AddUint64(&r.next, 1) - 1
}

func (r *Runner) merge(scope *metrics.Scope) {
	r.mu.Lock()
	r.scope.Merge(scope)
	r.mu.Unlock()
}

func writeTraceFile(ctx context.Context, tracer *tracer, path string) {
	f, err := file.Create(ctx, path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := f.Close(ctx); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
		}
	}()
	if err := tracer.Marshal(f.Writer(ctx)); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
	}
}
