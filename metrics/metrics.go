// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics defines named metrics that are accumulated per
// pipeline invocation. Metric instances live in a Scope; each
// invocation carries its own scope, and scopes are merged into the
// runner's aggregate scope when the invocation completes.
package metrics

import (
	"sync"
	"sync/atomic"
)

var (
	mu sync.Mutex
	// metrics maps all registered metrics by id. We reserve index 0 to minimize
	// the chances of zero-valued metrics instances begin used uninitialized.
	metrics = []Metric{nil}
)

func newMetric(makeMetric func(id int) Metric) {
	mu.Lock()
	metrics = append(metrics, makeMetric(len(metrics)))
	mu.Unlock()
}

func lookup(id int) Metric {
	mu.Lock()
	defer mu.Unlock()
	return metrics[id]
}

// Metric is a registered metric. Its instances are maintained by
// scopes.
type Metric interface {
	metricID() int
	// Name returns the name under which the metric is reported.
	Name() string
	newInstance() interface{}
	value(interface{}) uint64
	merge(interface{}, interface{})
}

// A Counter is a monotonically increasing count, for example the
// number of bytes moved to a device.
type Counter struct {
	id   int
	name string
}

// NewCounter registers and returns a new counter with the given
// name.
func NewCounter(name string) Counter {
	var c Counter
	newMetric(func(id int) Metric {
		c = Counter{id: id, name: name}
		return c
	})
	return c
}

// Value returns the counter's value in scope. A nil scope has value 0.
func (c Counter) Value(scope *Scope) uint64 {
	if scope == nil {
		return 0
	}
	return atomic.LoadUint64(scope.instance(c).(*uint64))
}

// Incr increments the counter in scope by n. Incrementing a counter
// in a nil scope is a no-op.
func (c Counter) Incr(scope *Scope, n int) {
	if scope == nil {
		return
	}
	atomic.AddUint64(scope.instance(c).(*uint64), uint64(n))
}

// Name implements Metric.
func (c Counter) Name() string { return c.name }

func (c Counter) metricID() int { return c.id }
func (c Counter) newInstance() interface{} {
	return new(uint64)
}
func (c Counter) value(instance interface{}) uint64 {
	return atomic.LoadUint64(instance.(*uint64))
}
func (c Counter) merge(x, y interface{}) {
	atomic.AddUint64(x.(*uint64), atomic.LoadUint64(y.(*uint64)))
}

// A Gauge tracks the maximum of the values observed in a scope, for
// example the largest buffer staged by any invocation. Merging gauges
// keeps the larger value.
type Gauge struct {
	id   int
	name string
}

// NewGauge registers and returns a new gauge with the given name.
func NewGauge(name string) Gauge {
	var g Gauge
	newMetric(func(id int) Metric {
		g = Gauge{id: id, name: name}
		return g
	})
	return g
}

// Observe records the value n in scope.
func (g Gauge) Observe(scope *Scope, n int) {
	if scope == nil {
		return
	}
	max(scope.instance(g).(*uint64), uint64(n))
}

// Value returns the largest observed value in scope.
func (g Gauge) Value(scope *Scope) uint64 {
	if scope == nil {
		return 0
	}
	return atomic.LoadUint64(scope.instance(g).(*uint64))
}

// Name implements Metric.
func (g Gauge) Name() string { return g.name }

func (g Gauge) metricID() int { return g.id }
func (g Gauge) newInstance() interface{} {
	return new(uint64)
}
func (g Gauge) value(instance interface{}) uint64 {
	return atomic.LoadUint64(instance.(*uint64))
}
func (g Gauge) merge(x, y interface{}) {
	max(x.(*uint64), atomic.LoadUint64(y.(*uint64)))
}

func max(p *uint64, n uint64) {
	for {
		cur := atomic.LoadUint64(p)
		if n <= cur || atomic.CompareAndSwapUint64(p, cur, n) {
			return
		}
	}
}
