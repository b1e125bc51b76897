// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/grailbio/base/limitbuf"
	"github.com/grailbio/offload"
	"github.com/grailbio/offload/internal/trace"
)

// invocation is the outcome of a single invocation of an algorithm.
type invocation struct {
	index     int
	event     int
	algorithm string
	state     string
	err       string
}

// stageStat summarizes the time spent by an algorithm's invocations
// in a single stage.
type stageStat struct {
	algorithm string
	stage     string
	count     int
	total     time.Duration
	summary
}

// session holds the invocations and stage statistics of a runner
// trace.
type session struct {
	invs  []invocation
	stats []stageStat
}

// stageOrder maps stage names to their position in the pipeline.
var stageOrder = make(map[string]int)

func init() {
	for s := offload.Idle; s <= offload.Failed; s++ {
		stageOrder[s.String()] = int(s)
	}
}

func newSession(events []trace.Event) *session {
	return &session{
		invs:  buildInvs(events),
		stats: buildStats(events),
	}
}

// Algorithms returns the names of the traced algorithms, in order.
func (s *session) Algorithms() []string {
	seen := make(map[string]bool)
	var names []string
	for _, inv := range s.invs {
		if !seen[inv.algorithm] {
			seen[inv.algorithm] = true
			names = append(names, inv.algorithm)
		}
	}
	sort.Strings(names)
	return names
}

// Stats returns the stage statistics of the named algorithm, in
// pipeline order.
func (s *session) Stats(algorithm string) []stageStat {
	var stats []stageStat
	for _, stat := range s.stats {
		if stat.algorithm == algorithm {
			stats = append(stats, stat)
		}
	}
	sort.Slice(stats, func(i, j int) bool {
		return stageOrder[stats[i].stage] < stageOrder[stats[j].stage]
	})
	return stats
}

// Failed returns the failed invocations of the named algorithm.
func (s *session) Failed(algorithm string) []invocation {
	var invs []invocation
	for _, inv := range s.invs {
		if inv.algorithm == algorithm && inv.state == offload.Failed.String() {
			invs = append(invs, inv)
		}
	}
	return invs
}

func buildInvs(events []trace.Event) []invocation {
	var invs []invocation
	for _, event := range events {
		if event.Cat != "invocation" {
			continue
		}
		inv := invocation{state: event.Name}
		var ok bool
		if inv.algorithm, ok = event.Args["algorithm"].(string); !ok {
			log.Printf("could not parse algorithm: %#v", event)
			continue
		}
		if inv.index, ok = intArg(event, "invocation"); !ok {
			log.Printf("could not parse invocation index: %#v", event)
			continue
		}
		if inv.event, ok = intArg(event, "event"); !ok {
			log.Printf("could not parse event index: %#v", event)
			continue
		}
		if err, ok := event.Args["error"].(string); ok {
			inv.err = truncatef(err)
		}
		invs = append(invs, inv)
	}
	sort.Slice(invs, func(i, j int) bool { return invs[i].index < invs[j].index })
	return invs
}

func buildStats(events []trace.Event) []stageStat {
	type key struct{ algorithm, stage string }
	durations := make(map[key][]time.Duration)
	for _, event := range events {
		if event.Cat != "stage" || event.Ph != "X" {
			continue
		}
		algorithm, ok := event.Args["algorithm"].(string)
		if !ok {
			log.Printf("could not parse algorithm: %#v", event)
			continue
		}
		k := key{algorithm, event.Name}
		durations[k] = append(durations[k], time.Duration(event.Dur*1e3))
	}
	stats := make([]stageStat, 0, len(durations))
	for k, ds := range durations {
		stat := stageStat{algorithm: k.algorithm, stage: k.stage, count: len(ds)}
		for _, d := range ds {
			stat.total += d
		}
		// ds is non-empty by construction.
		stat.summary = summarize(ds)
		stats = append(stats, stat)
	}
	return stats
}

func intArg(event trace.Event, name string) (int, bool) {
	// JSON numbers are decoded as float64.
	f, ok := event.Args[name].(float64)
	return int(f), ok
}

func truncatef(v interface{}) string {
	b := limitbuf.NewLogger(80)
	fmt.Fprint(b, v)
	return b.String()
}
