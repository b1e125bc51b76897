// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"sort"
	"time"
)

// summary is the five-number summary of a set of durations.
type summary struct {
	min, q1, q2, q3, max time.Duration
}

// summarize sorts ds and returns its five-number summary. Quartiles
// are computed with Tukey's method: q2 is the median of ds, and q1
// and q3 are the medians of the lower and upper halves, which
// include q2 when len(ds) is odd. ds must be non-empty.
func summarize(ds []time.Duration) summary {
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	var (
		n     = len(ds)
		mid   = n / 2
		upper = mid
		s     = summary{min: ds[0], max: ds[n-1], q2: median(ds)}
	)
	if n%2 == 1 {
		upper++
	}
	s.q1 = median(ds[:upper])
	s.q3 = ds[n-1]
	if n > 1 {
		s.q3 = median(ds[mid:])
	}
	return s
}

func median(ds []time.Duration) time.Duration {
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		return ds[mid]
	}
	// Average without overflow.
	a, b := ds[mid-1], ds[mid]
	return a/2 + b/2 + (a%2+b%2)/2
}
