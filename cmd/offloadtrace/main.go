// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command offloadtrace summarizes an offload runner trace. For each
// traced algorithm it prints the distribution of time spent in each
// pipeline stage, followed by the invocations that failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/offload/internal/trace"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: offloadtrace trace

Command offloadtrace summarizes the trace written by an offload
runner configured with a trace path.`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	log.AddFlags()
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}
	ctx := context.Background()
	tr, err := readTrace(ctx, flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	writeSession(os.Stdout, newSession(tr.Events))
}

func readTrace(ctx context.Context, path string) (tr trace.T, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return tr, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	err = tr.Decode(f.Reader(ctx))
	return
}

func writeSession(w io.Writer, s *session) {
	tw := tabwriter.NewWriter(w, 4, 4, 1, ' ', 0)
	for _, algorithm := range s.Algorithms() {
		fmt.Fprintf(tw, "%s\n", algorithm)
		fmt.Fprintf(tw, "\tstage\tcount\ttotal\tmin\tq1\tq2\tq3\tmax\n")
		for _, stat := range s.Stats(algorithm) {
			fmt.Fprintf(tw, "\t%s\t%d\t%v\t%v\t%v\t%v\t%v\t%v\n",
				stat.stage, stat.count, stat.total,
				stat.min, stat.q1, stat.q2, stat.q3, stat.max)
		}
		failed := s.Failed(algorithm)
		if len(failed) == 0 {
			continue
		}
		fmt.Fprintf(tw, "\tfailed\tinvocation\tevent\terror\n")
		for _, inv := range failed {
			fmt.Fprintf(tw, "\t\t%d\t%d\t%s\n", inv.index, inv.event, inv.err)
		}
	}
	tw.Flush()
}
