// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/offload"
	"github.com/grailbio/offload/algs"
	"github.com/grailbio/offload/eventio"
	"github.com/grailbio/offload/kernel"
	"github.com/grailbio/offload/offloadtest"
)

func gen(args []string) error {
	var (
		flags = flag.NewFlagSet("gen", flag.ExitOnError)
		n     = flags.Int("n", 1000, "number of events")
		seed  = flags.Int64("seed", 0, "generator seed")
		codec = flags.String("codec", "zstd", "output compression codec: none, zstd, or lz4")
	)
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, `usage: offload gen [-n N] [-seed S] [-codec C] output`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	if flags.NArg() != 1 {
		flags.Usage()
	}
	opts, err := options(*codec)
	if err != nil {
		return err
	}
	events := offloadtest.Generate(*seed, *n)
	if err := eventio.WriteAll(context.Background(), flags.Arg(0), opts, events); err != nil {
		return err
	}
	log.Printf("wrote %d events to %s", len(events), flags.Arg(0))
	return nil
}

func run(runner *offload.Runner, alg algs.Algorithm, args []string) error {
	var (
		flags = flag.NewFlagSet(alg.Name(), flag.ExitOnError)
		codec = flags.String("codec", "zstd", "output compression codec: none, zstd, or lz4")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: offload %s [-codec C] input output\n", alg.Name())
		flags.PrintDefaults()
		os.Exit(2)
	}
	if err := flags.Parse(args); err != nil {
		log.Fatal(err)
	}
	if flags.NArg() != 2 {
		flags.Usage()
	}
	opts, err := options(*codec)
	if err != nil {
		return err
	}
	ctx := context.Background()
	events, err := eventio.ReadAll(ctx, flags.Arg(0))
	if err != nil {
		return err
	}
	env, err := algs.Initialize(alg, runner)
	if err != nil {
		return err
	}
	if err := runner.Run(ctx, env, alg.Step, events); err != nil {
		return err
	}
	if err := eventio.WriteAll(ctx, flags.Arg(1), opts, events); err != nil {
		return err
	}
	log.Printf("%s: %d events: %v", alg.Name(), len(events), runner.Stats())
	return nil
}

func options(codec string) (eventio.Options, error) {
	c, err := eventio.ParseCodec(codec)
	return eventio.Options{Codec: c}, err
}

func kernels(w io.Writer) error {
	for _, name := range kernel.Names() {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}
