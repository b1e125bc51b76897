// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command offload generates synthetic event files and runs offload
// algorithms over them.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Exposed on the diagnostic web server.
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/offload"
	"github.com/grailbio/offload/offloadconfig"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: offload [-status] [-http addr] command args...

Command offload runs offload algorithms over event files. The runner
is configured by the profile at $HOME/.offload/config, and by the
configuration flags.

Available commands are:

	gen [-n N] [-seed S] [-codec C] output
		Generate N synthetic events into output.
	linear-transform input output
	electron-calib input output
	jet-pull input output
		Run the named algorithm over the events in input, writing
		the resulting events to output.
	kernels
		List the registered device kernels.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	var (
		console = flag.Bool("status", false, "print invocation status to stdout")
		addr    = flag.String("http", "", "address of the diagnostic web server")
	)
	log.AddFlags()
	runner := offloadconfig.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	displayStatus(runner, *console, *addr)

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		flag.Usage()
	case "gen":
		err = gen(args)
	case "kernels":
		err = kernels(os.Stdout)
	case "linear-transform", "electron-calib", "jet-pull":
		err = run(runner, offloadconfig.Algorithm(cmd), args)
	}
	runner.Shutdown(context.Background())
	must.Nil(err, cmd)
}

func displayStatus(runner *offload.Runner, console bool, addr string) {
	if console {
		var reporter status.Reporter
		go reporter.Go(os.Stdout, runner.Status())
	}
	if addr == "" {
		return
	}
	http.Handle("/debug/status", status.Handler(runner.Status()))
	http.HandleFunc("/debug/offload/trace", func(w http.ResponseWriter, r *http.Request) {
		if err := runner.WriteTrace(w); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	go func() {
		log.Printf("HTTP status at: %v", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Error.Printf("failed to start HTTP at %v: %v", addr, err)
		}
	}()
}
