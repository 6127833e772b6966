// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The l4gen command runs the traffic generator: it loads a config file,
// brings up the ports and workers, configures the listed test cases and
// serves the admin API until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"l4gen.dev/adminweb"
	"l4gen.dev/config"
	"l4gen.dev/engine"
	"l4gen.dev/envknob"
	"l4gen.dev/types/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	fs := flag.NewFlagSet("l4gen", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "path to the HuJSON config file")
		listen     = fs.String("listen", "127.0.0.1:8017", "admin HTTP listen address")
		workers    = fs.Int("workers", 0, "number of worker cores; 0 uses the config file, or one per CPU")
		autostart  = fs.Bool("start", false, "start every configured test case after loading")
		verbose    = fs.Bool("verbose", false, "log every admin request")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("L4GEN")); err != nil {
		log.Fatalf("ff.Parse: %v", err)
	}
	if *configPath == "" {
		log.Fatal("missing --config")
	}
	envknob.LogCurrent(log.Printf)

	f, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err := run(f, *listen, *workers, *autostart, *verbose); err != nil {
		log.Fatal(err)
	}
}

func run(f config.File, listen string, workers int, autostart, verbose bool) error {
	c := &f.Parsed
	if workers == 0 {
		workers = c.Workers
	}
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	ports, bufs := c.BuildPorts(log.Printf)
	tcpBlocks, udpBlocks := c.Blocks()
	eng := engine.New(engine.Config{
		Workers:   workers,
		Ports:     ports,
		Buffers:   bufs,
		TCPBlocks: tcpBlocks,
		UDPBlocks: udpBlocks,
		Logf:      log.Printf,
	})
	log.Printf("l4gen: %d workers, %d ports, %d TCP and %d UDP blocks per worker", workers, len(ports), tcpBlocks, udpBlocks)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		eng,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The engine outlives ctx so that running test cases can be stopped
	// cleanly on shutdown.
	engCtx, engCancel := context.WithCancel(context.Background())
	defer engCancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(engCtx) })

	for _, t := range c.Tests {
		cfg, err := t.TestCase()
		if err != nil {
			return err
		}
		if err := eng.Configure(gctx, cfg); err != nil {
			return err
		}
	}
	if autostart {
		for _, st := range eng.List() {
			id, err := eng.Start(gctx, st.Key)
			if err != nil {
				return fmt.Errorf("starting %v: %w", st.Key, err)
			}
			log.Printf("started %v (%s %s) run %v", st.Key, st.Role, st.Proto, id)
		}
	}

	httpLogf := logger.Discard
	if verbose {
		httpLogf = logger.WithPrefix(log.Printf, "http: ")
	}
	srv := &http.Server{
		Addr:              listen,
		Handler:           adminweb.NewHandler(eng, adminweb.Options{Logf: httpLogf, Gatherer: reg}),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(log.Printf),
	}
	g.Go(func() error {
		log.Printf("admin API listening on %s", listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
		err := eng.StopAll(sctx)
		engCancel()
		return err
	})
	return g.Wait()
}
