// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/codegraph/pkg/archive"
	"github.com/kraklabs/codegraph/pkg/extract"
	"github.com/kraklabs/codegraph/pkg/graphdb"
	"github.com/kraklabs/codegraph/pkg/jobs"
)

// runWorker starts a pipeline worker consuming queued jobs.
func runWorker(args []string, configPath string) int {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	concurrency := fs.Int("concurrency", 2, "Jobs processed in parallel by this worker")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *concurrency < 1 {
		*concurrency = 1
	}

	cfg := mustLoadConfig(configPath)
	logger := newLogger(cfg)
	if err := cfg.ConfigError(); err != nil {
		logger.Warn("config.degraded", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := jobs.NewStore(ctx, cfg.DatabaseURL, cfg.Jobs.MaxAttempts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	queue, err := jobs.ConnectQueue(cfg.NATSURL, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer queue.Close()

	sandbox := archive.NewSandbox(archive.Limits{
		MaxZipBytes:           cfg.Ingest.MaxZipMB << 20,
		MaxFiles:              cfg.Ingest.MaxFiles,
		MaxTotalUnzippedBytes: cfg.Ingest.MaxTotalUnzippedMB << 20,
	}, logger)
	extractor := extract.NewExtractor(cfg.Ingest.MaxSnippetChars, logger)
	graph := graphdb.New(cfg.GraphServiceURL, graphCallTimeout, logger)

	engine := jobs.NewEngine(jobs.EngineOptions{
		Store:        store,
		Queue:        queue,
		Sandbox:      sandbox,
		Extractor:    extractor,
		Graph:        graph,
		Paths:        jobs.Paths{DataDir: cfg.DataDir},
		EmbedEnabled: cfg.EmbeddingsActive(),
		EmbedPolicy:  embedPolicyFrom(cfg),
		RequeueDelay: cfg.Jobs.RequeueDelay,
	}, logger)

	// A worker runs one job to completion per slot; the semaphore caps
	// the slots. NATS delivery goroutines block on it, which is the
	// backpressure we want.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	sub, err := queue.Subscribe(func(jobID uuid.UUID) {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			if _, err := engine.Run(ctx, jobID); err != nil {
				logger.Error("worker.run_failed", "job_id", jobID, "error", err)
			}
		}()
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger.Info("worker.started", "version", version, "concurrency", *concurrency)
	<-ctx.Done()
	logger.Info("worker.stopping")
	if err := sub.Drain(); err != nil {
		logger.Warn("worker.drain_failed", "error", err)
	}
	wg.Wait()
	return 0
}
