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
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/codegraph/pkg/answer"
	"github.com/kraklabs/codegraph/pkg/config"
	"github.com/kraklabs/codegraph/pkg/embed"
	"github.com/kraklabs/codegraph/pkg/graphdb"
	"github.com/kraklabs/codegraph/pkg/httpapi"
	"github.com/kraklabs/codegraph/pkg/jobs"
	"github.com/kraklabs/codegraph/pkg/llm"
	"github.com/kraklabs/codegraph/pkg/retrieval"
	"github.com/kraklabs/codegraph/pkg/textquery"
)

// graphCallTimeout bounds each graph service call; bulk loads of large
// repositories are the slowest.
const graphCallTimeout = 60 * time.Second

func embedPolicyFrom(cfg *config.Config) embed.RetryPolicy {
	return embed.RetryPolicy{
		MaxRetries:  cfg.Embed.MaxRetries,
		BackoffBase: time.Duration(cfg.Embed.BackoffBaseSec * float64(time.Second)),
		BackoffMax:  time.Duration(cfg.Embed.BackoffMaxSec * float64(time.Second)),
	}
}

// runServe starts the HTTP API server.
func runServe(args []string, configPath string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.String("port", "", "Override the listen port")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := mustLoadConfig(configPath)
	if *port != "" {
		cfg.Port = *port
	}
	logger := newLogger(cfg)
	if err := cfg.ConfigError(); err != nil {
		// Boot anyway: /health reports the problem, embeddings stay off.
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

	graph := graphdb.New(cfg.GraphServiceURL, graphCallTimeout, logger)
	embedder := embed.NewClient(embed.Options{
		BaseURL:    cfg.Embed.BaseURL,
		APIKey:     cfg.Embed.APIKey,
		Model:      cfg.Embed.Model,
		Dimensions: cfg.Embed.Dimensions,
		Enabled:    cfg.EmbeddingsActive(),
		Policy:     embedPolicyFrom(cfg),
	}, logger)
	chat := llm.New(llm.Options{
		BaseURL: cfg.Chat.BaseURL,
		APIKey:  cfg.Chat.APIKey,
		Model:   cfg.Chat.Model,
		Enabled: cfg.Chat.APIKey != "",
	}, logger)

	server := httpapi.NewServer(httpapi.Options{
		Config:       cfg,
		Store:        store,
		Queue:        queue,
		Retriever:    retrieval.New(graph, embedder, cfg.Query.TopK, logger),
		Composer:     answer.NewComposer(chat, logger),
		Router:       textquery.NewRouter(chat, graph, logger),
		Graph:        graph,
		IsStructural: textquery.IsStructural,
	}, logger)

	logger.Info("serve.starting", "version", version, "port", cfg.Port)
	if err := server.ListenAndServe(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
