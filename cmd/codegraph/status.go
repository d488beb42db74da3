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
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/codegraph/internal/ui"
)

// runStatus shows graph and embedding state for a repository.
func runStatus(args []string, configPath string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	server := fs.String("server", "", "API server base URL (default http://localhost:<port>)")
	repoID := fs.String("repo", "", "Repository id (required)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *repoID == "" {
		fmt.Fprintln(os.Stderr, "Usage: codegraph status --repo <repo-id>")
		return 1
	}

	cfg := mustLoadConfig(configPath)
	if *server == "" {
		*server = "http://localhost:" + cfg.Port
	}

	status, err := newAPIClient(*server).repoStatus(*repoID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if globals.JSON {
		_ = json.NewEncoder(os.Stdout).Encode(status)
		return 0
	}

	ui.Header("Repository status")
	ui.Label("repo_id", status.RepoID)
	ui.Label("nodes", strconv.Itoa(status.IndexedNodeCount))
	ui.Label("edges", strconv.Itoa(status.IndexedEdgeCount))
	ui.Label("embedded nodes", strconv.Itoa(status.EmbeddedNodes))
	ui.Label("embedded", fmt.Sprintf("%.0f%%", status.EmbeddedFraction*100))
	if status.EmbeddingsExist {
		ui.Success("Embeddings ready; hybrid retrieval active")
	} else {
		ui.Warning("No embeddings; retrieval is keyword-only")
	}
	return 0
}

// runJobs lists pipeline jobs for a repository, newest first.
func runJobs(args []string, configPath string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	server := fs.String("server", "", "API server base URL (default http://localhost:<port>)")
	repoID := fs.String("repo", "", "Repository id (required)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *repoID == "" {
		fmt.Fprintln(os.Stderr, "Usage: codegraph jobs --repo <repo-id>")
		return 1
	}

	cfg := mustLoadConfig(configPath)
	if *server == "" {
		*server = "http://localhost:" + cfg.Port
	}

	list, err := newAPIClient(*server).listJobs(*repoID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if globals.JSON {
		_ = json.NewEncoder(os.Stdout).Encode(list)
		return 0
	}

	if len(list) == 0 {
		ui.Info("No jobs for this repository")
		return 0
	}
	ui.Header("Jobs")
	for _, job := range list {
		line := fmt.Sprintf("%s  %-9s  %-10s  %3d%%  attempts=%d",
			job.JobID, job.Status, job.CurrentStep, job.Progress, job.Attempts)
		switch job.Status {
		case "completed":
			ui.Info(ui.Green(line))
		case "failed":
			ui.Info(ui.Yellow(line))
		default:
			ui.Info(line)
		}
		if job.Error != nil && *job.Error != "" {
			ui.Info("    " + ui.DimText(*job.Error))
		}
	}
	return 0
}
