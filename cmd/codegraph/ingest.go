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
	"time"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/codegraph/internal/ui"
)

// runIngest uploads a repository zip and optionally waits for the
// pipeline to finish.
func runIngest(args []string, configPath string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	server := fs.String("server", "", "API server base URL (default http://localhost:<port>)")
	kg := fs.Bool("kg", false, "Run the knowledge-graph ingestion pipeline")
	wait := fs.Bool("wait", false, "Poll until the job reaches a terminal state")
	pollInterval := fs.Duration("poll-interval", 2*time.Second, "Polling interval with --wait")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: codegraph ingest <repo.zip> [--kg] [--wait]")
		return 1
	}
	zipPath := fs.Arg(0)

	cfg := mustLoadConfig(configPath)
	if *server == "" {
		*server = "http://localhost:" + cfg.Port
	}
	client := newAPIClient(*server)

	endpoint := "/ingest/zip"
	if *kg {
		endpoint = "/ingest/kg/zip"
	}

	created, err := client.uploadZip(endpoint, zipPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if globals.JSON && !*wait {
		_ = json.NewEncoder(os.Stdout).Encode(created)
		return 0
	}
	if !globals.Quiet {
		ui.Header("Ingest started")
		ui.Label("job_id", created.JobID)
		ui.Label("repo_id", created.RepoID)
	}
	if !*wait {
		return 0
	}

	final, err := pollJob(client, created.JobID, *pollInterval, globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if globals.JSON {
		_ = json.NewEncoder(os.Stdout).Encode(final)
	}
	if final.Status != "completed" {
		if final.Error != nil {
			fmt.Fprintf(os.Stderr, "Job %s: %s\n", final.Status, *final.Error)
		}
		return 1
	}
	if !globals.Quiet {
		ui.Success("Pipeline completed")
	}
	return 0
}

// pollJob polls job status until it is terminal, driving a progress bar
// from the job's committed progress milestones.
func pollJob(client *apiClient, jobID string, interval time.Duration, globals GlobalFlags) (*jobStatus, error) {
	var bar *progressbar.ProgressBar
	if !globals.Quiet {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetDescription("pipeline"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	for {
		job, err := client.getJob(jobID)
		if err != nil {
			return nil, err
		}
		if bar != nil {
			_ = bar.Set(job.Progress)
			bar.Describe(fmt.Sprintf("pipeline [%s]", job.CurrentStep))
		}
		switch job.Status {
		case "completed", "failed":
			if bar != nil {
				_ = bar.Finish()
			}
			return job, nil
		}
		time.Sleep(interval)
	}
}
