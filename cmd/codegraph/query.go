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

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/codegraph/internal/ui"
)

// runQuery asks a question about an ingested repository.
func runQuery(args []string, configPath string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	server := fs.String("server", "", "API server base URL (default http://localhost:<port>)")
	repoID := fs.String("repo", "", "Repository id (required)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 || *repoID == "" {
		fmt.Fprintln(os.Stderr, `Usage: codegraph query "<question>" --repo <repo-id>`)
		return 1
	}
	question := fs.Arg(0)

	cfg := mustLoadConfig(configPath)
	if *server == "" {
		*server = "http://localhost:" + cfg.Port
	}

	result, err := newAPIClient(*server).query(*repoID, question)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if globals.JSON {
		_ = json.NewEncoder(os.Stdout).Encode(result)
		return 0
	}

	fmt.Println(result.Answer)
	if len(result.Citations) > 0 {
		fmt.Println()
		ui.SubHeader("Citations")
		for _, id := range result.Citations {
			ui.Info("  " + ui.DimText(id))
		}
	}
	if result.Warning != "" {
		ui.Warning(result.Warning)
	}
	return 0
}
