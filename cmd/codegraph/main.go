// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main implements the codegraph CLI: the API server, the
// pipeline worker, and a thin client for ingesting archives and asking
// questions.
//
// Usage:
//
//	codegraph serve                    Start the HTTP API server
//	codegraph worker                   Start a pipeline worker
//	codegraph ingest <repo.zip>        Upload an archive and run the pipeline
//	codegraph query <question>         Ask a question about an ingested repo
//	codegraph status                   Show repository index status
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/codegraph/internal/ui"
	"github.com/kraklabs/codegraph/pkg/config"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags holds flags that apply to every command.
type GlobalFlags struct {
	JSON    bool // Output in JSON format (for applicable commands)
	NoColor bool // Disable color output
	Quiet   bool // Suppress non-essential output
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to codegraph.yaml (default: ./codegraph.yaml)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, info messages)")
	)

	// Stop parsing at the first non-flag argument (the command name) so
	// subcommand flags like "ingest --wait" reach their own parser.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `codegraph - code graph ingestion and question answering

codegraph ingests repository archives, extracts a structural code
graph with tree-sitter, loads it into a graph service, and answers
questions with hybrid keyword+vector retrieval over that graph.

Usage:
  codegraph <command> [options]

Commands:
  serve      Start the HTTP API server (ingest, jobs, query)
  worker     Start a pipeline worker (consumes queued jobs)
  ingest     Upload a repository zip and start the pipeline
  query      Ask a question about an ingested repository
  status     Show repository index status
  jobs       List pipeline jobs for a repository

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -q, --quiet       Suppress non-essential output (progress, info messages)
  -c, --config      Path to codegraph.yaml
  -V, --version     Show version and exit

Examples:
  codegraph serve
  codegraph worker
  codegraph ingest ./myrepo.zip --wait
  codegraph ingest ./docs.zip --kg
  codegraph query "How does authentication work?" --repo <repo-id>
  codegraph query "How many functions call save?" --repo <repo-id>
  codegraph status --repo <repo-id>

Environment Variables:
  DATA_DIR            Data directory (uploads, repos, artifacts)
  DATABASE_URL        Postgres connection string (job table)
  NATS_URL            NATS server for the job queue
  GRAPH_SERVICE_URL   Graph service base URL
  OPENAI_API_KEY      Embedding/chat provider key
  ENABLE_EMBEDDINGS   Set to false to run keyword-only

For detailed command help: codegraph <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("codegraph version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *jsonOutput {
		// Progress bars would corrupt JSON output.
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Quiet:   *quiet,
	}
	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "serve":
		os.Exit(runServe(cmdArgs, *configPath))
	case "worker":
		os.Exit(runWorker(cmdArgs, *configPath))
	case "ingest":
		os.Exit(runIngest(cmdArgs, *configPath, globals))
	case "query":
		os.Exit(runQuery(cmdArgs, *configPath, globals))
	case "status":
		os.Exit(runStatus(cmdArgs, *configPath, globals))
	case "jobs":
		os.Exit(runJobs(cmdArgs, *configPath, globals))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

// newLogger builds the process logger from the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// mustLoadConfig loads configuration or exits with a readable error.
func mustLoadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
