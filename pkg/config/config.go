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

// Package config loads service configuration from the environment with an
// optional YAML project file underneath. Environment variables always win
// over file values so deployments can tune a shared file per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kraklabs/codegraph/pkg/fault"
)

// Config is the full runtime configuration for the server, the worker,
// and the CLI client.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	DebugEnv bool   `yaml:"debug_env"`

	DatabaseURL     string `yaml:"database_url"`
	NATSURL         string `yaml:"nats_url"`
	GraphServiceURL string `yaml:"graph_service_url"`

	Ingest IngestConfig `yaml:"ingest"`
	Embed  EmbedConfig  `yaml:"embedding"`
	Chat   ChatConfig   `yaml:"chat"`
	Query  QueryConfig  `yaml:"query"`
	Jobs   JobsConfig   `yaml:"jobs"`

	// configErr records a startup validation failure. The service still
	// boots so /health can report it, but dependent paths degrade.
	configErr error
}

// IngestConfig bounds what an uploaded archive may contain.
type IngestConfig struct {
	MaxZipMB           int64 `yaml:"max_zip_mb"`
	MaxFiles           int   `yaml:"max_files"`
	MaxTotalUnzippedMB int64 `yaml:"max_total_unzipped_mb"`
	MaxSnippetChars    int   `yaml:"max_snippet_chars"`
}

// EmbedConfig configures the embedding provider and its retry budget.
type EmbedConfig struct {
	Enabled        bool    `yaml:"enabled"`
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key,omitempty"`
	Model          string  `yaml:"model"`
	Dimensions     int     `yaml:"dimensions"`
	MaxRetries     int     `yaml:"max_retries"`
	BackoffBaseSec float64 `yaml:"backoff_base_sec"`
	BackoffMaxSec  float64 `yaml:"backoff_max_sec"`
	TimeoutSec     int     `yaml:"timeout_sec"`
}

// ChatConfig configures the answer-composition model.
type ChatConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key,omitempty"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// QueryConfig tunes retrieval.
type QueryConfig struct {
	TopK int `yaml:"top_k"`
}

// JobsConfig tunes the pipeline engine.
type JobsConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RequeueDelay time.Duration `yaml:"requeue_delay"`
}

// Default returns the configuration used when neither the environment nor
// a project file overrides a value.
func Default() *Config {
	return &Config{
		DataDir:         "./data",
		Port:            "8080",
		LogLevel:        "info",
		DatabaseURL:     "postgres://localhost:5432/codegraph",
		NATSURL:         "nats://localhost:4222",
		GraphServiceURL: "http://localhost:7474",
		Ingest: IngestConfig{
			MaxZipMB:           100,
			MaxFiles:           2000,
			MaxTotalUnzippedMB: 500,
			MaxSnippetChars:    2000,
		},
		Embed: EmbedConfig{
			Enabled:        true,
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-small",
			Dimensions:     1536,
			MaxRetries:     8,
			BackoffBaseSec: 0.5,
			BackoffMaxSec:  10,
			TimeoutSec:     30,
		},
		Chat: ChatConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-4o-mini",
			TimeoutSec: 60,
		},
		Query: QueryConfig{TopK: 12},
		Jobs: JobsConfig{
			MaxAttempts:  3,
			RequeueDelay: 2 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is empty, codegraph.yaml is used when present), then environment
// overrides, then startup validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat("codegraph.yaml"); err == nil {
			path = "codegraph.yaml"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
		if err != nil {
			return nil, fault.Wrap(fault.Config, err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fault.Wrap(fault.Config, err, "parse config file %s", path)
		}
	}

	cfg.applyEnvOverrides()
	cfg.validate()
	return cfg, nil
}

// ConfigError returns the recorded startup validation failure, or nil.
// A non-nil value turns /health into a 503 and disables embeddings.
func (c *Config) ConfigError() error {
	return c.configErr
}

// EmbeddingsActive reports whether semantic paths should run: embeddings
// enabled and the startup validation passed.
func (c *Config) EmbeddingsActive() bool {
	return c.Embed.Enabled && c.configErr == nil
}

// validate checks invariants that should stop embedding-dependent paths
// rather than crash the process.
func (c *Config) validate() {
	if c.Embed.Enabled {
		if c.Embed.APIKey == "" {
			c.configErr = fault.New(fault.Config,
				"embeddings enabled but no API key configured (set OPENAI_API_KEY or ENABLE_EMBEDDINGS=false)")
			return
		}
		if !strings.HasPrefix(c.Embed.APIKey, "sk-") {
			c.configErr = fault.New(fault.Config,
				"embeddings enabled but API key does not look like a provider key (expected sk- prefix)")
			return
		}
	}
	if c.Ingest.MaxFiles <= 0 || c.Ingest.MaxZipMB <= 0 || c.Ingest.MaxTotalUnzippedMB <= 0 {
		c.configErr = fault.New(fault.Config, "archive limits must be positive")
	}
}

func (c *Config) applyEnvOverrides() {
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.Port = getEnv("PORT", c.Port)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DebugEnv = getEnvBool("DEBUG_ENV", c.DebugEnv)

	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.GraphServiceURL = getEnv("GRAPH_SERVICE_URL", c.GraphServiceURL)

	c.Ingest.MaxZipMB = getEnvInt64("MAX_ZIP_MB", c.Ingest.MaxZipMB)
	c.Ingest.MaxFiles = getEnvInt("MAX_FILES", c.Ingest.MaxFiles)
	c.Ingest.MaxTotalUnzippedMB = getEnvInt64("MAX_TOTAL_UNZIPPED_MB", c.Ingest.MaxTotalUnzippedMB)
	c.Ingest.MaxSnippetChars = getEnvInt("MAX_SNIPPET_CHARS", c.Ingest.MaxSnippetChars)

	c.Embed.Enabled = getEnvBool("ENABLE_EMBEDDINGS", c.Embed.Enabled)
	c.Embed.BaseURL = getEnv("OPENAI_BASE_URL", c.Embed.BaseURL)
	c.Embed.APIKey = getEnv("OPENAI_API_KEY", c.Embed.APIKey)
	c.Embed.Model = getEnv("EMBED_MODEL", c.Embed.Model)
	c.Embed.Dimensions = getEnvInt("EMBED_DIMENSIONS", c.Embed.Dimensions)
	c.Embed.MaxRetries = getEnvInt("EMBED_MAX_RETRIES", c.Embed.MaxRetries)
	c.Embed.BackoffBaseSec = getEnvFloat("EMBED_BACKOFF_BASE_SEC", c.Embed.BackoffBaseSec)
	c.Embed.BackoffMaxSec = getEnvFloat("EMBED_BACKOFF_MAX_SEC", c.Embed.BackoffMaxSec)
	c.Embed.TimeoutSec = getEnvInt("EMBED_TIMEOUT_SEC", c.Embed.TimeoutSec)

	c.Chat.BaseURL = getEnv("OPENAI_BASE_URL", c.Chat.BaseURL)
	c.Chat.APIKey = getEnv("OPENAI_API_KEY", c.Chat.APIKey)
	c.Chat.Model = getEnv("CHAT_MODEL", c.Chat.Model)
	c.Chat.TimeoutSec = getEnvInt("CHAT_TIMEOUT_SEC", c.Chat.TimeoutSec)

	c.Query.TopK = getEnvInt("TOP_K", c.Query.TopK)
	c.Jobs.MaxAttempts = getEnvInt("MAX_ATTEMPTS", c.Jobs.MaxAttempts)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// Redacted reports environment-derived settings with secrets masked, for
// the optional /debug/env endpoint.
func (c *Config) Redacted() map[string]string {
	out := map[string]string{
		"DATA_DIR":          c.DataDir,
		"GRAPH_SERVICE_URL": c.GraphServiceURL,
		"ENABLE_EMBEDDINGS": strconv.FormatBool(c.Embed.Enabled),
		"EMBED_MODEL":       c.Embed.Model,
		"EMBED_DIMENSIONS":  strconv.Itoa(c.Embed.Dimensions),
		"CHAT_MODEL":        c.Chat.Model,
		"TOP_K":             strconv.Itoa(c.Query.TopK),
		"MAX_ATTEMPTS":      strconv.Itoa(c.Jobs.MaxAttempts),
	}
	out["OPENAI_API_KEY"] = redactSecret(c.Embed.APIKey)
	out["DATABASE_URL"] = redactURL(c.DatabaseURL)
	out["NATS_URL"] = redactURL(c.NATSURL)
	return out
}

func redactSecret(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 6 {
		return "***"
	}
	return s[:5] + "..." + fmt.Sprintf("(%d chars)", len(s))
}

func redactURL(s string) string {
	if s == "" {
		return "(unset)"
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		if scheme := strings.Index(s, "://"); scheme >= 0 {
			return s[:scheme+3] + "***" + s[at:]
		}
	}
	return s
}
