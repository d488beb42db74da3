// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codegraph/pkg/fault"
)

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("MAX_FILES", "50")
	t.Setenv("ENABLE_EMBEDDINGS", "false")
	t.Setenv("TOP_K", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Ingest.MaxFiles)
	assert.False(t, cfg.Embed.Enabled)
	assert.Equal(t, 7, cfg.Query.TopK)
	// Untouched values keep their defaults
	assert.Equal(t, int64(100), cfg.Ingest.MaxZipMB)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
}

func TestLoad_EmbeddingsWithoutKeyIsConfigError(t *testing.T) {
	t.Setenv("ENABLE_EMBEDDINGS", "true")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load("")
	require.NoError(t, err, "a config error must not abort startup")

	assert.Error(t, cfg.ConfigError())
	assert.Equal(t, fault.Config, fault.KindOf(cfg.ConfigError()))
	assert.False(t, cfg.EmbeddingsActive(), "semantic paths must degrade")
}

func TestLoad_EmbeddingsKeyWrongPrefix(t *testing.T) {
	t.Setenv("ENABLE_EMBEDDINGS", "true")
	t.Setenv("OPENAI_API_KEY", "not-a-real-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Error(t, cfg.ConfigError())
	assert.False(t, cfg.EmbeddingsActive())
}

func TestLoad_EmbeddingsValidKey(t *testing.T) {
	t.Setenv("ENABLE_EMBEDDINGS", "true")
	t.Setenv("OPENAI_API_KEY", "sk-test-0000000000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.NoError(t, cfg.ConfigError())
	assert.True(t, cfg.EmbeddingsActive())
}

func TestLoad_DisabledEmbeddingsSkipsKeyCheck(t *testing.T) {
	t.Setenv("ENABLE_EMBEDDINGS", "false")
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.NoError(t, cfg.ConfigError())
	assert.False(t, cfg.EmbeddingsActive())
}

func TestRedacted_MasksSecrets(t *testing.T) {
	t.Setenv("ENABLE_EMBEDDINGS", "true")
	t.Setenv("OPENAI_API_KEY", "sk-test-abcdefghij")
	t.Setenv("DATABASE_URL", "postgres://app:hunter2@db:5432/codegraph")

	cfg, err := Load("")
	require.NoError(t, err)

	env := cfg.Redacted()
	assert.NotContains(t, env["OPENAI_API_KEY"], "abcdefghij")
	assert.Contains(t, env["OPENAI_API_KEY"], "sk-te")
	assert.NotContains(t, env["DATABASE_URL"], "hunter2")
}
