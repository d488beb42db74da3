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

// Package embed wraps the OpenAI-compatible embeddings API with the
// pipeline's retry policy: full-jitter backoff over a fixed budget,
// retrying only the status codes that indicate a transient condition.
package embed

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kraklabs/codegraph/pkg/fault"
	"github.com/kraklabs/codegraph/pkg/metrics"
)

// retryableStatuses are the upstream responses worth another attempt.
// Everything else in the 4xx range fails fast.
var retryableStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// RetryPolicy is the shared backoff budget: MaxRetries total attempts,
// each preceded (after the first) by a sleep drawn uniformly from
// [0, min(BackoffMax, BackoffBase * 2^(attempt-1))].
type RetryPolicy struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Backoff returns the jittered sleep before retrying attempt (1-based).
func (p RetryPolicy) Backoff(attempt int, rng *rand.Rand) time.Duration {
	capped := math.Min(
		float64(p.BackoffMax),
		float64(p.BackoffBase)*math.Pow(2, float64(attempt-1)),
	)
	if capped <= 0 {
		return 0
	}
	return time.Duration(rng.Float64() * capped)
}

// Client embeds text batches through an OpenAI-compatible provider.
type Client struct {
	api        *openai.Client
	model      string
	dimensions int
	enabled    bool
	policy     RetryPolicy
	logger     *slog.Logger

	// Own PRNG: jitter quality must not depend on global seeding.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Enabled    bool
	Policy     RetryPolicy
}

// NewClient creates an embedding client. A disabled client answers
// Enabled() == false and rejects Embed calls.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	policy := opts.Policy
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}
	return &Client{
		api:        openai.NewClientWithConfig(cfg),
		model:      opts.Model,
		dimensions: opts.Dimensions,
		enabled:    opts.Enabled,
		policy:     policy,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enabled reports whether semantic paths should call this client.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Embed returns one vector per input, in input order. Transient upstream
// failures are retried under the policy; exhausting the budget yields an
// EmbedExhausted fault carrying the last upstream error.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if !c.enabled {
		return nil, fault.New(fault.Config, "embeddings are disabled")
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: inputs,
	}
	// Dimension pinning is only honored by the v3 embedding family.
	if c.dimensions > 0 && strings.HasPrefix(c.model, "text-embedding-3") {
		req.Dimensions = c.dimensions
	}

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxRetries; attempt++ {
		resp, err := c.api.CreateEmbeddings(ctx, req)
		if err == nil {
			return orderedVectors(resp, len(inputs))
		}
		lastErr = err

		status, hasStatus := statusOf(err)
		if hasStatus {
			if status == 401 {
				return nil, fault.Wrap(fault.Unauthorized, err,
					"embedding provider rejected credentials")
			}
			if status >= 400 && status < 500 && status != 429 {
				return nil, fault.Wrap(fault.UpstreamRejected, err,
					"embedding request rejected with non-retryable status %d", status)
			}
			if !retryableStatuses[status] {
				break
			}
		}
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.UpstreamUnavailable, ctx.Err(), "embedding canceled")
		}
		if attempt == c.policy.MaxRetries {
			break
		}

		sleep := c.backoff(attempt)
		c.logger.Warn("embed.retry",
			"attempt", attempt,
			"max_attempts", c.policy.MaxRetries,
			"status", status,
			"sleep", sleep,
			"error", err,
		)
		metrics.EmbedRetries.Inc()
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.UpstreamUnavailable, ctx.Err(), "embedding canceled")
		case <-time.After(sleep):
		}
	}

	return nil, fault.Wrap(fault.EmbedExhausted, lastErr,
		"embedding failed after %d attempt(s)", c.policy.MaxRetries)
}

// EmbedOne embeds a single string.
func (c *Client) EmbedOne(ctx context.Context, input string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{input})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fault.New(fault.UpstreamRejected, "embedding response missing vector")
	}
	return vectors[0], nil
}

func (c *Client) backoff(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.policy.Backoff(attempt, c.rng)
}

func orderedVectors(resp openai.EmbeddingResponse, n int) ([][]float32, error) {
	if len(resp.Data) != n {
		return nil, fault.New(fault.UpstreamRejected,
			"embedding response has %d vectors for %d inputs", len(resp.Data), n)
	}
	out := make([][]float32, n)
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= n {
			return nil, fault.New(fault.UpstreamRejected,
				"embedding response index %d out of range", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}

func statusOf(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}
