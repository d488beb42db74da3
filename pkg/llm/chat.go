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

// Package llm wraps the chat-completion provider behind the two call
// shapes the pipeline needs: plain text and a JSON-object response.
// A disabled client reports Enabled() == false so callers can fall
// back to their deterministic paths instead of erroring.
package llm

import (
	"context"
	"errors"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kraklabs/codegraph/pkg/fault"
)

// Chat is a thin client over an OpenAI-compatible chat endpoint.
type Chat struct {
	api     *openai.Client
	model   string
	enabled bool
	logger  *slog.Logger
}

// Options configures a Chat client.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Enabled bool
}

// New creates a chat client.
func New(opts Options, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &Chat{
		api:     openai.NewClientWithConfig(cfg),
		model:   opts.Model,
		enabled: opts.Enabled,
		logger:  logger,
	}
}

// Enabled reports whether the provider is configured for use.
func (c *Chat) Enabled() bool {
	return c.enabled
}

// Complete sends one system+user exchange and returns the raw text.
func (c *Chat) Complete(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, nil)
}

// CompleteJSON is Complete with the provider's JSON-object response
// format, for callers that parse the reply as a JSON document.
func (c *Chat) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	})
}

func (c *Chat) complete(ctx context.Context, system, user string, format *openai.ChatCompletionResponseFormat) (string, error) {
	if !c.enabled {
		return "", fault.New(fault.Config, "chat provider is not configured")
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          c.model,
		ResponseFormat: format,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fault.New(fault.UpstreamRejected, "chat provider returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return fault.Wrap(fault.UpstreamUnavailable, err, "chat provider unreachable")
	}
	switch {
	case status == 401:
		return fault.Wrap(fault.Unauthorized, err, "chat provider rejected credentials")
	case status >= 500 || status == 429:
		return fault.Wrap(fault.UpstreamUnavailable, err, "chat provider unavailable (%d)", status)
	default:
		return fault.Wrap(fault.UpstreamRejected, err, "chat request rejected (%d)", status)
	}
}
