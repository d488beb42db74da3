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

// Package graphdb is the HTTP client for the external graph service. The
// engine never talks to the graph database directly: bulk loads, search,
// neighborhood expansion, and read-only Cypher all go through this
// service contract.
package graphdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kraklabs/codegraph/pkg/extract"
	"github.com/kraklabs/codegraph/pkg/fault"
)

// Client talks to one graph service instance.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client. timeout bounds each individual call on top of
// whatever deadline the caller's context carries.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// LoadResult reports what a bulk load upserted.
type LoadResult struct {
	NodesLoaded int `json:"nodes_loaded"`
	EdgesLoaded int `json:"edges_loaded"`
}

// Load submits a full facts document for upsert. Loading the same
// document twice is a no-op on the graph side: nodes and edges are keyed
// by their deterministic ids.
func (c *Client) Load(ctx context.Context, facts *extract.Facts) (*LoadResult, error) {
	var out LoadResult
	if err := c.postJSON(ctx, "/graph/load", facts, &out); err != nil {
		return nil, err
	}
	c.logger.Info("graphdb.load.complete",
		"repo_id", facts.RepoID,
		"nodes_loaded", out.NodesLoaded,
		"edges_loaded", out.EdgesLoaded,
	)
	return &out, nil
}

// RepoStatus is the per-repository graph footprint.
type RepoStatus struct {
	RepoID string `json:"repo_id"`
	Nodes  int    `json:"nodes"`
	Edges  int    `json:"edges"`
}

// Status returns node/edge counts for a repository.
func (c *Client) Status(ctx context.Context, repoID string) (*RepoStatus, error) {
	var out RepoStatus
	if err := c.getJSON(ctx, "/graph/repo/status", url.Values{"repo_id": {repoID}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EmbeddingsStatus reports embedding coverage for a repository.
type EmbeddingsStatus struct {
	EmbeddingsExist bool `json:"embeddings_exist"`
	TotalNodes      int  `json:"total_nodes"`
	EmbeddedNodes   int  `json:"embedded_nodes"`
}

// Embeddings returns embedding coverage for a repository.
func (c *Client) Embeddings(ctx context.Context, repoID string) (*EmbeddingsStatus, error) {
	var out EmbeddingsStatus
	if err := c.getJSON(ctx, "/graph/embeddings/status", url.Values{"repo_id": {repoID}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Embed asks the graph service to run its embedding pass over a
// repository. Single attempt; the pipeline engine owns the retry budget.
func (c *Client) Embed(ctx context.Context, repoID string) error {
	payload := map[string]string{"repo_id": repoID}
	return c.postJSON(ctx, "/graph/embed", payload, nil)
}

// Hit is one scored search result.
type Hit struct {
	Node  extract.Node `json:"node"`
	Score float64      `json:"score"`
}

type hitsResponse struct {
	Hits []Hit `json:"hits"`
}

// FulltextSearch runs keyword search over node names, paths and snippets.
func (c *Client) FulltextSearch(ctx context.Context, repoID, query string, topK int) ([]Hit, error) {
	payload := map[string]any{"repo_id": repoID, "query": query, "top_k": topK}
	var out hitsResponse
	if err := c.postJSON(ctx, "/graph/search/fulltext", payload, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// VectorSearch runs similarity search with a precomputed embedding.
func (c *Client) VectorSearch(ctx context.Context, repoID string, embedding []float32, topK int) ([]Hit, error) {
	payload := map[string]any{"repo_id": repoID, "embedding": embedding, "top_k": topK}
	var out hitsResponse
	if err := c.postJSON(ctx, "/graph/search/vector", payload, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// DefaultNodes returns the graph's default ranking, used when both
// search sources come back empty.
func (c *Client) DefaultNodes(ctx context.Context, repoID string, topK int) ([]Hit, error) {
	payload := map[string]any{"repo_id": repoID, "top_k": topK}
	var out hitsResponse
	if err := c.postJSON(ctx, "/graph/search/default", payload, &out); err != nil {
		return nil, err
	}
	return out.Hits, nil
}

// Neighborhood is the subgraph around a set of nodes.
type Neighborhood struct {
	Nodes []extract.Node `json:"nodes"`
	Edges []extract.Edge `json:"edges"`
}

// Expand returns the n-hop neighborhood of the given nodes.
func (c *Client) Expand(ctx context.Context, repoID string, nodeIDs []string, hops int) (*Neighborhood, error) {
	payload := map[string]any{"repo_id": repoID, "node_ids": nodeIDs, "hops": hops}
	var out Neighborhood
	if err := c.postJSON(ctx, "/graph/expand", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRepo removes all graph data for a repository.
func (c *Client) DeleteRepo(ctx context.Context, repoID string) error {
	payload := map[string]string{"repo_id": repoID}
	return c.postJSON(ctx, "/graph/repo/delete", payload, nil)
}

// QueryResult is a row table from a read-only graph query.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ReadQuery executes a sanitized read-only Cypher query scoped to one
// repository. The caller is responsible for sanitization; the graph
// service enforces read-only transactions as the second line.
func (c *Client) ReadQuery(ctx context.Context, repoID, cypher string) (*QueryResult, error) {
	payload := map[string]string{"repo_id": repoID, "query": cypher}
	var out QueryResult
	if err := c.postJSON(ctx, "/graph/query", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "encode %s payload", path)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fault.Wrap(fault.Internal, err, "build %s request", path)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "build %s request", path)
	}
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.UpstreamUnavailable, err, "graph service %s unreachable", path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, path, string(detail))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.Wrap(fault.UpstreamRejected, err, "graph service %s returned invalid JSON", path)
	}
	return nil
}

func classifyStatus(status int, path, detail string) error {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = "empty response body"
	}
	msg := fmt.Sprintf("graph service %s failed (%d): %s", path, status, detail)
	switch {
	case status == http.StatusUnauthorized:
		return fault.New(fault.Unauthorized, "%s", msg)
	case status == http.StatusNotFound:
		return fault.New(fault.NotFound, "%s", msg)
	case status >= 500:
		return fault.New(fault.UpstreamUnavailable, "%s", msg)
	default:
		return fault.New(fault.UpstreamRejected, "%s", msg)
	}
}
