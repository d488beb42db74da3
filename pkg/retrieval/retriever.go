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

// Package retrieval merges keyword and semantic search over the code
// graph into one ranked context pack. Either source may fail or be
// disabled without failing the request: the retriever degrades to
// whatever evidence it can still gather and records what was skipped.
package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/codegraph/pkg/extract"
	"github.com/kraklabs/codegraph/pkg/graphdb"
)

// GraphSearcher is the slice of the graph service contract the
// retriever needs.
type GraphSearcher interface {
	FulltextSearch(ctx context.Context, repoID, query string, topK int) ([]graphdb.Hit, error)
	VectorSearch(ctx context.Context, repoID string, embedding []float32, topK int) ([]graphdb.Hit, error)
	DefaultNodes(ctx context.Context, repoID string, topK int) ([]graphdb.Hit, error)
	Expand(ctx context.Context, repoID string, nodeIDs []string, hops int) (*graphdb.Neighborhood, error)
	Embeddings(ctx context.Context, repoID string) (*graphdb.EmbeddingsStatus, error)
}

// Embedder turns the question into a query vector.
type Embedder interface {
	Enabled() bool
	EmbedOne(ctx context.Context, input string) ([]float32, error)
}

// Snippet is one ranked context item.
type Snippet struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Name          string   `json:"name"`
	Path          string   `json:"path"`
	CodeSnippet   string   `json:"code_snippet"`
	Score         float64  `json:"score"`
	SemanticScore *float64 `json:"semantic_score"`
	KeywordScore  *float64 `json:"keyword_score"`
}

// Scores is the per-node score breakdown.
type Scores struct {
	Semantic *float64 `json:"semantic"`
	Keyword  *float64 `json:"keyword"`
	Combined float64  `json:"combined"`
}

// Pack is the full retrieval result handed to the answer composer.
type Pack struct {
	Snippets []Snippet         `json:"snippets"`
	Nodes    []extract.Node    `json:"nodes"`
	Edges    []extract.Edge    `json:"edges"`
	Scores   map[string]Scores `json:"scores"`
	Degraded []string          `json:"degraded,omitempty"`
}

// Retriever runs hybrid retrieval against the graph service.
type Retriever struct {
	graph    GraphSearcher
	embedder Embedder
	topK     int
	logger   *slog.Logger
}

// New creates a retriever with the given default top-k.
func New(graph GraphSearcher, embedder Embedder, topK int, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if topK <= 0 {
		topK = 12
	}
	return &Retriever{graph: graph, embedder: embedder, topK: topK, logger: logger}
}

// mergeEntry accumulates the best score per source for one node.
type mergeEntry struct {
	node     extract.Node
	semantic *float64
	keyword  *float64
}

// Retrieve answers the question with a ranked context pack. topK <= 0
// uses the configured default.
func (r *Retriever) Retrieve(ctx context.Context, repoID, question string, topK int) (*Pack, error) {
	if topK <= 0 {
		topK = r.topK
	}

	var (
		mu           sync.Mutex
		keywordHits  []graphdb.Hit
		semanticHits []graphdb.Hit
		degraded     []string
	)
	markDegraded := func(source string, err error) {
		mu.Lock()
		degraded = append(degraded, source)
		mu.Unlock()
		r.logger.Warn("retrieval."+source+".degraded", "repo_id", repoID, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.graph.FulltextSearch(gctx, repoID, question, topK)
		if err != nil {
			markDegraded("fulltext", err)
			return nil
		}
		mu.Lock()
		keywordHits = hits
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		hits, err := r.semanticSearch(gctx, repoID, question, topK)
		if err != nil {
			markDegraded("semantic", err)
			return nil
		}
		mu.Lock()
		semanticHits = hits
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	ranked := mergeAndRank(keywordHits, semanticHits, topK)

	if len(ranked.ids) == 0 {
		hits, err := r.graph.DefaultNodes(ctx, repoID, topK)
		if err != nil {
			markDegraded("fallback", err)
		} else {
			ranked = defaultRanking(hits, topK)
		}
	}

	pack := ranked.toPack()
	pack.Degraded = degraded

	if len(ranked.ids) > 0 {
		neighborhood, err := r.graph.Expand(ctx, repoID, ranked.ids, 1)
		if err != nil {
			markDegraded("expand", err)
			pack.Degraded = degraded
		} else {
			pack.Nodes = neighborhood.Nodes
			pack.Edges = neighborhood.Edges
		}
	}

	r.logger.Info("retrieval.complete",
		"repo_id", repoID,
		"snippets", len(pack.Snippets),
		"degraded", pack.Degraded,
	)
	return pack, nil
}

// semanticSearch runs the vector leg: skipped cleanly when embeddings
// are disabled or the repo has no embedded nodes yet.
func (r *Retriever) semanticSearch(ctx context.Context, repoID, question string, topK int) ([]graphdb.Hit, error) {
	if r.embedder == nil || !r.embedder.Enabled() {
		return nil, nil
	}
	status, err := r.graph.Embeddings(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if !status.EmbeddingsExist {
		return nil, nil
	}
	vector, err := r.embedder.EmbedOne(ctx, question)
	if err != nil {
		return nil, err
	}
	return r.graph.VectorSearch(ctx, repoID, vector, topK)
}

// ranking is the ordered merge result.
type ranking struct {
	ids     []string
	entries map[string]*mergeEntry
	scores  map[string]float64
}

// mergeAndRank fuses the two hit lists by node id, keeping the maximum
// score per source. Combined score is the max of present sources; a
// node somehow present with no scores ranks at zero.
func mergeAndRank(keywordHits, semanticHits []graphdb.Hit, topK int) *ranking {
	entries := make(map[string]*mergeEntry)
	var order []string

	absorb := func(hits []graphdb.Hit, semantic bool) {
		for _, hit := range hits {
			id := hit.Node.ID
			if id == "" {
				continue
			}
			entry, ok := entries[id]
			if !ok {
				entry = &mergeEntry{node: hit.Node}
				entries[id] = entry
				order = append(order, id)
			}
			score := hit.Score
			if semantic {
				if entry.semantic == nil || score > *entry.semantic {
					entry.semantic = &score
				}
			} else {
				if entry.keyword == nil || score > *entry.keyword {
					entry.keyword = &score
				}
			}
		}
	}
	absorb(keywordHits, false)
	absorb(semanticHits, true)

	combined := make(map[string]float64, len(entries))
	for id, entry := range entries {
		score := math.Inf(-1)
		if entry.semantic != nil {
			score = *entry.semantic
		}
		if entry.keyword != nil && *entry.keyword > score {
			score = *entry.keyword
		}
		if math.IsInf(score, -1) {
			score = 0
		}
		combined[id] = score
	}

	sort.SliceStable(order, func(i, j int) bool {
		return combined[order[i]] > combined[order[j]]
	})
	if len(order) > topK {
		order = order[:topK]
	}
	return &ranking{ids: order, entries: entries, scores: combined}
}

// defaultRanking wraps the graph's default node list as keyword-scored
// results.
func defaultRanking(hits []graphdb.Hit, topK int) *ranking {
	entries := make(map[string]*mergeEntry)
	scores := make(map[string]float64)
	var order []string
	for _, hit := range hits {
		id := hit.Node.ID
		if id == "" {
			continue
		}
		if _, ok := entries[id]; ok {
			continue
		}
		score := hit.Score
		entries[id] = &mergeEntry{node: hit.Node, keyword: &score}
		scores[id] = score
		order = append(order, id)
	}
	sort.SliceStable(order, func(i, j int) bool { return scores[order[i]] > scores[order[j]] })
	if len(order) > topK {
		order = order[:topK]
	}
	return &ranking{ids: order, entries: entries, scores: scores}
}

func (r *ranking) toPack() *Pack {
	pack := &Pack{
		Snippets: make([]Snippet, 0, len(r.ids)),
		Nodes:    []extract.Node{},
		Edges:    []extract.Edge{},
		Scores:   make(map[string]Scores, len(r.ids)),
	}
	for _, id := range r.ids {
		entry := r.entries[id]
		pack.Snippets = append(pack.Snippets, Snippet{
			ID:            entry.node.ID,
			Type:          entry.node.Type,
			Name:          entry.node.Name,
			Path:          entry.node.Path,
			CodeSnippet:   entry.node.CodeSnippet,
			Score:         r.scores[id],
			SemanticScore: entry.semantic,
			KeywordScore:  entry.keyword,
		})
		pack.Scores[id] = Scores{
			Semantic: entry.semantic,
			Keyword:  entry.keyword,
			Combined: r.scores[id],
		}
	}
	return pack
}
