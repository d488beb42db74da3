// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codegraph/pkg/extract"
	"github.com/kraklabs/codegraph/pkg/graphdb"
)

type fakeGraph struct {
	fulltextHits []graphdb.Hit
	fulltextErr  error
	vectorHits   []graphdb.Hit
	vectorErr    error
	defaultHits  []graphdb.Hit
	defaultErr   error
	neighborhood *graphdb.Neighborhood
	expandErr    error
	embeddings   graphdb.EmbeddingsStatus
	embedErr     error

	fulltextCalls int
	vectorCalls   int
	defaultCalls  int
	expandCalls   int
	expandIDs     []string
}

func (f *fakeGraph) FulltextSearch(ctx context.Context, repoID, query string, topK int) ([]graphdb.Hit, error) {
	f.fulltextCalls++
	return f.fulltextHits, f.fulltextErr
}

func (f *fakeGraph) VectorSearch(ctx context.Context, repoID string, embedding []float32, topK int) ([]graphdb.Hit, error) {
	f.vectorCalls++
	return f.vectorHits, f.vectorErr
}

func (f *fakeGraph) DefaultNodes(ctx context.Context, repoID string, topK int) ([]graphdb.Hit, error) {
	f.defaultCalls++
	return f.defaultHits, f.defaultErr
}

func (f *fakeGraph) Expand(ctx context.Context, repoID string, nodeIDs []string, hops int) (*graphdb.Neighborhood, error) {
	f.expandCalls++
	f.expandIDs = nodeIDs
	if f.expandErr != nil {
		return nil, f.expandErr
	}
	if f.neighborhood != nil {
		return f.neighborhood, nil
	}
	return &graphdb.Neighborhood{Nodes: []extract.Node{}, Edges: []extract.Edge{}}, nil
}

func (f *fakeGraph) Embeddings(ctx context.Context, repoID string) (*graphdb.EmbeddingsStatus, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return &f.embeddings, nil
}

type fakeEmbedder struct {
	enabled  bool
	vector   []float32
	err      error
	oneCalls int
}

func (f *fakeEmbedder) Enabled() bool { return f.enabled }

func (f *fakeEmbedder) EmbedOne(ctx context.Context, input string) ([]float32, error) {
	f.oneCalls++
	return f.vector, f.err
}

func hit(id string, score float64) graphdb.Hit {
	return graphdb.Hit{Node: extract.Node{ID: id, Name: id, Type: "function"}, Score: score}
}

func TestRetrieve_MergesSourcesByMaxScore(t *testing.T) {
	graph := &fakeGraph{
		fulltextHits: []graphdb.Hit{hit("a", 0.9), hit("b", 0.6)},
		vectorHits:   []graphdb.Hit{hit("a", 0.8), hit("c", 0.7)},
		embeddings:   graphdb.EmbeddingsStatus{EmbeddingsExist: true},
	}
	embedder := &fakeEmbedder{enabled: true, vector: []float32{0.1}}
	r := New(graph, embedder, 12, nil)

	pack, err := r.Retrieve(context.Background(), "repo-1", "how is a used", 10)
	require.NoError(t, err)

	require.Len(t, pack.Snippets, 3)
	assert.Equal(t, []string{"a", "c", "b"}, []string{
		pack.Snippets[0].ID, pack.Snippets[1].ID, pack.Snippets[2].ID,
	})
	assert.InDelta(t, 0.9, pack.Snippets[0].Score, 1e-9)

	a := pack.Scores["a"]
	require.NotNil(t, a.Keyword)
	require.NotNil(t, a.Semantic)
	assert.InDelta(t, 0.9, *a.Keyword, 1e-9)
	assert.InDelta(t, 0.8, *a.Semantic, 1e-9)
	assert.InDelta(t, 0.9, a.Combined, 1e-9)

	c := pack.Scores["c"]
	assert.Nil(t, c.Keyword)
	require.NotNil(t, c.Semantic)
	assert.InDelta(t, 0.7, c.Combined, 1e-9)

	assert.Empty(t, pack.Degraded)
	assert.Equal(t, 1, graph.expandCalls)
	assert.Equal(t, []string{"a", "c", "b"}, graph.expandIDs)
}

func TestRetrieve_TruncatesToTopK(t *testing.T) {
	graph := &fakeGraph{
		fulltextHits: []graphdb.Hit{hit("a", 0.9), hit("b", 0.8), hit("c", 0.7)},
	}
	r := New(graph, &fakeEmbedder{enabled: false}, 12, nil)

	pack, err := r.Retrieve(context.Background(), "repo-1", "q", 2)
	require.NoError(t, err)
	require.Len(t, pack.Snippets, 2)
	assert.Equal(t, "a", pack.Snippets[0].ID)
	assert.Equal(t, "b", pack.Snippets[1].ID)
}

func TestRetrieve_SemanticSkippedWhenDisabled(t *testing.T) {
	graph := &fakeGraph{fulltextHits: []graphdb.Hit{hit("a", 0.5)}}
	embedder := &fakeEmbedder{enabled: false}
	r := New(graph, embedder, 12, nil)

	pack, err := r.Retrieve(context.Background(), "repo-1", "q", 5)
	require.NoError(t, err)

	assert.Equal(t, 0, embedder.oneCalls)
	assert.Equal(t, 0, graph.vectorCalls)
	assert.Empty(t, pack.Degraded, "disabled embeddings are not a degradation")
}

func TestRetrieve_SemanticSkippedWithoutEmbeddings(t *testing.T) {
	graph := &fakeGraph{
		fulltextHits: []graphdb.Hit{hit("a", 0.5)},
		embeddings:   graphdb.EmbeddingsStatus{EmbeddingsExist: false},
	}
	embedder := &fakeEmbedder{enabled: true, vector: []float32{0.1}}
	r := New(graph, embedder, 12, nil)

	_, err := r.Retrieve(context.Background(), "repo-1", "q", 5)
	require.NoError(t, err)

	assert.Equal(t, 0, embedder.oneCalls, "no query embedding without stored vectors")
	assert.Equal(t, 0, graph.vectorCalls)
}

func TestRetrieve_KeywordFailureDegrades(t *testing.T) {
	graph := &fakeGraph{
		fulltextErr: errors.New("index offline"),
		vectorHits:  []graphdb.Hit{hit("a", 0.8)},
		embeddings:  graphdb.EmbeddingsStatus{EmbeddingsExist: true},
	}
	embedder := &fakeEmbedder{enabled: true, vector: []float32{0.1}}
	r := New(graph, embedder, 12, nil)

	pack, err := r.Retrieve(context.Background(), "repo-1", "q", 5)
	require.NoError(t, err)

	require.Len(t, pack.Snippets, 1)
	assert.Equal(t, "a", pack.Snippets[0].ID)
	assert.Contains(t, pack.Degraded, "fulltext")
}

func TestRetrieve_EmptyFallsBackToDefaults(t *testing.T) {
	graph := &fakeGraph{
		defaultHits: []graphdb.Hit{hit("d1", 0.3), hit("d2", 0.2)},
	}
	r := New(graph, &fakeEmbedder{enabled: false}, 12, nil)

	pack, err := r.Retrieve(context.Background(), "repo-1", "q", 5)
	require.NoError(t, err)

	assert.Equal(t, 1, graph.defaultCalls)
	require.Len(t, pack.Snippets, 2)
	assert.Equal(t, "d1", pack.Snippets[0].ID)
	require.NotNil(t, pack.Snippets[0].KeywordScore)
	assert.InDelta(t, 0.3, *pack.Snippets[0].KeywordScore, 1e-9)
}

func TestRetrieve_ExpandFailureDegrades(t *testing.T) {
	graph := &fakeGraph{
		fulltextHits: []graphdb.Hit{hit("a", 0.9)},
		expandErr:    errors.New("expand down"),
	}
	r := New(graph, &fakeEmbedder{enabled: false}, 12, nil)

	pack, err := r.Retrieve(context.Background(), "repo-1", "q", 5)
	require.NoError(t, err)

	require.Len(t, pack.Snippets, 1)
	assert.Empty(t, pack.Nodes)
	assert.Empty(t, pack.Edges)
	assert.Contains(t, pack.Degraded, "expand")
}

func TestRetrieve_ExpandPopulatesNeighborhood(t *testing.T) {
	graph := &fakeGraph{
		fulltextHits: []graphdb.Hit{hit("a", 0.9)},
		neighborhood: &graphdb.Neighborhood{
			Nodes: []extract.Node{{ID: "a"}, {ID: "b"}},
			Edges: []extract.Edge{{Source: "a", Target: "b", Type: "calls"}},
		},
	}
	r := New(graph, &fakeEmbedder{enabled: false}, 12, nil)

	pack, err := r.Retrieve(context.Background(), "repo-1", "q", 5)
	require.NoError(t, err)
	assert.Len(t, pack.Nodes, 2)
	assert.Len(t, pack.Edges, 1)
}

func TestRetrieve_NoResultsAnywhere(t *testing.T) {
	graph := &fakeGraph{}
	r := New(graph, &fakeEmbedder{enabled: false}, 12, nil)

	pack, err := r.Retrieve(context.Background(), "repo-1", "q", 5)
	require.NoError(t, err)
	assert.Empty(t, pack.Snippets)
	assert.Equal(t, 0, graph.expandCalls, "nothing selected, nothing to expand")
}
