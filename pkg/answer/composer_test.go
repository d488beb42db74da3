// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package answer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codegraph/pkg/extract"
	"github.com/kraklabs/codegraph/pkg/graphdb"
	"github.com/kraklabs/codegraph/pkg/retrieval"
)

type fakeChat struct {
	enabled   bool
	reply     string
	err       error
	gotPrompt string
}

func (f *fakeChat) Enabled() bool { return f.enabled }

func (f *fakeChat) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	f.gotPrompt = user
	return f.reply, f.err
}

const (
	idAlpha = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	idBeta  = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	idGamma = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
)

func samplePack() *retrieval.Pack {
	return &retrieval.Pack{
		Snippets: []retrieval.Snippet{
			{ID: idAlpha, Name: "login", Path: "auth.py", Type: "function", CodeSnippet: "def login(): ...", Score: 0.9},
			{ID: idBeta, Name: "hash", Path: "auth.py", Type: "function", CodeSnippet: "def hash(): ...", Score: 0.7},
		},
		Nodes: []extract.Node{
			{ID: idAlpha, Name: "login", Type: "function"},
			{ID: idGamma, Name: "auth.py", Type: "file"},
		},
		Edges: []extract.Edge{
			{Source: idGamma, Target: idAlpha, Type: "contains"},
		},
		Scores: map[string]retrieval.Scores{},
	}
}

func TestCompose_ValidCitationsKept(t *testing.T) {
	chat := &fakeChat{enabled: true, reply: `{"answer": "login handles auth", "citations": ["` + idAlpha + `"]}`}
	composer := NewComposer(chat, nil)

	out, err := composer.Compose(context.Background(), "How does login work?", samplePack())
	require.NoError(t, err)
	assert.Equal(t, "login handles auth", out.Answer)
	assert.Equal(t, []string{idAlpha}, out.Citations)
	assert.Empty(t, out.Warning)
}

func TestCompose_InvalidCitationsDropped(t *testing.T) {
	chat := &fakeChat{enabled: true, reply: `{"answer": "ok", "citations": ["` + idAlpha + `", "not-a-node-id"]}`}
	composer := NewComposer(chat, nil)

	out, err := composer.Compose(context.Background(), "q", samplePack())
	require.NoError(t, err)
	assert.Equal(t, []string{idAlpha}, out.Citations)
}

func TestCompose_NoValidCitationsFillsTopSnippets(t *testing.T) {
	chat := &fakeChat{enabled: true, reply: `{"answer": "ok", "citations": ["bogus"]}`}
	composer := NewComposer(chat, nil)

	out, err := composer.Compose(context.Background(), "q", samplePack())
	require.NoError(t, err)
	assert.Equal(t, []string{idAlpha, idBeta}, out.Citations)
}

func TestCompose_NonJSONReplySalvagesIDs(t *testing.T) {
	chat := &fakeChat{enabled: true, reply: "The relevant code is " + idAlpha + " in auth.py"}
	composer := NewComposer(chat, nil)

	out, err := composer.Compose(context.Background(), "q", samplePack())
	require.NoError(t, err)
	assert.Contains(t, out.Answer, "auth.py")
	assert.Equal(t, []string{idAlpha}, out.Citations)
}

func TestCompose_LowConfidencePrependsSummary(t *testing.T) {
	chat := &fakeChat{enabled: true, reply: `{"answer": "There is not enough context to answer.", "citations": []}`}
	composer := NewComposer(chat, nil)

	out, err := composer.Compose(context.Background(), "How does login work?", samplePack())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Answer, "Best-effort answer for:"))
	assert.Contains(t, out.Answer, "Model response note:")
	assert.NotEmpty(t, out.Warning)
}

func TestCompose_ChatErrorPropagates(t *testing.T) {
	chat := &fakeChat{enabled: true, err: errors.New("provider down")}
	composer := NewComposer(chat, nil)

	_, err := composer.Compose(context.Background(), "q", samplePack())
	require.Error(t, err)
}

func TestCompose_DisabledChatFallsBack(t *testing.T) {
	composer := NewComposer(&fakeChat{enabled: false}, nil)

	out, err := composer.Compose(context.Background(), "How does login work?", samplePack())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Answer, "Best-effort answer for:"))
	assert.Contains(t, out.Answer, "login")
	assert.Equal(t, []string{idAlpha, idBeta}, out.Citations)
	assert.NotEmpty(t, out.Warning)
}

func TestCompose_EmptyPackFallback(t *testing.T) {
	composer := NewComposer(&fakeChat{enabled: false}, nil)

	out, err := composer.Compose(context.Background(), "q", &retrieval.Pack{})
	require.NoError(t, err)
	assert.Equal(t, noContextAnswer, out.Answer)
	assert.Empty(t, out.Citations)
}

func TestCompose_SnippetTruncationInPrompt(t *testing.T) {
	chat := &fakeChat{enabled: true, reply: `{"answer": "ok", "citations": []}`}
	composer := NewComposer(chat, nil)

	pack := samplePack()
	pack.Snippets[0].CodeSnippet = strings.Repeat("x", 5000)
	_, err := composer.Compose(context.Background(), "q", pack)
	require.NoError(t, err)
	assert.NotContains(t, chat.gotPrompt, strings.Repeat("x", 1201))
	assert.Contains(t, chat.gotPrompt, strings.Repeat("x", 1200))
}

func TestGraphSummary_KindHistogramAndEdgeLines(t *testing.T) {
	composer := NewComposer(nil, nil)
	pack := samplePack()

	summary := composer.graphSummary(pack)
	assert.Contains(t, summary, "Graph nodes: 2")
	assert.Contains(t, summary, "Graph edges: 1")
	assert.Contains(t, summary, "function:1")
	assert.Contains(t, summary, "auth.py -[contains]-> login")
}

func TestGraphSummary_EmptyNeighborhood(t *testing.T) {
	composer := NewComposer(nil, nil)
	summary := composer.graphSummary(&retrieval.Pack{})
	assert.Equal(t, "No graph neighborhood data available.", summary)
}

func TestComposeStructural_RendersRows(t *testing.T) {
	composer := NewComposer(nil, nil)
	out := composer.ComposeStructural("How many functions?",
		"MATCH (n) RETURN count(n)",
		&graphdb.QueryResult{Columns: []string{"kind", "total"}, Rows: [][]any{{"function", 12}}})

	assert.Contains(t, out.Answer, "kind | total")
	assert.Contains(t, out.Answer, "function | 12")
	assert.Contains(t, out.Answer, "MATCH (n) RETURN count(n)")
	assert.Empty(t, out.Citations)
}

func TestComposeStructural_NoRows(t *testing.T) {
	composer := NewComposer(nil, nil)
	out := composer.ComposeStructural("q", "MATCH (n) RETURN n", &graphdb.QueryResult{})
	assert.Contains(t, out.Answer, "no rows")
}
