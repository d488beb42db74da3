// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package textquery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codegraph/pkg/fault"
	"github.com/kraklabs/codegraph/pkg/graphdb"
)

func TestIsStructural(t *testing.T) {
	structural := []string{
		"How many functions call process_payment?",
		"How many classes are in this repo?",
		"Count all functions in the auth module",
		"What imports UserService?",
		"List all functions in models.py",
		"List all subclasses of AbstractHandler",
		"Show all classes that extend BaseView",
		"Show the dependency graph for auth",
		"List all dependencies of UserService",
		"What breaks if I change User.save?",
		"What is the impact of removing validate_input?",
	}
	for _, q := range structural {
		assert.True(t, IsStructural(q), "expected structural: %q", q)
	}

	semantic := []string{
		"How does authentication work?",
		"Explain how the caching layer works",
		"What does the login function do?",
		"Show me all database queries in the payment flow",
		"How does the password hashing work?",
		"Explain how the request pipeline works",
	}
	for _, q := range semantic {
		assert.False(t, IsStructural(q), "expected semantic: %q", q)
	}
}

func TestCleanCypher(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"cypher fence", "```cypher\nMATCH (n) RETURN n\n```", "MATCH (n) RETURN n"},
		{"generic fence", "```\nMATCH (n) RETURN n\n```", "MATCH (n) RETURN n"},
		{"uppercase fence", "```CYPHER\nMATCH (n) RETURN n\n```", "MATCH (n) RETURN n"},
		{"whitespace", "  \n  MATCH (n) RETURN n  \n  ", "MATCH (n) RETURN n"},
		{"plain", "MATCH (f:Function) WHERE f.name = $name RETURN f", "MATCH (f:Function) WHERE f.name = $name RETURN f"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CleanCypher(tc.raw))
		})
	}
}

func TestSanitize_BlocksWrites(t *testing.T) {
	blocked := []string{
		"CREATE (n:Function {name: 'hack'})",
		"MERGE (n:Function {id: 'x'}) ON CREATE SET n.code = 'evil'",
		"MATCH (n) DELETE n",
		"MATCH (n) DETACH DELETE n",
		"MATCH (n) SET n.name = 'x'",
		"MATCH (n) REMOVE n.code",
		"DROP INDEX function_embeddings",
		"match (n) delete n",
	}
	for _, q := range blocked {
		_, err := Sanitize(q)
		require.Error(t, err, "expected rejection: %q", q)
		assert.Equal(t, fault.UnsafeQuery, fault.KindOf(err), "query %q", q)
	}
}

func TestSanitize_AllowsReadOnly(t *testing.T) {
	allowed := []string{
		"MATCH (f:Function) RETURN f.name",
		"MATCH (f:Function) WHERE f.repo_id = $repo_id RETURN f.name, f.path",
		"MATCH (f:Function) WHERE f.repo_id = $repo_id RETURN count(f) AS total",
		"MATCH (f:Function) RETURN f.name ORDER BY f.name DESC LIMIT 10",
		"OPTIONAL MATCH (n) RETURN n",
		"WITH 1 AS x RETURN x",
	}
	for _, q := range allowed {
		got, err := Sanitize(q)
		require.NoError(t, err, "query %q", q)
		assert.Equal(t, q, got, "safe query must pass through unchanged")
	}
}

func TestSanitize_RequiresReadOnlyStart(t *testing.T) {
	_, err := Sanitize("FOREACH (n IN [1] | RETURN n)")
	require.Error(t, err)
	assert.Equal(t, fault.UnsafeQuery, fault.KindOf(err))

	_, err = Sanitize("   ")
	require.Error(t, err)
	assert.Equal(t, fault.UnsafeQuery, fault.KindOf(err))
}

type fakeChat struct {
	enabled bool
	reply   string
	err     error
	calls   int
}

func (f *fakeChat) Enabled() bool { return f.enabled }

func (f *fakeChat) Complete(ctx context.Context, system, user string) (string, error) {
	f.calls++
	return f.reply, f.err
}

type fakeRunner struct {
	result    *graphdb.QueryResult
	err       error
	gotCypher string
}

func (f *fakeRunner) ReadQuery(ctx context.Context, repoID, cypher string) (*graphdb.QueryResult, error) {
	f.gotCypher = cypher
	return f.result, f.err
}

func TestGenerate_UsesLLMWhenSafe(t *testing.T) {
	chat := &fakeChat{enabled: true, reply: "```cypher\nMATCH (n) RETURN count(n)\n```"}
	router := NewRouter(chat, &fakeRunner{}, nil)

	cypher, err := router.Generate(context.Background(), "How many nodes?")
	require.NoError(t, err)
	assert.Equal(t, "MATCH (n) RETURN count(n)", cypher)
}

func TestGenerate_UnsafeLLMOutputFallsBackToTemplate(t *testing.T) {
	chat := &fakeChat{enabled: true, reply: "MATCH (n) DETACH DELETE n"}
	router := NewRouter(chat, &fakeRunner{}, nil)

	cypher, err := router.Generate(context.Background(), "How many functions are there?")
	require.NoError(t, err)
	assert.Contains(t, cypher, "count(n)")
	assert.NotContains(t, cypher, "DELETE")
}

func TestGenerate_LLMErrorFallsBackToTemplate(t *testing.T) {
	chat := &fakeChat{enabled: true, err: errors.New("provider down")}
	router := NewRouter(chat, &fakeRunner{}, nil)

	cypher, err := router.Generate(context.Background(), "What imports UserService?")
	require.NoError(t, err)
	assert.Contains(t, cypher, "IMPORTS")
}

func TestGenerate_DisabledLLMUsesTemplates(t *testing.T) {
	chat := &fakeChat{enabled: false}
	router := NewRouter(chat, &fakeRunner{}, nil)

	cypher, err := router.Generate(context.Background(), "What breaks if I change User.save?")
	require.NoError(t, err)
	assert.Equal(t, 0, chat.calls)
	assert.Contains(t, cypher, "CALLS")
}

func TestRun_ExecutesSanitizedQuery(t *testing.T) {
	runner := &fakeRunner{result: &graphdb.QueryResult{
		Columns: []string{"kind", "total"},
		Rows:    [][]any{{"Function", 12}},
	}}
	router := NewRouter(&fakeChat{enabled: false}, runner, nil)

	result, cypher, err := router.Run(context.Background(), "repo-1", "How many functions?")
	require.NoError(t, err)
	assert.Equal(t, runner.gotCypher, cypher)
	assert.Len(t, result.Rows, 1)
}

func TestTemplateCypher_AlwaysSanitizes(t *testing.T) {
	questions := []string{
		"How many functions?",
		"What imports UserService?",
		"What breaks if I change save?",
		"List all functions",
		"anything else",
	}
	for _, q := range questions {
		_, err := Sanitize(TemplateCypher(q))
		require.NoError(t, err, "template for %q must be read-only", q)
	}
}
