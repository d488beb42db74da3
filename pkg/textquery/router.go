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

// Package textquery routes structural questions ("how many", "what
// imports X", "what breaks if") to read-only graph queries. Generated
// Cypher is never trusted: it passes the sanitizer before execution,
// and the graph service runs it in a read-only transaction as the
// second line of defense.
package textquery

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kraklabs/codegraph/pkg/fault"
	"github.com/kraklabs/codegraph/pkg/graphdb"
)

// structuralPatterns match questions answerable by counting and walking
// edges rather than by reading code.
var structuralPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bhow many\b`),
	regexp.MustCompile(`\bcount\b`),
	regexp.MustCompile(`\blist all\b`),
	regexp.MustCompile(`\bshow all\b`),
	regexp.MustCompile(`\bwhat imports\b`),
	regexp.MustCompile(`\bdependenc(y|ies)\b`),
	regexp.MustCompile(`\bbreaks if\b`),
	regexp.MustCompile(`\bimpact of\b`),
}

// semanticPatterns mark explanation-style intent. They veto a
// structural match: "explain the dependency graph" still wants prose.
var semanticPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bhow does\b.*\bwork\b`),
	regexp.MustCompile(`\bexplain\b`),
	regexp.MustCompile(`\bwhat does\b.*\bdo\b`),
	regexp.MustCompile(`\bshow me\b`),
}

// IsStructural reports whether the question should be answered by a
// graph query instead of retrieval plus prose.
func IsStructural(question string) bool {
	q := strings.ToLower(question)
	for _, p := range semanticPatterns {
		if p.MatchString(q) {
			return false
		}
	}
	for _, p := range structuralPatterns {
		if p.MatchString(q) {
			return true
		}
	}
	return false
}

var (
	fenceRe = regexp.MustCompile("^```[a-zA-Z]*\\s*")

	forbiddenRe = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|DETACH|SET|REMOVE|DROP)\b`)

	// Read-only clause a query may open with. CALL is allowed because
	// the graph service rejects write procedures on its side.
	readOnlyStartRe = regexp.MustCompile(`(?i)^(MATCH|OPTIONAL\s+MATCH|RETURN|WITH|UNWIND|CALL)\b`)
)

// CleanCypher strips a surrounding markdown code fence (any label
// casing) and outer whitespace from LLM output.
func CleanCypher(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = fenceRe.ReplaceAllString(s, "")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// Sanitize cleans the query and enforces the read-only contract.
// Violations return an UnsafeQuery fault; a clean query passes through
// unchanged.
func Sanitize(raw string) (string, error) {
	cypher := CleanCypher(raw)
	if cypher == "" {
		return "", fault.New(fault.UnsafeQuery, "empty query")
	}
	if m := forbiddenRe.FindString(cypher); m != "" {
		return "", fault.New(fault.UnsafeQuery, "query contains write keyword %q", strings.ToUpper(m))
	}
	if !readOnlyStartRe.MatchString(cypher) {
		return "", fault.New(fault.UnsafeQuery, "query must begin with a read-only clause")
	}
	return cypher, nil
}

// CypherLLM generates Cypher text from a natural-language question.
type CypherLLM interface {
	Enabled() bool
	Complete(ctx context.Context, system, user string) (string, error)
}

// QueryRunner executes a sanitized read-only query.
type QueryRunner interface {
	ReadQuery(ctx context.Context, repoID, cypher string) (*graphdb.QueryResult, error)
}

const cypherSystemPrompt = `You translate questions about a code graph into a single read-only Cypher query.
Schema: nodes carry labels matching their kind (File, Function, Class, Method, Module) and
properties id, name, path, repo_id. Relationships: CONTAINS, IMPORTS, CALLS.
Always filter on n.repo_id = $repo_id. Never write to the graph.
Reply with only the Cypher query, no explanation.`

// Router turns structural questions into executed graph queries.
type Router struct {
	chat   CypherLLM
	graph  QueryRunner
	logger *slog.Logger
}

// NewRouter creates a router. chat may be a disabled client; the
// deterministic templates then carry every question.
func NewRouter(chat CypherLLM, graph QueryRunner, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{chat: chat, graph: graph, logger: logger}
}

// Generate produces a sanitized Cypher query for the question. The LLM
// is tried first when configured; template output covers provider
// failures and unsafe generations.
func (r *Router) Generate(ctx context.Context, question string) (string, error) {
	if r.chat != nil && r.chat.Enabled() {
		raw, err := r.chat.Complete(ctx, cypherSystemPrompt, question)
		if err == nil {
			cypher, serr := Sanitize(raw)
			if serr == nil {
				return cypher, nil
			}
			r.logger.Warn("textquery.generate.unsafe", "error", serr)
		} else {
			r.logger.Warn("textquery.generate.degraded", "error", err)
		}
	}
	return Sanitize(TemplateCypher(question))
}

// Run generates, sanitizes and executes the query, returning the row
// table and the Cypher that produced it.
func (r *Router) Run(ctx context.Context, repoID, question string) (*graphdb.QueryResult, string, error) {
	cypher, err := r.Generate(ctx, question)
	if err != nil {
		return nil, "", err
	}
	result, err := r.graph.ReadQuery(ctx, repoID, cypher)
	if err != nil {
		return nil, cypher, err
	}
	r.logger.Info("textquery.run.complete",
		"repo_id", repoID,
		"rows", len(result.Rows),
	)
	return result, cypher, nil
}

// TemplateCypher picks a deterministic query for the recognized
// structural shapes. The shapes mirror the classifier patterns, so a
// structural question always has a template.
func TemplateCypher(question string) string {
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "what imports") ||
		strings.Contains(q, "dependency") || strings.Contains(q, "dependencies"):
		return `MATCH (a)-[:IMPORTS]->(b) WHERE a.repo_id = $repo_id ` +
			`RETURN a.name AS importer, b.name AS imported ORDER BY importer LIMIT 50`
	case strings.Contains(q, "breaks if") || strings.Contains(q, "impact of"):
		return `MATCH (caller)-[:CALLS]->(callee) WHERE caller.repo_id = $repo_id ` +
			`RETURN callee.name AS symbol, collect(caller.name) AS callers ` +
			`ORDER BY size(callers) DESC LIMIT 50`
	case strings.Contains(q, "how many") || strings.Contains(q, "count"):
		return `MATCH (n) WHERE n.repo_id = $repo_id ` +
			`RETURN labels(n)[0] AS kind, count(n) AS total ORDER BY total DESC`
	default:
		return `MATCH (n) WHERE n.repo_id = $repo_id ` +
			`RETURN labels(n)[0] AS kind, n.name AS name, n.path AS path ` +
			`ORDER BY path, name LIMIT 100`
	}
}
