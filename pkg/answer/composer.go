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

// Package answer turns a retrieval pack into a cited answer. The chat
// provider is optional: without one, or when the model hedges, a
// deterministic summary of the retrieved anchors and relationships
// stands in so the endpoint never returns empty-handed.
package answer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/kraklabs/codegraph/pkg/graphdb"
	"github.com/kraklabs/codegraph/pkg/retrieval"
)

const (
	defaultMaxSnippets     = 8
	defaultMaxSnippetChars = 1200
	defaultMaxEdgeLines    = 40

	noContextAnswer = "No indexed snippets were retrieved for this repository yet. " +
		"Run ingest and retry the query."

	fallbackWarning = "chat provider not configured; returned deterministic fallback answer"
)

// lowConfidenceMarkers is the closed vocabulary that triggers the
// deterministic-summary prefix.
var lowConfidenceMarkers = []string{
	"i'm unsure",
	"i am unsure",
	"not enough context",
	"cannot determine",
	"no context",
	"can't determine",
}

// nodeIDRe matches candidate node ids inside free text, for salvaging
// citations when the model answers outside the JSON contract.
var nodeIDRe = regexp.MustCompile(`[a-f0-9]{32,64}`)

// ChatProvider is the slice of the chat client the composer uses.
type ChatProvider interface {
	Enabled() bool
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// Answer is the final response for a question.
type Answer struct {
	Answer    string   `json:"answer"`
	Citations []string `json:"citations"`
	Warning   string   `json:"warning,omitempty"`
}

// Composer builds answers from retrieval packs and structural query
// results.
type Composer struct {
	chat            ChatProvider
	maxSnippets     int
	maxSnippetChars int
	maxEdgeLines    int
	logger          *slog.Logger
}

// NewComposer creates a composer with the default context caps.
func NewComposer(chat ChatProvider, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		chat:            chat,
		maxSnippets:     defaultMaxSnippets,
		maxSnippetChars: defaultMaxSnippetChars,
		maxEdgeLines:    defaultMaxEdgeLines,
		logger:          logger,
	}
}

const composerSystem = "Be concise, factual, and cite provided snippet ids. " +
	"Answer with practical explanation: repository purpose, key components, and how components connect. " +
	"Never claim there is no context when snippets or graph relationships are present."

// Compose answers the question from the retrieval pack.
func (c *Composer) Compose(ctx context.Context, question string, pack *retrieval.Pack) (*Answer, error) {
	snippets := c.topSnippets(pack)

	if c.chat == nil || !c.chat.Enabled() {
		return c.fallback(question, pack, snippets), nil
	}

	allowed := make(map[string]bool, len(snippets))
	for _, s := range snippets {
		allowed[strings.ToLower(s.ID)] = true
	}

	prompt := fmt.Sprintf(
		"You are answering repository questions using retrieved code and graph context. "+
			"Return strict JSON with keys: answer (string) and citations (array of snippet ids). "+
			"Only cite ids from the provided context. "+
			"When context exists, give a best-effort explanation instead of saying there is no context.\n\n"+
			"Question:\n%s\n\nContext snippets:\n%s\n\nGraph context:\n%s\n",
		question, c.buildContext(snippets), c.graphSummary(pack),
	)

	content, err := c.chat.CompleteJSON(ctx, composerSystem, prompt)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Answer    string   `json:"answer"`
		Citations []string `json:"citations"`
	}
	if jerr := json.Unmarshal([]byte(content), &parsed); jerr != nil {
		// Model broke the JSON contract; keep the text and salvage ids.
		parsed.Answer = content
		parsed.Citations = extractIDs(content, allowed)
	}

	text := strings.TrimSpace(parsed.Answer)
	if text == "" {
		text = "No answer generated."
	}

	var citations []string
	seen := make(map[string]bool)
	for _, raw := range parsed.Citations {
		id := strings.ToLower(strings.TrimSpace(raw))
		if allowed[id] && !seen[id] {
			seen[id] = true
			citations = append(citations, id)
		}
	}
	if len(citations) == 0 {
		for i, s := range snippets {
			if i == 3 {
				break
			}
			citations = append(citations, s.ID)
		}
	}

	out := &Answer{Answer: text, Citations: citations}
	if len(snippets) > 0 && looksLowConfidence(text) {
		out.Answer = c.deterministicSummary(question, pack, snippets) +
			"\n\nModel response note:\n" + text
		out.Warning = "model returned low-confidence wording; prepended deterministic retrieval summary"
		c.logger.Warn("answer.low_confidence", "question", question)
	}
	return out, nil
}

// ComposeStructural renders a structural query result as a row table.
// No model involved: the rows are the answer.
func (c *Composer) ComposeStructural(question, cypher string, result *graphdb.QueryResult) *Answer {
	var b strings.Builder
	fmt.Fprintf(&b, "Structural answer for: %s\n", question)
	if len(result.Rows) == 0 {
		b.WriteString("The graph query returned no rows.")
	} else {
		if len(result.Columns) > 0 {
			b.WriteString(strings.Join(result.Columns, " | "))
			b.WriteByte('\n')
		}
		for _, row := range result.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = fmt.Sprintf("%v", v)
			}
			b.WriteString(strings.Join(cells, " | "))
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "\nQuery: %s", cypher)
	return &Answer{Answer: b.String(), Citations: []string{}}
}

func (c *Composer) fallback(question string, pack *retrieval.Pack, snippets []retrieval.Snippet) *Answer {
	if len(snippets) == 0 && len(pack.Nodes) == 0 {
		return &Answer{Answer: noContextAnswer, Citations: []string{}, Warning: fallbackWarning}
	}
	citations := make([]string, 0, 5)
	for i, s := range snippets {
		if i == 5 {
			break
		}
		citations = append(citations, s.ID)
	}
	return &Answer{
		Answer:    c.deterministicSummary(question, pack, snippets),
		Citations: citations,
		Warning:   fallbackWarning,
	}
}

// topSnippets returns the highest-scoring snippets, capped for the
// prompt.
func (c *Composer) topSnippets(pack *retrieval.Pack) []retrieval.Snippet {
	snippets := make([]retrieval.Snippet, 0, len(pack.Snippets))
	for _, s := range pack.Snippets {
		if strings.TrimSpace(s.ID) == "" {
			continue
		}
		snippets = append(snippets, s)
	}
	sort.SliceStable(snippets, func(i, j int) bool { return snippets[i].Score > snippets[j].Score })
	if len(snippets) > c.maxSnippets {
		snippets = snippets[:c.maxSnippets]
	}
	return snippets
}

func (c *Composer) buildContext(snippets []retrieval.Snippet) string {
	chunks := make([]string, 0, len(snippets))
	for _, s := range snippets {
		code := s.CodeSnippet
		if len(code) > c.maxSnippetChars {
			// Trim any rune split by the byte cut.
			code = strings.ToValidUTF8(code[:c.maxSnippetChars], "")
		}
		chunks = append(chunks, strings.Join([]string{
			"id: " + s.ID,
			"path: " + s.Path,
			"name: " + s.Name,
			"type: " + s.Type,
			fmt.Sprintf("score: %g", s.Score),
			"snippet:",
			code,
		}, "\n"))
	}
	return strings.Join(chunks, "\n\n---\n\n")
}

// graphSummary compacts the expanded neighborhood into a few prompt
// lines: counts, the dominant node kinds, and a bounded list of labeled
// edges.
func (c *Composer) graphSummary(pack *retrieval.Pack) string {
	if len(pack.Nodes) == 0 && len(pack.Edges) == 0 {
		return "No graph neighborhood data available."
	}

	nameByID := make(map[string]string, len(pack.Nodes))
	kindCounts := make(map[string]int)
	for _, n := range pack.Nodes {
		nameByID[n.ID] = n.Name
		kind := n.Type
		if kind == "" {
			kind = "unknown"
		}
		kindCounts[kind]++
	}

	kinds := make([]string, 0, len(kindCounts))
	for kind := range kindCounts {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kindCounts[kinds[i]] != kindCounts[kinds[j]] {
			return kindCounts[kinds[i]] > kindCounts[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	if len(kinds) > 4 {
		kinds = kinds[:4]
	}
	kindParts := make([]string, len(kinds))
	for i, kind := range kinds {
		kindParts[i] = fmt.Sprintf("%s:%d", kind, kindCounts[kind])
	}
	topKinds := strings.Join(kindParts, ", ")
	if topKinds == "" {
		topKinds = "n/a"
	}

	lines := []string{
		fmt.Sprintf("Graph nodes: %d", len(pack.Nodes)),
		fmt.Sprintf("Graph edges: %d", len(pack.Edges)),
		"Node types: " + topKinds,
	}
	if len(pack.Edges) > 0 {
		lines = append(lines, "Key relationships:")
		for i, e := range pack.Edges {
			if i == c.maxEdgeLines {
				break
			}
			lines = append(lines, fmt.Sprintf("%s -[%s]-> %s",
				displayName(nameByID, e.Source), edgeKind(e.Type), displayName(nameByID, e.Target)))
		}
	}
	return strings.Join(lines, "\n")
}

func (c *Composer) deterministicSummary(question string, pack *retrieval.Pack, snippets []retrieval.Snippet) string {
	if len(snippets) == 0 && len(pack.Nodes) == 0 {
		return noContextAnswer
	}

	lines := []string{"Best-effort answer for: " + question}

	if len(snippets) > 0 {
		lines = append(lines, "Most relevant code anchors:")
		for i, s := range snippets {
			if i == 4 {
				break
			}
			path := s.Path
			if path == "" {
				path = "<no path>"
			}
			lines = append(lines, fmt.Sprintf("- %s (%s) [%s] score=%.3f", s.Name, path, s.Type, s.Score))
		}
	}

	if len(pack.Edges) > 0 {
		nameByID := make(map[string]string, len(pack.Nodes))
		for _, n := range pack.Nodes {
			nameByID[n.ID] = n.Name
		}
		lines = append(lines, "Observed graph relationships:")
		for i, e := range pack.Edges {
			if i == 6 {
				break
			}
			lines = append(lines, fmt.Sprintf("- %s --%s--> %s",
				displayName(nameByID, e.Source), edgeKind(e.Type), displayName(nameByID, e.Target)))
		}
	}

	lines = append(lines, fmt.Sprintf("Retrieved context size: snippets=%d, nodes=%d, edges=%d.",
		len(snippets), len(pack.Nodes), len(pack.Edges)))
	return strings.Join(lines, "\n")
}

func displayName(nameByID map[string]string, id string) string {
	if name, ok := nameByID[id]; ok && name != "" {
		return name
	}
	return id
}

func edgeKind(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return "related_to"
	}
	return t
}

func looksLowConfidence(answer string) bool {
	text := strings.ToLower(strings.TrimSpace(answer))
	if text == "" {
		return true
	}
	for _, marker := range lowConfidenceMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func extractIDs(text string, allowed map[string]bool) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, token := range nodeIDRe.FindAllString(strings.ToLower(text), -1) {
		if allowed[token] && !seen[token] {
			seen[token] = true
			ids = append(ids, token)
		}
	}
	return ids
}
