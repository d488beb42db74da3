// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package extract

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

func TestFactsBuilder_DedupAndSort(t *testing.T) {
	b := newFactsBuilder()
	b.merge(
		[]Node{{ID: "bbb", Type: "function", Name: "f"}},
		[]Edge{{Source: "bbb", Target: "aaa", Type: "calls"}},
	)
	b.merge(
		[]Node{
			{ID: "aaa", Type: "file", Name: "x.py"},
			{ID: "bbb", Type: "function", Name: "duplicate-ignored"},
		},
		[]Edge{
			{Source: "bbb", Target: "aaa", Type: "calls"}, // duplicate
			{Source: "aaa", Target: "bbb", Type: "contains"},
		},
	)

	facts := b.build("repo-1")

	if len(facts.Nodes) != 2 {
		t.Fatalf("expected 2 nodes after dedup, got %d", len(facts.Nodes))
	}
	if facts.Nodes[0].ID != "aaa" || facts.Nodes[1].ID != "bbb" {
		t.Errorf("nodes not sorted by id: %v, %v", facts.Nodes[0].ID, facts.Nodes[1].ID)
	}
	if facts.Nodes[1].Name != "f" {
		t.Errorf("first writer should win on duplicate node id, got name %q", facts.Nodes[1].Name)
	}
	if len(facts.Edges) != 2 {
		t.Fatalf("expected 2 edges after dedup, got %d", len(facts.Edges))
	}
	sorted := sort.SliceIsSorted(facts.Edges, func(i, j int) bool {
		return facts.Edges[i].Source < facts.Edges[j].Source
	})
	if !sorted {
		t.Error("edges should be sorted by source first")
	}
}

func TestWriteFacts_PathLayout(t *testing.T) {
	root := t.TempDir()
	facts := &Facts{RepoID: "deadbeef", Nodes: []Node{}, Edges: []Edge{}}

	path, err := WriteFacts(facts, root)
	if err != nil {
		t.Fatalf("WriteFacts() error: %v", err)
	}
	want := filepath.Join(root, "deadbeef", "graph_facts.json")
	if path != want {
		t.Errorf("WriteFacts() path = %q, want %q", path, want)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written facts: %v", err)
	}
	text := string(data)
	if text[0] != '{' || !strings.Contains(text, "\n  \"repo_id\": \"deadbeef\"") {
		t.Errorf("facts should be 2-space indented JSON, got: %s", text)
	}
}
