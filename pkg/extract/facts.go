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

package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kraklabs/codegraph/pkg/fault"
)

// Node is one vertex of the repository graph: a file, a definition
// (function or class), or an imported external module.
type Node struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	CodeSnippet string `json:"code_snippet"`
}

// Edge is a directed relation between two node ids. Types are
// "contains" (file→definition), "imports" (file→module), and
// "calls" (definition→definition within one file).
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Facts is the loader-facing graph document for one repository.
// Nodes are sorted by id and edges by (source, target, type), so the
// serialized form is byte-identical across runs on the same input.
type Facts struct {
	RepoID string `json:"repo_id"`
	Nodes  []Node `json:"nodes"`
	Edges  []Edge `json:"edges"`
}

// Node ids are content-addressed so re-ingesting the same repository
// produces the same graph. The file node uses its own path as symbol;
// module nodes use the sentinel path below.
const externalPath = "<external>"

// NodeID derives the stable identifier for a graph node.
func NodeID(repoID, path, symbol, kind string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s", repoID, path, symbol, kind))
	return hex.EncodeToString(sum[:])
}

// factsBuilder accumulates nodes and edges across files. First writer
// wins on node id, matching the per-file dedup order of the walk.
type factsBuilder struct {
	mu    sync.Mutex
	nodes map[string]Node
	edges map[Edge]struct{}
}

func newFactsBuilder() *factsBuilder {
	return &factsBuilder{
		nodes: make(map[string]Node),
		edges: make(map[Edge]struct{}),
	}
}

func (b *factsBuilder) merge(nodes []Node, edges []Edge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range nodes {
		if _, ok := b.nodes[n.ID]; !ok {
			b.nodes[n.ID] = n
		}
	}
	for _, e := range edges {
		b.edges[e] = struct{}{}
	}
}

func (b *factsBuilder) build(repoID string) *Facts {
	b.mu.Lock()
	defer b.mu.Unlock()

	nodes := make([]Node, 0, len(b.nodes))
	for _, n := range b.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]Edge, 0, len(b.edges))
	for e := range b.edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		if edges[i].Target != edges[j].Target {
			return edges[i].Target < edges[j].Target
		}
		return edges[i].Type < edges[j].Type
	})

	return &Facts{RepoID: repoID, Nodes: nodes, Edges: edges}
}

// Marshal renders the canonical two-space-indented JSON form.
func (f *Facts) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "encode graph facts")
	}
	return data, nil
}

// WriteFacts persists the facts document under
// <artifactsRoot>/<repo_id>/graph_facts.json and returns the path.
func WriteFacts(f *Facts, artifactsRoot string) (string, error) {
	data, err := f.Marshal()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(artifactsRoot, f.RepoID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fault.Wrap(fault.Internal, err, "create artifacts dir %s", dir)
	}
	path := filepath.Join(dir, "graph_facts.json")
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fault.Wrap(fault.Internal, err, "write graph facts %s", path)
	}
	return path, nil
}

// ReadFacts loads a previously written facts document.
func ReadFacts(artifactsRoot, repoID string) (*Facts, error) {
	path := filepath.Join(artifactsRoot, repoID, "graph_facts.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrap(fault.NotFound, err, "graph facts missing at %s", path)
		}
		return nil, fault.Wrap(fault.Internal, err, "read graph facts %s", path)
	}
	var facts Facts
	if err := json.Unmarshal(data, &facts); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "decode graph facts %s", path)
	}
	return &facts, nil
}
