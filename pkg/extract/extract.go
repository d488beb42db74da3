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

// Package extract turns an unpacked repository into a deterministic
// node/edge graph using Tree-sitter. Per language the extractor emits
// file, function, class, and module nodes plus contains/imports/calls
// edges; calls are resolved only against symbols defined in the same
// file, trading recall for zero false edges.
package extract

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/kraklabs/codegraph/pkg/fault"
)

// ProgressFunc reports parse progress: files done, files total, phase.
type ProgressFunc func(current, total int64, phase string)

// Extractor builds graph facts for unpacked repositories.
type Extractor struct {
	maxSnippetChars int
	parseWorkers    int
	logger          *slog.Logger
	pools           parserPools
	progress        ProgressFunc
	truncatedCount  atomic.Int64
}

// NewExtractor creates an extractor. maxSnippetChars bounds every stored
// code snippet (characters, not bytes).
func NewExtractor(maxSnippetChars int, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		maxSnippetChars: maxSnippetChars,
		parseWorkers:    4,
		logger:          logger,
	}
}

// SetParseWorkers sets the parse worker count. Values below 1 force
// sequential parsing.
func (e *Extractor) SetParseWorkers(n int) {
	e.parseWorkers = n
}

// SetProgressCallback installs a progress reporter for long parses.
func (e *Extractor) SetProgressCallback(fn ProgressFunc) {
	e.progress = fn
}

// TruncatedCount returns how many snippets were cut to the limit.
func (e *Extractor) TruncatedCount() int64 {
	return e.truncatedCount.Load()
}

type sourceFile struct {
	relPath  string
	fullPath string
	lang     string
}

// BuildFacts walks repoDir and extracts the full graph document for the
// repository. The result is independent of worker count and scheduling:
// nodes and edges are merged into sets and sorted before serialization.
func (e *Extractor) BuildFacts(ctx context.Context, repoID, repoDir string) (*Facts, error) {
	if _, err := os.Stat(repoDir); err != nil {
		return nil, fault.Wrap(fault.NotFound, err, "repo directory %s", repoDir)
	}

	files, err := listSourceFiles(repoDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fault.New(fault.NoSupportedFiles, "no supported source files in repository")
	}

	e.logger.Info("extract.parse.start",
		"repo_id", repoID,
		"files", len(files),
		"workers", e.parseWorkers,
	)

	builder := newFactsBuilder()
	if err := e.parseFiles(ctx, repoID, files, builder); err != nil {
		return nil, err
	}

	facts := builder.build(repoID)
	e.logger.Info("extract.parse.complete",
		"repo_id", repoID,
		"nodes", len(facts.Nodes),
		"edges", len(facts.Edges),
		"truncated_snippets", e.truncatedCount.Load(),
	)
	return facts, nil
}

// parallelThreshold is the file count below which the worker pool is not
// worth its setup cost.
const parallelThreshold = 10

func (e *Extractor) parseFiles(ctx context.Context, repoID string, files []sourceFile, builder *factsBuilder) error {
	total := int64(len(files))
	var processed int64

	if e.parseWorkers <= 1 || len(files) < parallelThreshold {
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return fault.Wrap(fault.Internal, err, "parse canceled")
			}
			e.parseOne(ctx, repoID, f, builder)
			processed++
			if e.progress != nil {
				e.progress(processed, total, "parse")
			}
		}
		return nil
	}

	jobs := make(chan sourceFile)
	var wg sync.WaitGroup
	var done atomic.Int64

	for w := 0; w < e.parseWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for f := range jobs {
				e.parseOne(ctx, repoID, f, builder)
				current := done.Add(1)
				if e.progress != nil {
					e.progress(current, total, "parse")
				}
			}
		}()
	}

	var cancelErr error
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			cancelErr = fault.Wrap(fault.Internal, err, "parse canceled")
			break
		}
		jobs <- f
	}
	close(jobs)
	wg.Wait()
	return cancelErr
}

// parseOne extracts one file into the builder. Unreadable or unparsable
// files are logged and skipped so a single bad file cannot fail a job.
func (e *Extractor) parseOne(ctx context.Context, repoID string, f sourceFile, builder *factsBuilder) {
	content, err := os.ReadFile(f.fullPath) //nolint:gosec // G304: paths come from the sandboxed walk
	if err != nil {
		e.logger.Warn("extract.parse.unreadable", "path", f.relPath, "error", err)
		return
	}

	spec, ok := languageSpecs[f.lang]
	if !ok {
		return
	}
	parser, ok := e.pools.get(f.lang)
	if !ok {
		return
	}
	defer e.pools.put(f.lang, parser)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		e.logger.Warn("extract.parse.failed", "path", f.relPath, "error", err)
		return
	}
	defer tree.Close()

	fe := &fileExtraction{
		extractor: e,
		repoID:    repoID,
		relPath:   f.relPath,
		source:    content,
		spec:      spec,
		seenIDs:   make(map[string]bool),
		symbols:   make(map[string]string),
	}
	fe.run(tree.RootNode())
	builder.merge(fe.nodes, fe.edges)
}

// listSourceFiles walks the repository, prunes ignored directories, and
// returns supported files sorted by relative path.
func listSourceFiles(repoDir string) ([]sourceFile, error) {
	var files []sourceFile
	err := filepath.WalkDir(repoDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] && path != repoDir {
				return filepath.SkipDir
			}
			return nil
		}
		lang := LanguageForFile(d.Name())
		if lang == "" {
			return nil
		}
		rel, err := filepath.Rel(repoDir, path)
		if err != nil {
			return err
		}
		files = append(files, sourceFile{
			relPath:  filepath.ToSlash(rel),
			fullPath: path,
			lang:     lang,
		})
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "walk repository")
	}
	sort.Slice(files, func(i, j int) bool { return files[i].relPath < files[j].relPath })
	return files, nil
}

// fileExtraction holds the per-file traversal state: the symbol table for
// call resolution and the node/edge accumulators.
type fileExtraction struct {
	extractor *Extractor
	repoID    string
	relPath   string
	source    []byte
	spec      *languageSpec

	nodes      []Node
	edges      []Edge
	seenIDs    map[string]bool
	symbols    map[string]string // definition name -> node id, this file only
	fileNodeID string
}

// run walks the tree iteratively in preorder. An explicit worklist keeps
// deep or adversarial trees from exhausting the goroutine stack.
func (fe *fileExtraction) run(root *sitter.Node) {
	fe.fileNodeID = NodeID(fe.repoID, fe.relPath, fe.relPath, "file")
	fe.addNode(Node{
		ID:          fe.fileNodeID,
		Type:        "file",
		Name:        filepath.Base(fe.relPath),
		Path:        fe.relPath,
		CodeSnippet: fe.snippet(string(fe.source)),
	})

	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		fe.processNode(node)

		// Push children in reverse so they pop in source order.
		for i := int(node.ChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, node.Child(i))
		}
	}
}

func (fe *fileExtraction) processNode(node *sitter.Node) {
	tsKind := node.Type()

	for _, ds := range fe.spec.defs {
		if tsKind != ds.tsKind {
			continue
		}
		fe.processDefinition(node, ds)
		break
	}

	if fe.spec.importKinds[tsKind] {
		fe.processImport(node)
	}

	if fe.spec.callKind != "" && tsKind == fe.spec.callKind {
		fe.processCall(node)
	}
}

func (fe *fileExtraction) processDefinition(node *sitter.Node, ds defSpec) {
	name := findName(node, ds.nameField, fe.source)
	graphKind := ds.graphKind

	if name == "" && node.Type() == "decorated_definition" {
		// The name lives on the wrapped def/class, not the decorator.
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			switch child.Type() {
			case "function_definition", "class_definition", "async_function_definition":
				if inner := findName(child, "name", fe.source); inner != "" {
					name = inner
					if child.Type() == "class_definition" {
						graphKind = "class"
					} else {
						graphKind = "function"
					}
				}
			default:
				continue
			}
			break
		}
	}
	if name == "" {
		return
	}

	id := NodeID(fe.repoID, fe.relPath, name, graphKind)
	if !fe.seenIDs[id] {
		fe.addNode(Node{
			ID:          id,
			Type:        graphKind,
			Name:        name,
			Path:        fe.relPath,
			CodeSnippet: fe.snippet(nodeText(node, fe.source)),
		})
		fe.edges = append(fe.edges, Edge{Source: fe.fileNodeID, Target: id, Type: "contains"})
		fe.symbols[name] = id
	}
}

func (fe *fileExtraction) processImport(node *sitter.Node) {
	module := normalizeModulePath(nodeText(node, fe.source))
	if module == "" {
		return
	}
	id := NodeID(fe.repoID, externalPath, module, "module")
	if !fe.seenIDs[id] {
		fe.addNode(Node{
			ID:   id,
			Type: "module",
			Name: module,
			Path: externalPath,
		})
	}
	fe.edges = append(fe.edges, Edge{Source: fe.fileNodeID, Target: id, Type: "imports"})
}

func (fe *fileExtraction) processCall(node *sitter.Node) {
	fn := node.ChildByFieldName("function")
	if fn == nil && node.ChildCount() > 0 {
		fn = node.Child(0)
	}
	if fn == nil {
		return
	}

	callName := strings.TrimSpace(nodeText(fn, fe.source))
	if i := strings.Index(callName, "("); i >= 0 {
		callName = callName[:i]
	}
	targetID, ok := fe.symbols[callName]
	if !ok {
		return
	}

	// The nearest enclosing named definition is the call source; top
	// level calls attribute to the file node.
	sourceID := fe.fileNodeID
	for anc := node.Parent(); anc != nil; anc = anc.Parent() {
		ancName := findName(anc, "name", fe.source)
		if ancName == "" {
			continue
		}
		if id, ok := fe.symbols[ancName]; ok {
			sourceID = id
			break
		}
	}

	if sourceID != targetID {
		fe.edges = append(fe.edges, Edge{Source: sourceID, Target: targetID, Type: "calls"})
	}
}

func (fe *fileExtraction) addNode(n Node) {
	fe.seenIDs[n.ID] = true
	fe.nodes = append(fe.nodes, n)
}

func (fe *fileExtraction) snippet(text string) string {
	out := truncateChars(strings.ToValidUTF8(text, ""), fe.extractor.maxSnippetChars)
	if len(out) < len(text) {
		fe.extractor.truncatedCount.Add(1)
	}
	return out
}

// findName resolves the display name of a definition node. Anonymous
// forms (arrow functions, go func literals in short var declarations)
// take their name from the assigning parent.
func findName(node *sitter.Node, field string, source []byte) string {
	if child := node.ChildByFieldName(field); child != nil {
		return strings.TrimSpace(nodeText(child, source))
	}
	parent := node.Parent()
	if parent == nil {
		return ""
	}
	switch parent.Type() {
	case "variable_declarator", "lexical_declaration", "variable_declaration":
		if nameChild := parent.ChildByFieldName("name"); nameChild != nil {
			return strings.TrimSpace(nodeText(nameChild, source))
		}
	case "short_var_declaration":
		if leftChild := parent.ChildByFieldName("left"); leftChild != nil {
			return strings.TrimSpace(nodeText(leftChild, source))
		}
	}
	return ""
}

// normalizeModulePath reduces an import statement to its module path:
// drop the leading keyword, take the first token, trim semicolons and
// quotes. Best-effort and language-agnostic.
func normalizeModulePath(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, kw := range []string{"import", "from", "use", "package"} {
		raw = strings.TrimSpace(strings.Replace(raw, kw, "", 1))
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	module := strings.TrimRight(fields[0], ";")
	return strings.Trim(module, `"'`)
}

func nodeText(node *sitter.Node, source []byte) string {
	return node.Content(source)
}

// truncateChars caps text at max characters (not bytes).
func truncateChars(text string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(text) <= max {
		return text
	}
	count := 0
	for i := range text {
		if count == max {
			return text[:i]
		}
		count++
	}
	return text
}
