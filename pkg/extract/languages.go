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
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// ignoredDirs are pruned during the repository walk.
var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"venv":         true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
}

// defSpec maps a tree-sitter node kind to a graph node kind plus the
// field that names the definition.
type defSpec struct {
	tsKind    string
	graphKind string
	nameField string
}

// languageSpec is the full extraction recipe for one language. Adding a
// language is a registry entry, not new traversal code.
type languageSpec struct {
	name        string
	language    *sitter.Language
	defs        []defSpec
	importKinds map[string]bool
	callKind    string
}

var extToLang = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "tsx",
	".java": "java",
	".go":   "go",
	".rs":   "rust",
}

var languageSpecs = map[string]*languageSpec{
	"python": {
		name:     "python",
		language: python.GetLanguage(),
		defs: []defSpec{
			{"class_definition", "class", "name"},
			{"function_definition", "function", "name"},
			{"decorated_definition", "function", "name"},
		},
		importKinds: kindSet("import_statement", "import_from_statement"),
		callKind:    "call",
	},
	"javascript": {
		name:     "javascript",
		language: javascript.GetLanguage(),
		defs: []defSpec{
			{"class_declaration", "class", "name"},
			{"function_declaration", "function", "name"},
			{"arrow_function", "function", "name"},
			{"method_definition", "function", "name"},
			{"generator_function_declaration", "function", "name"},
		},
		importKinds: kindSet("import_statement", "import_declaration"),
		callKind:    "call_expression",
	},
	"typescript": {
		name:     "typescript",
		language: typescript.GetLanguage(),
		defs: []defSpec{
			{"class_declaration", "class", "name"},
			{"function_declaration", "function", "name"},
			{"arrow_function", "function", "name"},
			{"method_definition", "function", "name"},
			{"method_signature", "function", "name"},
			{"abstract_class_declaration", "class", "name"},
			{"interface_declaration", "class", "name"},
		},
		importKinds: kindSet("import_statement", "import_declaration"),
		callKind:    "call_expression",
	},
	"tsx": {
		name:     "tsx",
		language: tsx.GetLanguage(),
		defs: []defSpec{
			{"class_declaration", "class", "name"},
			{"function_declaration", "function", "name"},
			{"arrow_function", "function", "name"},
			{"method_definition", "function", "name"},
			{"interface_declaration", "class", "name"},
		},
		importKinds: kindSet("import_statement", "import_declaration"),
		callKind:    "call_expression",
	},
	"java": {
		name:     "java",
		language: java.GetLanguage(),
		defs: []defSpec{
			{"class_declaration", "class", "name"},
			{"interface_declaration", "class", "name"},
			{"enum_declaration", "class", "name"},
			{"method_declaration", "function", "name"},
			{"constructor_declaration", "function", "name"},
		},
		importKinds: kindSet("import_declaration"),
		callKind:    "method_invocation",
	},
	"go": {
		name:     "go",
		language: golang.GetLanguage(),
		defs: []defSpec{
			{"type_declaration", "class", "name"},
			{"function_declaration", "function", "name"},
			{"method_declaration", "function", "name"},
			{"short_var_declaration", "function", "left"},
		},
		importKinds: kindSet("import_spec"),
		callKind:    "call_expression",
	},
	"rust": {
		name:     "rust",
		language: rust.GetLanguage(),
		defs: []defSpec{
			{"struct_item", "class", "name"},
			{"enum_item", "class", "name"},
			{"trait_item", "class", "name"},
			{"impl_item", "class", "name"},
			{"function_item", "function", "name"},
		},
		importKinds: kindSet("use_declaration"),
		callKind:    "call_expression",
	},
}

func kindSet(kinds ...string) map[string]bool {
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// LanguageForFile resolves a file name to a registered language, or ""
// when the extension is unsupported.
func LanguageForFile(name string) string {
	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return ""
	}
	return extToLang[strings.ToLower(name[dot:])]
}

// SupportedLanguages lists the registered language names.
func SupportedLanguages() []string {
	names := make([]string, 0, len(languageSpecs))
	for name := range languageSpecs {
		names = append(names, name)
	}
	return names
}
