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
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// Parser instances are not thread-safe, so each language gets a pool and
// workers check parsers out per file.
type parserPools struct {
	pools map[string]*sync.Pool
	init  sync.Once
}

func (p *parserPools) initPools() {
	p.init.Do(func() {
		p.pools = make(map[string]*sync.Pool, len(languageSpecs))
		for name, spec := range languageSpecs {
			lang := spec.language
			p.pools[name] = &sync.Pool{
				New: func() any {
					parser := sitter.NewParser()
					parser.SetLanguage(lang)
					return parser
				},
			}
		}
	})
}

func (p *parserPools) get(lang string) (*sitter.Parser, bool) {
	p.initPools()
	pool, ok := p.pools[lang]
	if !ok {
		return nil, false
	}
	parser, ok := pool.Get().(*sitter.Parser)
	return parser, ok
}

func (p *parserPools) put(lang string, parser *sitter.Parser) {
	if pool, ok := p.pools[lang]; ok {
		pool.Put(parser)
	}
}
