// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf_Classified(t *testing.T) {
	err := New(ArchiveUnsafe, "entry %q escapes destination", "../../etc/passwd")

	if got := KindOf(err); got != ArchiveUnsafe {
		t.Errorf("KindOf() = %v, want ArchiveUnsafe", got)
	}
}

func TestKindOf_WrappedChain(t *testing.T) {
	cause := errors.New("connection refused")
	classified := Wrap(UpstreamUnavailable, cause, "graph service load")
	outer := fmt.Errorf("step LOAD_GRAPH: %w", classified)

	if got := KindOf(outer); got != UpstreamUnavailable {
		t.Errorf("KindOf() through wrap = %v, want UpstreamUnavailable", got)
	}
	if !errors.Is(outer, cause) {
		t.Error("wrapped cause should survive the chain")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != Internal {
		t.Errorf("KindOf(plain error) = %v, want Internal", got)
	}
}

func TestWrap_NilCause(t *testing.T) {
	if err := Wrap(BadRequest, nil, "ignored"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestKindString_Stable(t *testing.T) {
	cases := map[Kind]string{
		ArchiveTooLarge:     "archive_too_large",
		NoSupportedFiles:    "no_supported_files",
		EmbedExhausted:      "embed_exhausted",
		UnsafeQuery:         "unsafe_query",
		Config:              "config_error",
		Kind(9999):          "internal",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
