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

// Package fault defines the error taxonomy shared by the pipeline, the
// retrieval stack, and the HTTP edge. Every error that crosses a package
// boundary is classified with a Kind so callers can branch on the class
// instead of string-matching messages.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions and HTTP status mapping.
type Kind int

const (
	// Internal is the catch-all for unexpected failures.
	Internal Kind = iota
	// BadRequest covers malformed client input.
	BadRequest
	// NotFound covers missing jobs, repos, and uploads.
	NotFound
	// Unauthorized covers rejected credentials on an upstream provider.
	Unauthorized
	// ArchiveUnsafe covers path traversal and non-regular archive entries.
	ArchiveUnsafe
	// ArchiveTooLarge covers compressed or declared-uncompressed size limits.
	ArchiveTooLarge
	// ArchiveTooManyFiles covers the archive entry-count limit.
	ArchiveTooManyFiles
	// NoSupportedFiles means extraction found nothing the parser understands.
	NoSupportedFiles
	// UpstreamUnavailable covers transport errors and 5xx-class upstream
	// responses that are worth retrying.
	UpstreamUnavailable
	// UpstreamRejected covers non-retryable 4xx upstream responses.
	UpstreamRejected
	// EmbedExhausted means the embedding retry budget ran out.
	EmbedExhausted
	// UnsafeQuery covers generated graph queries that failed sanitization.
	UnsafeQuery
	// Config covers invalid startup configuration.
	Config
)

var kindNames = map[Kind]string{
	Internal:            "internal",
	BadRequest:          "bad_request",
	NotFound:            "not_found",
	Unauthorized:        "unauthorized",
	ArchiveUnsafe:       "archive_unsafe",
	ArchiveTooLarge:     "archive_too_large",
	ArchiveTooManyFiles: "archive_too_many_files",
	NoSupportedFiles:    "no_supported_files",
	UpstreamUnavailable: "upstream_unavailable",
	UpstreamRejected:    "upstream_rejected",
	EmbedExhausted:      "embed_exhausted",
	UnsafeQuery:         "unsafe_query",
	Config:              "config_error",
}

// String returns the stable wire name for the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "internal"
}

// Error is the concrete error type carried across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}
