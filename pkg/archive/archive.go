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

// Package archive extracts untrusted zip uploads into a sandboxed
// destination. Validation runs over every entry before a single byte is
// written; materialization goes to a temporary sibling directory that is
// renamed into place only on full success, so the destination either
// exists completely or not at all.
package archive

import (
	"archive/zip"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kraklabs/codegraph/pkg/fault"
)

// Limits bounds what an uploaded archive may contain.
type Limits struct {
	MaxZipBytes           int64 // compressed upload size
	MaxFiles              int   // total entries, directories included
	MaxTotalUnzippedBytes int64 // declared uncompressed sum of file entries
}

// Sandbox extracts validated zip archives under a data directory.
type Sandbox struct {
	limits Limits
	logger *slog.Logger
}

// NewSandbox creates a sandbox with the given limits.
func NewSandbox(limits Limits, logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{limits: limits, logger: logger}
}

// Extract unpacks zipPath into dest. If dest already exists the call is a
// no-op success, which makes re-run pipeline attempts idempotent. Any
// validation or IO failure leaves dest absent.
func (s *Sandbox) Extract(zipPath, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		s.logger.Info("ingest.archive.extract.skip_existing", "dest", dest)
		return nil
	}

	info, err := os.Stat(zipPath)
	if err != nil {
		return fault.Wrap(fault.BadRequest, err, "stat upload %s", zipPath)
	}
	if s.limits.MaxZipBytes > 0 && info.Size() > s.limits.MaxZipBytes {
		return fault.New(fault.ArchiveTooLarge,
			"upload is %d bytes, limit is %d", info.Size(), s.limits.MaxZipBytes)
	}

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fault.Wrap(fault.BadRequest, err, "open zip %s", zipPath)
	}
	defer func() { _ = reader.Close() }()

	if err := s.validate(reader.File); err != nil {
		return err
	}

	tmp := dest + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fault.Wrap(fault.Internal, err, "clear stale temp dir %s", tmp)
	}
	if err := s.materialize(reader.File, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.RemoveAll(tmp)
		return fault.Wrap(fault.Internal, err, "publish extracted tree to %s", dest)
	}

	s.logger.Info("ingest.archive.extract.complete",
		"dest", dest,
		"entries", len(reader.File),
	)
	return nil
}

// validate walks every entry before extraction starts. Rejections carry
// the offending entry name so the job error is actionable.
func (s *Sandbox) validate(files []*zip.File) error {
	if s.limits.MaxFiles > 0 && len(files) > s.limits.MaxFiles {
		return fault.New(fault.ArchiveTooManyFiles,
			"archive has %d entries, limit is %d", len(files), s.limits.MaxFiles)
	}

	var declared int64
	for _, fh := range files {
		if err := checkEntryPath(fh.Name); err != nil {
			return err
		}
		mode := fh.Mode()
		if mode&os.ModeSymlink != 0 {
			return fault.New(fault.ArchiveUnsafe, "entry %q is a symlink", fh.Name)
		}
		if fh.FileInfo().IsDir() {
			continue
		}
		if !mode.IsRegular() {
			return fault.New(fault.ArchiveUnsafe, "entry %q is not a regular file", fh.Name)
		}
		declared += int64(fh.UncompressedSize64)
	}
	if s.limits.MaxTotalUnzippedBytes > 0 && declared > s.limits.MaxTotalUnzippedBytes {
		return fault.New(fault.ArchiveTooLarge,
			"archive declares %d uncompressed bytes, limit is %d",
			declared, s.limits.MaxTotalUnzippedBytes)
	}
	return nil
}

// materialize writes the validated entries under root. Actual bytes are
// re-counted during the copy so a header that lies about its size cannot
// blow past the uncompressed budget.
func (s *Sandbox) materialize(files []*zip.File, root string) error {
	if err := os.MkdirAll(root, 0750); err != nil {
		return fault.Wrap(fault.Internal, err, "create extraction root %s", root)
	}

	var written int64
	for _, fh := range files {
		target := filepath.Join(root, filepath.FromSlash(fh.Name))
		// Validated above, but Join is the last line of defense.
		if !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fault.New(fault.ArchiveUnsafe, "entry %q escapes destination", fh.Name)
		}

		if fh.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0750); err != nil {
				return fault.Wrap(fault.Internal, err, "create directory %s", fh.Name)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return fault.Wrap(fault.Internal, err, "create parent of %s", fh.Name)
		}

		n, err := s.copyEntry(fh, target, s.limits.MaxTotalUnzippedBytes-written)
		if err != nil {
			return err
		}
		written += n
	}
	return nil
}

func (s *Sandbox) copyEntry(fh *zip.File, target string, budget int64) (int64, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, fault.Wrap(fault.BadRequest, err, "open entry %q", fh.Name)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640) //nolint:gosec // G304: target is validated above
	if err != nil {
		return 0, fault.Wrap(fault.Internal, err, "create file for entry %q", fh.Name)
	}
	defer func() { _ = dst.Close() }()

	var reader io.Reader = src
	if s.limits.MaxTotalUnzippedBytes > 0 {
		if budget <= 0 {
			return 0, fault.New(fault.ArchiveTooLarge,
				"uncompressed budget exhausted at entry %q", fh.Name)
		}
		reader = io.LimitReader(src, budget+1)
	}

	n, err := io.Copy(dst, reader)
	if err != nil {
		return n, fault.Wrap(fault.Internal, err, "write entry %q", fh.Name)
	}
	if s.limits.MaxTotalUnzippedBytes > 0 && n > budget {
		return n, fault.New(fault.ArchiveTooLarge,
			"entry %q exceeds the declared uncompressed budget", fh.Name)
	}
	return n, nil
}

// checkEntryPath rejects absolute paths and any path that resolves
// outside the extraction root.
func checkEntryPath(name string) error {
	if name == "" {
		return fault.New(fault.ArchiveUnsafe, "archive contains an unnamed entry")
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return fault.New(fault.ArchiveUnsafe, "entry %q has an absolute path", name)
	}
	if strings.Contains(name, "\\") {
		return fault.New(fault.ArchiveUnsafe, "entry %q uses backslash separators", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return fault.New(fault.ArchiveUnsafe, "entry %q escapes destination", name)
	}
	return nil
}
