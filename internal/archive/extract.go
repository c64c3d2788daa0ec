// Copyright 2025 Rootup Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package archive decodes root archives into staging directories and
// manages the packed snapshots of per-layer backing stores.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"rootup/internal/common"
	"rootup/internal/file"
)

// Extract decodes the archive at src into destDir, preserving file modes,
// ownership, symlink targets, and timestamps. src may be a directory (copied
// verbatim), a tar file, a gz/bz2-compressed tar, or a zip file.
func Extract(src, destDir string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
	}
	if fi.IsDir() {
		return copyTree(src, destDir)
	}

	lower := strings.ToLower(src)
	switch {
	case strings.HasSuffix(lower, ".tar"):
		return extractTarFile(src, destDir, nil)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarFile(src, destDir, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		return extractTarFile(src, destDir, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		})
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(src, destDir)
	}
	return fmt.Errorf("%w: unknown archive type: %s", common.ErrArchiveDecode, src)
}

// copyTree replicates a source directory into destDir preserving metadata.
func copyTree(src, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStageIO, err)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if err := file.CopyPreserving(path, filepath.Join(destDir, rel)); err != nil {
			return fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
		}
		return nil
	})
}

// extractTarFile streams a tar archive, optionally through a decompressor,
// into destDir.
func extractTarFile(src, destDir string, wrap func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
	}
	defer f.Close()

	var r io.Reader = f
	if wrap != nil {
		r, err = wrap(f)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
		}
		if c, ok := r.(io.Closer); ok {
			defer c.Close()
		}
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode)&0777); err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			applyHeader(target, hdr, false)

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode)&0777)
			if err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			applyHeader(target, hdr, false)

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			applyHeader(target, hdr, true)
		}
	}
}

// applyHeader applies tar header mode, ownership, and timestamps; chown is
// best-effort since extraction may run unprivileged. The explicit chmod
// undoes whatever the process umask stripped at creation.
func applyHeader(target string, hdr *tar.Header, symlink bool) {
	if symlink {
		_ = os.Lchown(target, hdr.Uid, hdr.Gid)
		return
	}
	_ = os.Chmod(target, fs.FileMode(hdr.Mode)&07777)
	_ = os.Chown(target, hdr.Uid, hdr.Gid)
	if !hdr.ModTime.IsZero() {
		_ = os.Chtimes(target, hdr.ModTime, hdr.ModTime)
	}
}

// extractZip expands a zip archive into destDir. Symlinks are encoded in
// zip as files whose contents are the link target.
func extractZip(src, destDir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		target, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}
		mode := zf.Mode()

		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, mode.Perm()); err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			_ = os.Chmod(target, mode.Perm())

		case mode&fs.ModeSymlink != 0:
			rc, err := zf.Open()
			if err != nil {
				return fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
			}
			linkTarget, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			if err := os.Symlink(string(linkTarget), target); err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}

		default:
			rc, err := zf.Open()
			if err != nil {
				return fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				rc.Close()
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
			if err != nil {
				rc.Close()
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			_, err = io.Copy(out, rc)
			rc.Close()
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
			_ = os.Chmod(target, mode.Perm())
			if !zf.Modified.IsZero() {
				_ = os.Chtimes(target, zf.Modified, zf.Modified)
			}
		}
	}
	return nil
}

// safeJoin resolves an archive member name beneath destDir. Absolute names
// are re-rooted under destDir; parent traversal is rejected. Returns "" for
// the archive root.
func safeJoin(destDir, name string) (string, error) {
	name = filepath.Clean(strings.TrimPrefix(name, "/"))
	if name == "." {
		return "", nil
	}
	if name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: unsafe member path %q", common.ErrArchiveDecode, name)
	}
	return filepath.Join(destDir, name), nil
}
