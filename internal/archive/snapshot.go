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

package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/klauspost/compress/gzip"

	"rootup/internal/common"
)

// ExpandedPath is the layer's expanded backing directory.
func ExpandedPath(archivesPath, uuid string) string {
	return filepath.Join(archivesPath, uuid)
}

// SnapshotPath is the packed form of a layer's backing directory. The
// expanded tree is removed after install to save disk; the snapshot survives
// for as long as the layer does.
func SnapshotPath(archivesPath, uuid string) string {
	return filepath.Join(archivesPath, uuid+".tar.gz")
}

// Pack compacts the expanded backing directory into its snapshot tarball.
func Pack(archivesPath, uuid string) error {
	root := ExpandedPath(archivesPath, uuid)
	out, err := os.Create(SnapshotPath(archivesPath, uuid))
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrStageIO, err)
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if fi.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			hdr.Uid = int(st.Uid)
			hdr.Gid = int(st.Gid)
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		tw.Close()
		gz.Close()
		out.Close()
		os.Remove(SnapshotPath(archivesPath, uuid))
		return fmt.Errorf("%w: %v", common.ErrStageIO, err)
	}

	if err := tw.Close(); err == nil {
		err = gz.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
	} else {
		gz.Close()
		out.Close()
	}
	if err != nil {
		os.Remove(SnapshotPath(archivesPath, uuid))
		return fmt.Errorf("%w: %v", common.ErrStageIO, err)
	}
	return nil
}

// EnsureExpanded re-expands a layer's snapshot on demand. Uninstall needs
// the expanded tree to restore displaced bytes after the install-time
// expansion was pruned.
func EnsureExpanded(archivesPath, uuid string) error {
	expanded := ExpandedPath(archivesPath, uuid)
	if _, err := os.Stat(expanded); err == nil {
		return nil
	}
	snapshot := SnapshotPath(archivesPath, uuid)
	if _, err := os.Stat(snapshot); err != nil {
		return fmt.Errorf("%w: snapshot missing for %s", common.ErrDepotUnreadable, uuid)
	}
	if err := os.MkdirAll(expanded, 0755); err != nil {
		return fmt.Errorf("%w: %v", common.ErrStageIO, err)
	}
	return Extract(snapshot, expanded)
}

// RemoveExpanded prunes a layer's expanded backing directory.
func RemoveExpanded(archivesPath, uuid string) error {
	return os.RemoveAll(ExpandedPath(archivesPath, uuid))
}

// RemoveSnapshot deletes a layer's snapshot tarball.
func RemoveSnapshot(archivesPath, uuid string) error {
	err := os.Remove(SnapshotPath(archivesPath, uuid))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
