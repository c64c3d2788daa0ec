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

package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"rootup/internal/common"
)

// InstallContent lays the record's bytes down on the live tree, reading them
// from the layer's expanded backing directory. Regular files are replaced
// atomically (copy to a temporary sibling, then rename). Symlinks are
// recreated. Directories are created if absent, otherwise only their
// metadata is adjusted.
func (r *Record) InstallContent(backing, prefix string) error {
	src := common.LivePath(backing, r.Path)
	dst := common.LivePath(prefix, r.Path)

	switch {
	case r.IsDir():
		fi, err := os.Lstat(dst)
		switch {
		case os.IsNotExist(err):
			if err := os.Mkdir(dst, fs.FileMode(r.Mode&0777)); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", common.ErrLiveIO, dst, err)
			}
		case err != nil:
			return fmt.Errorf("%w: lstat %s: %v", common.ErrLiveIO, dst, err)
		case !fi.IsDir():
			// refuse to replace a non-directory with a directory
			return fmt.Errorf("%w: mkdir %s: %v", common.ErrLiveIO, dst, syscall.EEXIST)
		}
		return r.InstallMetadata(prefix)

	case r.IsSymlink():
		target, err := os.Readlink(src)
		if err != nil {
			return fmt.Errorf("%w: readlink %s: %v", common.ErrStageIO, src, err)
		}
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: remove %s: %v", common.ErrLiveIO, dst, err)
		}
		if err := os.Symlink(target, dst); err != nil {
			return fmt.Errorf("%w: symlink %s: %v", common.ErrLiveIO, dst, err)
		}
		if err := os.Lchown(dst, int(r.UID), int(r.GID)); err != nil {
			return fmt.Errorf("%w: lchown %s: %v", common.ErrLiveIO, dst, err)
		}
		return nil

	case r.IsRegular():
		if err := copyFileAtomic(src, dst, r); err != nil {
			return err
		}
		return nil
	}
	return fmt.Errorf("%w: unexpected file type %o for %s", common.ErrLiveIO, r.Mode&ModeMask, r.Path)
}

// InstallMetadata adjusts mode and ownership on the live tree without moving
// any bytes. Symlink permissions are not adjustable; only ownership applies.
func (r *Record) InstallMetadata(prefix string) error {
	dst := common.LivePath(prefix, r.Path)
	if r.IsSymlink() {
		if err := os.Lchown(dst, int(r.UID), int(r.GID)); err != nil {
			return fmt.Errorf("%w: lchown %s: %v", common.ErrLiveIO, dst, err)
		}
		return nil
	}
	if err := os.Chmod(dst, fs.FileMode(r.Mode&0777)); err != nil {
		return fmt.Errorf("%w: chmod %s: %v", common.ErrLiveIO, dst, err)
	}
	if err := os.Chown(dst, int(r.UID), int(r.GID)); err != nil {
		return fmt.Errorf("%w: chown %s: %v", common.ErrLiveIO, dst, err)
	}
	return nil
}

// Remove deletes the record's object from the live tree. A missing object is
// not an error. A non-empty directory is left in place: another layer may
// still own files beneath it.
func (r *Record) Remove(prefix string) error {
	dst := common.LivePath(prefix, r.Path)
	err := os.Remove(dst)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if r.IsDir() && isNotEmpty(err) {
		return nil
	}
	return fmt.Errorf("%w: remove %s: %v", common.ErrLiveIO, dst, err)
}

// isNotEmpty matches the rmdir error for a directory that still has entries.
func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

// copyFileAtomic copies src over dst, applying the record's mode and
// ownership, through a temporary sibling so the replacement is atomic.
func copyFileAtomic(src, dst string, r *Record) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", common.ErrStageIO, src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".rootup-*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", common.ErrLiveIO, dst, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		cleanup()
		return fmt.Errorf("%w: copy %s: %v", common.ErrLiveIO, dst, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close %s: %v", common.ErrLiveIO, tmpName, err)
	}
	if err := os.Chmod(tmpName, fs.FileMode(r.Mode&0777)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod %s: %v", common.ErrLiveIO, tmpName, err)
	}
	if err := os.Chown(tmpName, int(r.UID), int(r.GID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chown %s: %v", common.ErrLiveIO, tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename %s: %v", common.ErrLiveIO, dst, err)
	}
	return nil
}
