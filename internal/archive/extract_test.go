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
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"rootup/internal/common"
)

// buildTree writes a small source tree with a nested file and a symlink.
func buildTree(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "usr", "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "usr", "bin", "tool"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "etc.conf"), []byte("key=value\n"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("usr/bin/tool", filepath.Join(src, "tool")); err != nil {
		t.Fatal(err)
	}
	return src
}

func verifyTree(t *testing.T, root string) {
	t.Helper()
	got, err := os.ReadFile(filepath.Join(root, "usr", "bin", "tool"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "#!/bin/sh\n" {
		t.Errorf("tool content = %q", got)
	}
	fi, err := os.Stat(filepath.Join(root, "usr", "bin", "tool"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0755 {
		t.Errorf("tool perm = %o", fi.Mode().Perm())
	}
	target, err := os.Readlink(filepath.Join(root, "tool"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "usr/bin/tool" {
		t.Errorf("symlink target = %q", target)
	}
}

func TestExtractDirectory(t *testing.T) {
	src := buildTree(t)
	dest := t.TempDir()
	if err := Extract(src, dest); err != nil {
		t.Fatal(err)
	}
	verifyTree(t, dest)
}

func TestPackAndExtractTarGz(t *testing.T) {
	archives := t.TempDir()
	const id = "0B5C3E2A-1111-2222-3333-444455556666"

	src := buildTree(t)
	if err := Extract(src, ExpandedPath(archives, id)); err != nil {
		t.Fatal(err)
	}
	if err := Pack(archives, id); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(SnapshotPath(archives, id)); err != nil {
		t.Fatal(err)
	}

	// the snapshot is itself a plain tar.gz archive
	dest := t.TempDir()
	if err := Extract(SnapshotPath(archives, id), dest); err != nil {
		t.Fatal(err)
	}
	verifyTree(t, dest)
}

func TestEnsureExpanded(t *testing.T) {
	archives := t.TempDir()
	const id = "0B5C3E2A-AAAA-BBBB-CCCC-444455556666"

	src := buildTree(t)
	if err := Extract(src, ExpandedPath(archives, id)); err != nil {
		t.Fatal(err)
	}
	if err := Pack(archives, id); err != nil {
		t.Fatal(err)
	}
	if err := RemoveExpanded(archives, id); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(ExpandedPath(archives, id)); !os.IsNotExist(err) {
		t.Fatal("expanded tree should be pruned")
	}

	if err := EnsureExpanded(archives, id); err != nil {
		t.Fatal(err)
	}
	verifyTree(t, ExpandedPath(archives, id))

	// idempotent when already expanded
	if err := EnsureExpanded(archives, id); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureExpandedMissingSnapshot(t *testing.T) {
	archives := t.TempDir()
	err := EnsureExpanded(archives, "DEAD-BEEF")
	if !errors.Is(err, common.ErrDepotUnreadable) {
		t.Errorf("err = %v, want ErrDepotUnreadable", err)
	}
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "root.zip")
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	hdr := &zip.FileHeader{Name: "bin/hello"}
	hdr.SetMode(0755)
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	if err := Extract(zipPath, dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dest, "bin", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hi" {
		t.Errorf("content = %q", got)
	}
}

func TestExtractUnknownType(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "root.rar")
	if err := os.WriteFile(p, []byte("not an archive"), 0644); err != nil {
		t.Fatal(err)
	}
	err := Extract(p, t.TempDir())
	if !errors.Is(err, common.ErrArchiveDecode) {
		t.Errorf("err = %v, want ErrArchiveDecode", err)
	}
}

func TestSafeJoin(t *testing.T) {
	if _, err := safeJoin("/dest", "../evil"); err == nil {
		t.Error("parent traversal accepted")
	}
	got, err := safeJoin("/dest", "/abs/path")
	if err != nil || got != "/dest/abs/path" {
		t.Errorf("absolute member: got %q, %v", got, err)
	}
	got, err = safeJoin("/dest", "./")
	if err != nil || got != "" {
		t.Errorf("archive root: got %q, %v", got, err)
	}
}

func TestRemoveSnapshotMissingIsBenign(t *testing.T) {
	if err := RemoveSnapshot(t.TempDir(), "NOPE"); err != nil {
		t.Errorf("RemoveSnapshot: %v", err)
	}
}
