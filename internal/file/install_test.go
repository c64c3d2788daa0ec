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
	"os"
	"path/filepath"
	"testing"
)

func TestInstallContentRegular(t *testing.T) {
	stage := t.TempDir()
	prefix := t.TempDir()
	if err := os.WriteFile(filepath.Join(stage, "f"), []byte("new bytes"), 0751); err != nil {
		t.Fatal(err)
	}

	r, err := NewFromFS(stage, "/f")
	if err != nil {
		t.Fatal(err)
	}
	// replace an existing file
	if err := os.WriteFile(filepath.Join(prefix, "f"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.InstallContent(stage, prefix); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(prefix, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new bytes" {
		t.Errorf("content = %q", got)
	}
	fi, err := os.Stat(filepath.Join(prefix, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0751 {
		t.Errorf("perm = %o, want 0751", fi.Mode().Perm())
	}
}

func TestInstallContentSymlink(t *testing.T) {
	stage := t.TempDir()
	prefix := t.TempDir()
	if err := os.Symlink("some/target", filepath.Join(stage, "l")); err != nil {
		t.Fatal(err)
	}
	r, err := NewFromFS(stage, "/l")
	if err != nil {
		t.Fatal(err)
	}
	// an existing file at the destination is replaced
	if err := os.WriteFile(filepath.Join(prefix, "l"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.InstallContent(stage, prefix); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(filepath.Join(prefix, "l"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "some/target" {
		t.Errorf("target = %q", target)
	}
}

func TestInstallContentDirectory(t *testing.T) {
	stage := t.TempDir()
	prefix := t.TempDir()
	if err := os.Mkdir(filepath.Join(stage, "d"), 0750); err != nil {
		t.Fatal(err)
	}
	r, err := NewFromFS(stage, "/d")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InstallContent(stage, prefix); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(filepath.Join(prefix, "d"))
	if err != nil {
		t.Fatal(err)
	}
	if !fi.IsDir() || fi.Mode().Perm() != 0750 {
		t.Errorf("dir=%v perm=%o", fi.IsDir(), fi.Mode().Perm())
	}
}

func TestInstallContentDirectoryOverFileFails(t *testing.T) {
	stage := t.TempDir()
	prefix := t.TempDir()
	if err := os.Mkdir(filepath.Join(stage, "d"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(prefix, "d"), []byte("a file"), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := NewFromFS(stage, "/d")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InstallContent(stage, prefix); err == nil {
		t.Fatal("expected failure replacing a file with a directory")
	}
}

func TestInstallMetadata(t *testing.T) {
	prefix := t.TempDir()
	if err := os.WriteFile(filepath.Join(prefix, "f"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := NewFromFS(prefix, "/f")
	if err != nil {
		t.Fatal(err)
	}
	r.Mode = ModeFile | 0600
	if err := r.InstallMetadata(prefix); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(filepath.Join(prefix, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0600 {
		t.Errorf("perm = %o, want 0600", fi.Mode().Perm())
	}
}

func TestRemove(t *testing.T) {
	prefix := t.TempDir()
	if err := os.WriteFile(filepath.Join(prefix, "f"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := NewFromFS(prefix, "/f")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(prefix); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Lstat(filepath.Join(prefix, "f")); !os.IsNotExist(err) {
		t.Error("file still present after Remove")
	}
	// removing it again is not an error
	if err := r.Remove(prefix); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestRemoveNonEmptyDirectoryIsBenign(t *testing.T) {
	prefix := t.TempDir()
	if err := os.MkdirAll(filepath.Join(prefix, "d", "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	r, err := NewFromFS(prefix, "/d")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(prefix); err != nil {
		t.Errorf("non-empty rmdir should be silent: %v", err)
	}
	if _, err := os.Stat(filepath.Join(prefix, "d")); err != nil {
		t.Error("directory should still exist")
	}
}

func TestCopyPreserving(t *testing.T) {
	src := t.TempDir()
	dstRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "f"), []byte("payload"), 0604); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("f", filepath.Join(src, "l")); err != nil {
		t.Fatal(err)
	}

	if err := CopyPreserving(filepath.Join(src, "f"), filepath.Join(dstRoot, "f")); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dstRoot, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("content = %q", got)
	}
	fi, err := os.Stat(filepath.Join(dstRoot, "f"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0604 {
		t.Errorf("perm = %o, want 0604", fi.Mode().Perm())
	}

	if err := CopyPreserving(filepath.Join(src, "l"), filepath.Join(dstRoot, "l")); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(filepath.Join(dstRoot, "l"))
	if err != nil {
		t.Fatal(err)
	}
	if target != "f" {
		t.Errorf("target = %q", target)
	}
}

func TestDigestFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	if err := os.WriteFile(p, []byte("same content"), 0644); err != nil {
		t.Fatal(err)
	}
	d1, err := DigestFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(d1) != DigestSize {
		t.Fatalf("digest length = %d", len(d1))
	}
	if !DigestEqual(d1, DigestString("same content")) {
		t.Error("file digest should match string digest of same bytes")
	}
	if DigestEqual(d1, DigestString("different")) {
		t.Error("different content compared equal")
	}
}
