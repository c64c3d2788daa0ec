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

package depot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"rootup/internal/archive"
	"rootup/internal/config"
)

// newTestDepot opens a depot over a fresh prefix with status output discarded.
func newTestDepot(t *testing.T, mod func(*config.Config)) (*Depot, string) {
	t.Helper()
	prefix := t.TempDir()
	cfg := config.Default()
	cfg.Prefix = prefix
	if mod != nil {
		mod(&cfg)
	}
	d, err := Open(cfg)
	require.NoError(t, err)
	d.SetOutput(io.Discard)
	t.Cleanup(func() { d.Close() })
	return d, prefix
}

// writeTree materializes a small tree. A value of "" creates a directory, a
// value starting with "-> " creates a symlink, anything else a file.
func writeTree(t *testing.T, root string, entries map[string]string) {
	t.Helper()
	for rel, val := range entries {
		full := filepath.Join(root, rel)
		switch {
		case val == "":
			require.NoError(t, os.MkdirAll(full, 0755))
		case strings.HasPrefix(val, "-> "):
			require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
			require.NoError(t, os.Symlink(strings.TrimPrefix(val, "-> "), full))
		default:
			require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
			require.NoError(t, os.WriteFile(full, []byte(val), 0644))
		}
	}
}

// snapshotTree captures everything under root except the depot metadata
// directory, as "kind perm payload" strings keyed by relative path.
func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == config.DepotDirName || strings.HasPrefix(rel, config.DepotDirName+string(filepath.Separator)) {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := de.Info()
		if err != nil {
			return err
		}
		switch {
		case fi.IsDir():
			tree[rel] = fmt.Sprintf("dir %o", fi.Mode().Perm())
		case fi.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			tree[rel] = "link " + target
		default:
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			tree[rel] = fmt.Sprintf("file %o %s", fi.Mode().Perm(), content)
		}
		return nil
	})
	require.NoError(t, err)
	return tree
}

func TestInstallAndUninstallRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, nil)

	// pristine destination with a baseline file the root will modify
	writeTree(t, prefix, map[string]string{
		"d/file": "baseline contents\n",
	})
	orig := snapshotTree(t, prefix)

	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a/b/c":  "new file\n",
		"d/file": "overlay contents\n",
		"d/link": "-> file",
	})

	layer, err := d.Install(ctx, root)
	require.NoError(t, err)
	require.True(t, layer.Active)

	got, err := os.ReadFile(filepath.Join(prefix, "d", "file"))
	require.NoError(t, err)
	require.Equal(t, "overlay contents\n", string(got))
	got, err = os.ReadFile(filepath.Join(prefix, "a", "b", "c"))
	require.NoError(t, err)
	require.Equal(t, "new file\n", string(got))

	layers, err := d.Catalog().Archives(ctx, false)
	require.NoError(t, err)
	require.Len(t, layers, 1, "list should contain exactly one non-rollback entry")

	require.NoError(t, d.Uninstall(ctx, layer))

	require.Equal(t, orig, snapshotTree(t, prefix), "destination must be bit-identical after uninstall")
	layers, err = d.Catalog().Archives(ctx, false)
	require.NoError(t, err)
	require.Empty(t, layers)
}

func TestStackedUninstallInInstallOrder(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, nil)

	writeTree(t, prefix, map[string]string{"etc/conf": "v0\n"})
	orig := snapshotTree(t, prefix)

	roots := make([]string, 3)
	for i := range roots {
		root := filepath.Join(t.TempDir(), fmt.Sprintf("root%d", i+1))
		writeTree(t, root, map[string]string{
			"etc/conf":                       fmt.Sprintf("v%d\n", i+1),
			fmt.Sprintf("opt/extra%d", i+1): "data\n",
		})
		roots[i] = root
	}

	var serials []int64
	for _, root := range roots {
		layer, err := d.Install(ctx, root)
		require.NoError(t, err)
		serials = append(serials, layer.Serial)
	}

	got, err := os.ReadFile(filepath.Join(prefix, "etc", "conf"))
	require.NoError(t, err)
	require.Equal(t, "v3\n", string(got))

	// uninstall oldest first
	for _, serial := range serials {
		layer, err := d.Catalog().ArchiveBySerial(ctx, serial)
		require.NoError(t, err)
		require.NoError(t, d.Uninstall(ctx, layer))
	}

	require.Equal(t, orig, snapshotTree(t, prefix))
}

func TestStackedUninstallLIFO(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, nil)

	writeTree(t, prefix, map[string]string{"etc/conf": "v0\n"})
	orig := snapshotTree(t, prefix)

	for i := 1; i <= 3; i++ {
		root := filepath.Join(t.TempDir(), fmt.Sprintf("root%d", i))
		writeTree(t, root, map[string]string{"etc/conf": fmt.Sprintf("v%d\n", i)})
		_, err := d.Install(ctx, root)
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		layers, err := d.Resolve(ctx, "newest")
		require.NoError(t, err)
		require.NoError(t, d.Uninstall(ctx, layers[0]))
	}

	require.Equal(t, orig, snapshotTree(t, prefix))
}

func TestUserModificationPreserved(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, nil)

	writeTree(t, prefix, map[string]string{"d/file": "baseline\n"})

	root5 := filepath.Join(t.TempDir(), "root5")
	writeTree(t, root5, map[string]string{"d/file": "root5 version\n"})
	l5, err := d.Install(ctx, root5)
	require.NoError(t, err)

	// user modifies the installed file
	mod := "root5 version\nmodification\n"
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "d", "file"), []byte(mod), 0644))

	root6 := filepath.Join(t.TempDir(), "root6")
	writeTree(t, root6, map[string]string{"d/file": "root6 version\n"})
	l6, err := d.Install(ctx, root6)
	require.NoError(t, err)

	// uninstalling root6 restores the user's modified version
	require.NoError(t, d.Uninstall(ctx, l6))
	got, err := os.ReadFile(filepath.Join(prefix, "d", "file"))
	require.NoError(t, err)
	require.Equal(t, mod, string(got))

	// uninstalling root5 must not clobber it either: the live file no
	// longer matches root5's record, so it is skipped
	require.NoError(t, d.Uninstall(ctx, l5))
	got, err = os.ReadFile(filepath.Join(prefix, "d", "file"))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(got), "modification\n"))
}

func TestConflictPreservedOnUninstallOfAddedFile(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, nil)

	root := filepath.Join(t.TempDir(), "root")
	writeTree(t, root, map[string]string{"new/file": "installed\n"})
	layer, err := d.Install(ctx, root)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(prefix, "new", "file"), []byte("user data\n"), 0644))

	require.NoError(t, d.Uninstall(ctx, layer))
	got, err := os.ReadFile(filepath.Join(prefix, "new", "file"))
	require.NoError(t, err)
	require.Equal(t, "user data\n", string(got))
}

func TestUpgradeKeepsSingleLayer(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, nil)

	build := func(version string) string {
		root := filepath.Join(t.TempDir(), "root5")
		writeTree(t, root, map[string]string{"opt/tool": version})
		return root
	}

	_, err := d.Install(ctx, build("v1\n"))
	require.NoError(t, err)

	for i := 2; i <= 4; i++ {
		_, err := d.Upgrade(ctx, build(fmt.Sprintf("v%d\n", i)))
		require.NoError(t, err)
	}

	layers, err := d.Catalog().Archives(ctx, false)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.Equal(t, "root5", layers[0].Name)

	got, err := os.ReadFile(filepath.Join(prefix, "opt", "tool"))
	require.NoError(t, err)
	require.Equal(t, "v4\n", string(got))

	// uninstalling the remaining layer leaves no root5 layers
	require.NoError(t, d.Uninstall(ctx, layers[0]))
	layers, err = d.Catalog().Archives(ctx, false)
	require.NoError(t, err)
	require.Empty(t, layers)
}

func TestUpgradeWithoutPreviousFails(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDepot(t, nil)

	root := filepath.Join(t.TempDir(), "never-installed")
	writeTree(t, root, map[string]string{"x": "y\n"})
	_, err := d.Upgrade(ctx, root)
	require.Error(t, err)
}

func TestSupersededSelector(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDepot(t, nil)

	rootA := filepath.Join(t.TempDir(), "rootA")
	writeTree(t, rootA, map[string]string{"shared": "a\n", "only-a": "a\n"})
	la, err := d.Install(ctx, rootA)
	require.NoError(t, err)

	rootB := filepath.Join(t.TempDir(), "rootB")
	writeTree(t, rootB, map[string]string{"shared": "b\n"})
	_, err = d.Install(ctx, rootB)
	require.NoError(t, err)

	// rootA still owns only-a exclusively, so nothing is superseded yet
	_, err = d.Resolve(ctx, "superseded")
	require.Error(t, err)

	rootC := filepath.Join(t.TempDir(), "rootC")
	writeTree(t, rootC, map[string]string{"shared": "c\n", "only-a": "c\n"})
	_, err = d.Install(ctx, rootC)
	require.NoError(t, err)

	layers, err := d.Resolve(ctx, "superseded")
	require.NoError(t, err)
	found := false
	for _, l := range layers {
		if l.Serial == la.Serial {
			found = true
		}
	}
	require.True(t, found, "rootA should be superseded once every path is shadowed")
}

func TestResolveSelectors(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDepot(t, nil)

	root := filepath.Join(t.TempDir(), "root1")
	writeTree(t, root, map[string]string{"f": "1\n"})
	l1, err := d.Install(ctx, root)
	require.NoError(t, err)

	root2 := filepath.Join(t.TempDir(), "root2")
	writeTree(t, root2, map[string]string{"g": "2\n"})
	l2, err := d.Install(ctx, root2)
	require.NoError(t, err)

	cases := map[string]int64{
		"newest":                    l2.Serial,
		"oldest":                    l1.Serial,
		"root1":                     l1.Serial,
		fmt.Sprint(l2.Serial):       l2.Serial,
		strings.ToLower(l1.UUID):    l1.Serial,
	}
	for sel, want := range cases {
		layers, err := d.Resolve(ctx, sel)
		require.NoError(t, err, sel)
		require.Len(t, layers, 1, sel)
		require.Equal(t, want, layers[0].Serial, sel)
	}

	all, err := d.Resolve(ctx, "all")
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = d.Resolve(ctx, "no-such-layer")
	require.Error(t, err)
}

func TestDryRunInstallLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, func(c *config.Config) { c.DryRun = true })

	writeTree(t, prefix, map[string]string{"d/file": "baseline\n"})
	orig := snapshotTree(t, prefix)

	root := filepath.Join(t.TempDir(), "root")
	writeTree(t, root, map[string]string{"d/file": "overlay\n", "new": "x\n"})

	var out bytes.Buffer
	d.SetOutput(&out)
	_, err := d.Install(ctx, root)
	require.NoError(t, err)

	require.Equal(t, orig, snapshotTree(t, prefix))
	layers, err := d.Catalog().Archives(ctx, true)
	require.NoError(t, err)
	require.Empty(t, layers, "dry run must not commit catalog rows")
	require.Contains(t, out.String(), "A /new")
	require.Contains(t, out.String(), "U /d/file")
}

func TestConsistencyCheckUnwindsInactiveLayers(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, func(c *config.Config) { c.Force = true })

	writeTree(t, prefix, map[string]string{"d/file": "baseline\n"})
	orig := snapshotTree(t, prefix)

	root := filepath.Join(t.TempDir(), "root")
	writeTree(t, root, map[string]string{"d/file": "overlay\n", "added": "x\n"})
	_, err := d.Install(ctx, root)
	require.NoError(t, err)

	// simulate a crash between the mutation phase and activation
	err = d.Catalog().RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		layers, err := d.Catalog().Archives(ctx, true)
		if err != nil {
			return err
		}
		for _, l := range layers {
			if err := d.Catalog().SetActive(ctx, tx, l.Serial, false); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, d.CheckConsistency(ctx))

	require.Equal(t, orig, snapshotTree(t, prefix))
	inactive, err := d.Catalog().InactiveArchives(ctx)
	require.NoError(t, err)
	require.Empty(t, inactive)
}

func TestConsistencyCheckRefusesWithoutForce(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDepot(t, nil)

	root := filepath.Join(t.TempDir(), "root")
	writeTree(t, root, map[string]string{"f": "x\n"})
	layer, err := d.Install(ctx, root)
	require.NoError(t, err)

	err = d.Catalog().RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return d.Catalog().SetActive(ctx, tx, layer.Serial, false)
	})
	require.NoError(t, err)

	require.Error(t, d.CheckConsistency(ctx))
}

func TestExcludePatternsSkipStagedEntries(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, func(c *config.Config) { c.Exclude = []string{"*.log"} })

	root := filepath.Join(t.TempDir(), "root")
	writeTree(t, root, map[string]string{"keep.txt": "keep\n", "noise.log": "noise\n"})

	_, err := d.Install(ctx, root)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(prefix, "keep.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(prefix, "noise.log"))
	require.True(t, os.IsNotExist(err), "excluded entry must not be installed")
}

func TestUninstallRollbackLayerRefused(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, nil)

	writeTree(t, prefix, map[string]string{"d/file": "baseline\n"})
	root := filepath.Join(t.TempDir(), "root")
	writeTree(t, root, map[string]string{"d/file": "overlay\n"})
	_, err := d.Install(ctx, root)
	require.NoError(t, err)

	layers, err := d.Catalog().Archives(ctx, true)
	require.NoError(t, err)
	var rollbackFound bool
	for _, l := range layers {
		if l.IsRollback() {
			rollbackFound = true
			require.Error(t, d.Uninstall(ctx, l))
		}
	}
	require.True(t, rollbackFound, "install that displaces bytes must create a rollback layer")
}

func TestVerifyReportsModifiedAndMissing(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, nil)

	root := filepath.Join(t.TempDir(), "root")
	writeTree(t, root, map[string]string{"a": "one\n", "b": "two\n", "c": "three\n"})
	layer, err := d.Install(ctx, root)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(prefix, "a"), []byte("changed\n"), 0644))
	require.NoError(t, os.Remove(filepath.Join(prefix, "b")))

	var out bytes.Buffer
	d.SetOutput(&out)
	require.NoError(t, d.Verify(ctx, layer))

	lines := strings.Split(out.String(), "\n")
	var sawModified, sawMissing, sawClean bool
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "M ") && strings.HasSuffix(line, "/a"):
			sawModified = true
		case strings.HasPrefix(line, "R ") && strings.HasSuffix(line, "/b"):
			sawMissing = true
		case strings.HasPrefix(line, "  ") && strings.HasSuffix(line, "/c"):
			sawClean = true
		}
	}
	require.True(t, sawModified, "modified file should print M")
	require.True(t, sawMissing, "missing file should print R")
	require.True(t, sawClean, "untouched file should print blank state")
}

func TestInstallFromTarGz(t *testing.T) {
	ctx := context.Background()
	d, prefix := newTestDepot(t, nil)

	// build a tar.gz root using the snapshot packer
	staging := t.TempDir()
	writeTree(t, filepath.Join(staging, "pack"), map[string]string{"usr/share/doc": "docs\n"})
	require.NoError(t, archive.Pack(staging, "pack"))
	tarball := filepath.Join(t.TempDir(), "root5.tar.gz")
	require.NoError(t, os.Rename(archive.SnapshotPath(staging, "pack"), tarball))

	layer, err := d.Install(ctx, tarball)
	require.NoError(t, err)
	require.Equal(t, "root5.tar.gz", layer.Name)

	got, err := os.ReadFile(filepath.Join(prefix, "usr", "share", "doc"))
	require.NoError(t, err)
	require.Equal(t, "docs\n", string(got))
}

func TestLockBusy(t *testing.T) {
	ctx := context.Background()
	prefix := t.TempDir()
	cfg := config.Default()
	cfg.Prefix = prefix

	d1, err := Open(cfg)
	require.NoError(t, err)
	d1.SetOutput(io.Discard)

	d2, err := Open(cfg)
	require.NoError(t, err)
	d2.SetOutput(io.Discard)
	defer d2.Close()

	root := filepath.Join(t.TempDir(), "root")
	writeTree(t, root, map[string]string{"f": "x\n"})

	// d1 still holds the shared lock, so d2 cannot go exclusive
	_, err = d2.Install(ctx, root)
	require.Error(t, err)

	require.NoError(t, d1.Close())
	_, err = d2.Install(ctx, root)
	require.NoError(t, err)
}
