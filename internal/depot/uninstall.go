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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"rootup/internal/archive"
	"rootup/internal/catalog"
	"rootup/internal/common"
	"rootup/internal/file"
)

// Uninstall removes one layer, restoring for every file the record that
// preceded it — unless a newer layer has since taken the path over, or the
// user modified the live file after the install.
func (d *Depot) Uninstall(ctx context.Context, layer *catalog.Layer) error {
	if layer.IsRollback() {
		if d.cfg.Debug() {
			// debug listings include rollbacks; they vanish with their pair
			log.Debugf("[uninstall] skipping rollback archive %s", layer.UUID)
			return nil
		}
		return fmt.Errorf("cannot uninstall a rollback archive")
	}

	if err := d.lock.Exclusive(); err != nil {
		return err
	}
	defer d.lock.Downgrade()

	// Sentinel against crashes during the mutation phase: an inactive layer
	// is picked up by the consistency scan on the next run.
	if !d.cfg.DryRun {
		err := d.cat.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			return d.cat.SetActive(ctx, tx, layer.Serial, false)
		})
		if err != nil {
			return err
		}
	}

	records, err := d.cat.FilesOf(ctx, layer.Serial)
	if err != nil {
		return err
	}

	var removeSerials []int64
	// Directories are visited before their children (path order), so their
	// first rmdir fails benignly while children still exist. They are
	// retried children-first after the pass.
	var retryDirs []string
	for _, f := range records {
		// Baseline records are never un-installed.
		if f.Info.Has(file.FlagBaseSystem) {
			log.Debugf("[uninstall] %s: base system; skipping", f.Path)
			continue
		}

		actual, err := file.NewFromFS(d.cfg.Prefix, f.Path)
		if err != nil {
			if !d.cfg.Force {
				return fmt.Errorf("%w: %v", common.ErrLiveIO, err)
			}
			log.Warnf("uninstall %s: %v", f.Path, err)
			continue
		}

		// The user changed this file since install; their version wins.
		if actual != nil && file.Compare(f, actual) != file.Identical {
			log.Warnf("%s: %v; leaving in place", f.Path, common.ErrConflict)
			continue
		}

		// A later layer owns this path now.
		superseded, err := d.cat.FileSupersededBy(ctx, d.cat.DB(), f)
		if err != nil {
			return err
		}
		if superseded != nil {
			log.Debugf("[uninstall] %s: in use by newer installation", f.Path)
			continue
		}

		preceding, err := d.cat.FilePrecededBy(ctx, d.cat.DB(), f)
		if err != nil {
			return err
		}
		if preceding == nil {
			// install always records a predecessor, even a NO_ENTRY marker
			log.Warnf("uninstall %s: no predecessor record", f.Path)
			continue
		}

		state := byte(' ')
		if preceding.IsNoEntry() {
			state = 'R'
			if actual != nil && !d.cfg.DryRun {
				if err := d.removeLive(actual); err != nil {
					if !d.cfg.Force {
						return err
					}
					log.Warnf("uninstall %s: %v", f.Path, err)
				}
				if actual.IsDir() {
					retryDirs = append(retryDirs, f.Path)
				}
			}
		} else {
			diff := file.Compare(f, preceding)
			switch {
			case diff.Has(file.TypeDiffers | file.DataDiffers):
				state = 'U'
				if !d.cfg.DryRun {
					if err := d.restoreContent(ctx, preceding); err != nil {
						if !d.cfg.Force {
							return err
						}
						log.Warnf("restore %s: %v", f.Path, err)
					}
				}
			case diff.Has(file.ModeDiffers | file.UIDDiffers | file.GIDDiffers):
				state = 'U'
				if !d.cfg.DryRun {
					if err := preceding.InstallMetadata(d.cfg.Prefix); err != nil {
						if !d.cfg.Force {
							return err
						}
						log.Warnf("restore %s: %v", f.Path, err)
					}
				}
			default:
				log.Debugf("[uninstall] %s: no changes; leaving in place", f.Path)
			}
		}

		// The rollback bytes are back in the live tree; the bookkeeping
		// record is no longer needed. Baseline snapshots stay forever.
		if preceding.Info.Has(file.FlagNoEntry|file.FlagRollbackData) && !preceding.Info.Has(file.FlagBaseSystem) {
			removeSerials = append(removeSerials, preceding.Serial)
		}

		d.statusLine(state, f.Path)
	}

	if d.cfg.DryRun {
		return nil
	}

	// Children-first retry of directories that were non-empty on the first
	// visit. A directory still holding another layer's files stays put.
	for i := len(retryDirs) - 1; i >= 0; i-- {
		_ = os.Remove(common.LivePath(d.cfg.Prefix, retryDirs[i]))
	}

	err = d.cat.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		for _, serial := range removeSerials {
			if err := d.cat.DeleteFile(ctx, tx, serial); err != nil {
				return err
			}
		}
		if err := d.cat.DeleteFilesOf(ctx, tx, layer.Serial); err != nil {
			return err
		}
		if err := d.cat.DeleteArchive(ctx, tx, layer.Serial); err != nil {
			return err
		}
		// Drops the paired rollback layer once its last file is gone.
		return d.cat.PruneArchives(ctx, tx)
	})
	if err != nil {
		return err
	}

	return d.cleanupBackingStores(ctx)
}

// removeLive deletes the record's object from the live tree ('R' state).
func (d *Depot) removeLive(actual *file.Record) error {
	return actual.Remove(d.cfg.Prefix)
}

// restoreContent copies a predecessor's bytes back out of its layer's
// backing store, re-expanding the snapshot on demand.
func (d *Depot) restoreContent(ctx context.Context, preceding *file.Record) error {
	owner, err := d.cat.ArchiveBySerial(ctx, preceding.Archive)
	if err != nil {
		return err
	}
	archives := d.cfg.ArchivesPath()
	if err := archive.EnsureExpanded(archives, owner.UUID); err != nil {
		return err
	}
	return preceding.InstallContent(archive.ExpandedPath(archives, owner.UUID), d.cfg.Prefix)
}

// cleanupBackingStores prunes all expanded backing directories and deletes
// snapshots whose layer no longer exists in the catalog.
func (d *Depot) cleanupBackingStores(ctx context.Context) error {
	layers, err := d.cat.Archives(ctx, true)
	if err != nil {
		return err
	}
	alive := make(map[string]bool, len(layers))
	for _, l := range layers {
		alive[l.UUID] = true
	}

	archives := d.cfg.ArchivesPath()
	entries, err := os.ReadDir(archives)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrDepotUnreadable, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			if err := archive.RemoveExpanded(archives, name); err != nil {
				return err
			}
			continue
		}
		if strings.HasSuffix(name, ".tar.gz") {
			id := strings.TrimSuffix(name, ".tar.gz")
			if !alive[id] {
				if err := os.Remove(filepath.Join(archives, name)); err != nil && !os.IsNotExist(err) {
					return err
				}
			}
		}
	}
	return nil
}
