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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"rootup/internal/archive"
	"rootup/internal/catalog"
	"rootup/internal/common"
	"rootup/internal/file"
)

// errDryRun forces the catalog transaction to roll back after a dry-run
// analysis has printed its report.
var errDryRun = errors.New("dry run")

// newLayerUUID returns a canonical upper-case UUID for a new layer.
func newLayerUUID() string {
	return strings.ToUpper(uuid.NewString())
}

// Install applies the archive or directory at src on top of the prefix.
//
// The rollback layer is inserted before the visible layer so the serial
// chronology stays correct: uninstall finds a visible layer's paired
// rollback at the immediately smaller serial. Both layers stay active=false
// until every byte has moved; a crash in between is caught by the
// consistency scan on the next run.
func (d *Depot) Install(ctx context.Context, src string) (*catalog.Layer, error) {
	if _, err := os.Stat(src); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrArchiveDecode, err)
	}

	if err := d.lock.Exclusive(); err != nil {
		return nil, err
	}
	defer d.lock.Downgrade()

	now := time.Now()
	rollback := &catalog.Layer{
		UUID:      newLayerUUID(),
		Name:      catalog.RollbackName,
		DateAdded: now,
		Info:      catalog.LayerRollback,
	}
	visible := &catalog.Layer{
		UUID:      newLayerUUID(),
		Name:      filepath.Base(src),
		DateAdded: now,
	}

	archives := d.cfg.ArchivesPath()
	rollbackFiles := 0

	err := d.cat.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if err := d.cat.InsertArchive(ctx, tx, rollback); err != nil {
			return err
		}
		if err := d.cat.InsertArchive(ctx, tx, visible); err != nil {
			return err
		}
		log.Debugf("[install] rollback serial %d, visible serial %d", rollback.Serial, visible.Serial)

		for _, u := range []string{visible.UUID, rollback.UUID} {
			if err := os.MkdirAll(archive.ExpandedPath(archives, u), 0755); err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
		}

		stage := archive.ExpandedPath(archives, visible.UUID)
		if err := archive.Extract(src, stage); err != nil {
			return err
		}

		n, err := d.analyzeStage(ctx, tx, stage, visible, rollback)
		if err != nil {
			return err
		}
		rollbackFiles = n

		// The install displaces nothing worth saving; drop the paired layer.
		if rollbackFiles == 0 {
			if err := d.cat.DeleteArchive(ctx, tx, rollback.Serial); err != nil {
				return err
			}
		}

		if d.cfg.DryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil {
		archive.RemoveExpanded(archives, visible.UUID)
		archive.RemoveExpanded(archives, rollback.UUID)
		if errors.Is(err, errDryRun) {
			return visible, nil
		}
		return nil, err
	}

	// Snapshot the stage before its bytes start moving into the live tree.
	if err := archive.Pack(archives, visible.UUID); err != nil {
		return visible, err
	}

	// Backup phase: displaced live bytes move into the rollback backing
	// store. Strictly precedes the install phase so a crash in between
	// leaves them recoverable.
	if rollbackFiles > 0 {
		records, err := d.cat.FilesOf(ctx, rollback.Serial)
		if err != nil {
			return visible, err
		}
		backing := archive.ExpandedPath(archives, rollback.UUID)
		for _, r := range records {
			if !r.Info.Has(file.FlagRollbackData) {
				continue
			}
			live := common.LivePath(d.cfg.Prefix, r.Path)
			saved := common.LivePath(backing, r.Path)
			log.Debugf("[backup] %s -> %s", live, saved)
			if err := file.CopyPreserving(live, saved); err != nil {
				return visible, fmt.Errorf("%w: backup %s: %v", common.ErrLiveIO, r.Path, err)
			}
		}
		if err := archive.Pack(archives, rollback.UUID); err != nil {
			return visible, err
		}
	}

	// Install phase.
	stage := archive.ExpandedPath(archives, visible.UUID)
	records, err := d.cat.FilesOf(ctx, visible.Serial)
	if err != nil {
		return visible, err
	}
	for _, r := range records {
		var ierr error
		if r.Info.Has(file.FlagInstallData) {
			ierr = r.InstallContent(stage, d.cfg.Prefix)
		} else {
			ierr = r.InstallMetadata(d.cfg.Prefix)
		}
		if ierr != nil {
			if d.cfg.Force {
				log.Warnf("install %s: %v", r.Path, ierr)
				continue
			}
			return visible, ierr
		}
	}

	// Activate both layers; the install is now complete.
	err = d.cat.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if rollbackFiles > 0 {
			if err := d.cat.SetActive(ctx, tx, rollback.Serial, true); err != nil {
				return err
			}
		}
		return d.cat.SetActive(ctx, tx, visible.Serial, true)
	})
	if err != nil {
		return visible, err
	}
	visible.Active = true

	// Prune the expanded trees; the snapshots keep the bytes.
	archive.RemoveExpanded(archives, visible.UUID)
	archive.RemoveExpanded(archives, rollback.UUID)

	return visible, nil
}

// Upgrade installs src and then uninstalls every older layer sharing its
// basename, so repeated upgrades leave exactly one layer with that name.
func (d *Depot) Upgrade(ctx context.Context, src string) (*catalog.Layer, error) {
	name := filepath.Base(src)
	if _, err := d.cat.ArchiveByName(ctx, name); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("%w: no installed archive named %q", common.ErrSelectorNotFound, name)
		}
		return nil, err
	}

	installed, err := d.Install(ctx, src)
	if err != nil {
		return nil, err
	}
	if d.cfg.DryRun {
		return installed, nil
	}

	layers, err := d.cat.Archives(ctx, false)
	if err != nil {
		return installed, err
	}
	for _, l := range layers {
		if l.Name == name && l.Serial < installed.Serial {
			if err := d.Uninstall(ctx, l); err != nil {
				return installed, err
			}
		}
	}
	return installed, nil
}
