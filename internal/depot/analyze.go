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
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"rootup/internal/archive"
	"rootup/internal/catalog"
	"rootup/internal/common"
	"rootup/internal/file"
)

// analyzeStage walks the extracted stage and performs the three-way diff
// between the file to be installed, the file actually on the live tree, and
// the catalog's record of what was installed there before. It inserts file
// records for both the visible and rollback layers and returns how many
// records the rollback layer received.
func (d *Depot) analyzeStage(ctx context.Context, tx bun.Tx, stage string, visible, rollback *catalog.Layer) (int, error) {
	rollbackFiles := 0
	archives := d.cfg.ArchivesPath()

	err := filepath.WalkDir(stage, func(path string, de fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("%w: %v", common.ErrStageIO, walkErr)
		}
		relFS, err := filepath.Rel(stage, path)
		if err != nil || relFS == "." {
			return err
		}
		rel := "/" + filepath.ToSlash(relFS)

		if d.ignore != nil && d.ignore.MatchesPath(relFS) {
			log.Debugf("[analyze] excluded: %s", rel)
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		log.Debugf("[analyze] %s", rel)

		// The record to be installed, built from the staged bytes.
		f, err := file.NewFromFS(stage, rel)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrStageIO, err)
		}
		if f == nil {
			return nil
		}
		f.Archive = visible.Serial

		// What is actually at this path on the live tree right now.
		actual, err := file.NewFromFS(d.cfg.Prefix, rel)
		if err != nil {
			return fmt.Errorf("%w: %v", common.ErrLiveIO, err)
		}
		if actual == nil {
			actual = file.NewNoEntry(rel)
		}
		actual.Archive = rollback.Serial

		// What the catalog says was installed here before.
		preceding, err := d.cat.FilePrecededBy(ctx, tx, f)
		if err != nil {
			return err
		}
		if preceding == nil {
			// Nothing is known about this path: the live state is the
			// baseline. Save its bytes unless it is a directory or absent.
			actual.Info |= file.FlagBaseSystem
			log.Debugf("[analyze]    base system")
			if !actual.IsDir() && !actual.IsNoEntry() {
				actual.Info |= file.FlagRollbackData
				f.Info |= file.FlagInstallData
			}
			preceding = actual
		}

		dfa := file.Compare(f, actual)
		dap := file.Compare(actual, preceding)

		state := byte(' ')
		if dfa != file.Identical {
			if actual.IsNoEntry() {
				state = 'A'
			} else {
				state = 'U'
			}
			if dfa.Has(file.TypeDiffers | file.DataDiffers) {
				f.Info |= file.FlagInstallData
				// actual == preceding means the bytes being displaced are
				// already saved by an earlier layer; otherwise the user
				// changed them since the last install and they must be kept.
				if dap.Has(file.TypeDiffers|file.DataDiffers) && !actual.IsNoEntry() {
					actual.Info |= file.FlagRollbackData
				}
			}
		}

		// Pre-create the directory hierarchy inside the rollback backing
		// store for anything the backup phase will copy there.
		if actual.Info.Has(file.FlagRollbackData) {
			backupDir := filepath.Dir(common.LivePath(archive.ExpandedPath(archives, rollback.UUID), rel))
			if err := os.MkdirAll(backupDir, 0755); err != nil {
				return fmt.Errorf("%w: %v", common.ErrStageIO, err)
			}
		}

		if (state != ' ' && dap != file.Identical) || actual.Info.Has(file.FlagBaseSystem|file.FlagRollbackData) {
			rollbackFiles++
			log.Debugf("[analyze]    insert rollback")
			if err := d.cat.InsertFile(ctx, tx, actual); err != nil {
				return err
			}
			// Record the live parent directories as well, so uninstall can
			// restore their metadata. A baseline without matching
			// directories simply stops the walk upward. Parents an earlier
			// layer already recorded are skipped: a copy here would shadow
			// that layer's record once it is uninstalled.
			for parent := common.ParentDir(rel); parent != "/"; parent = common.ParentDir(parent) {
				pr, err := file.NewFromFS(d.cfg.Prefix, parent)
				if err != nil {
					return fmt.Errorf("%w: %v", common.ErrLiveIO, err)
				}
				if pr == nil {
					break
				}
				pr.Archive = rollback.Serial
				known, err := d.cat.FilePrecededBy(ctx, tx, pr)
				if err != nil {
					return err
				}
				if known != nil {
					continue
				}
				if err := d.cat.InsertFile(ctx, tx, pr); err != nil {
					return err
				}
			}
		}

		d.statusLine(state, rel)
		return d.cat.InsertFile(ctx, tx, f)
	})
	if err != nil {
		return 0, err
	}
	return rollbackFiles, nil
}
