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

// Package depot implements the overlay engine: install with transactional
// rollback, layered uninstall, and the three-way diff that drives both.
package depot

import (
	"context"
	"fmt"
	"io"
	"os"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"rootup/internal/catalog"
	"rootup/internal/common"
	"rootup/internal/config"
)

// depotDirMode is the permission on the depot metadata directories.
const depotDirMode = 0750

// Depot orchestrates installs and uninstalls against one destination prefix.
// All mutating operations run under the exclusive depot lock; inspection
// holds it shared.
type Depot struct {
	cfg    config.Config
	cat    *catalog.Catalog
	lock   *depotLock
	out    io.Writer
	ignore *ignore.GitIgnore
}

// Open initializes the depot storage on disk, takes the shared lock, and
// opens the catalog. Callers must Close the depot when done.
func Open(cfg config.Config) (*Depot, error) {
	for _, dir := range []string{cfg.DepotPath(), cfg.ArchivesPath()} {
		if err := os.MkdirAll(dir, depotDirMode); err != nil {
			return nil, fmt.Errorf("%w: %v", common.ErrDepotUnreadable, err)
		}
	}

	lock := newDepotLock(cfg.LockPath())
	if err := lock.Shared(); err != nil {
		return nil, err
	}

	cat, err := catalog.Open(cfg.DatabasePath())
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	d := &Depot{
		cfg:  cfg,
		cat:  cat,
		lock: lock,
		out:  os.Stdout,
	}
	if len(cfg.Exclude) > 0 {
		d.ignore = ignore.CompileIgnoreLines(cfg.Exclude...)
	}
	return d, nil
}

// Close releases the catalog and the depot lock.
func (d *Depot) Close() error {
	var err error
	if d.cat != nil {
		err = d.cat.Close()
	}
	if d.lock != nil {
		d.lock.Unlock()
	}
	return err
}

// SetOutput redirects per-file status lines (tests capture them here).
func (d *Depot) SetOutput(w io.Writer) { d.out = w }

// Catalog exposes the underlying catalog for inspection commands.
func (d *Depot) Catalog() *catalog.Catalog { return d.cat }

// Config returns the configuration the depot was opened with.
func (d *Depot) Config() config.Config { return d.cfg }

// CheckConsistency scans for layers left inactive by an interrupted
// operation. With force on they are unwound automatically (equivalent to
// aborting the half-finished install); otherwise the depot refuses to
// proceed.
func (d *Depot) CheckConsistency(ctx context.Context) error {
	inactive, err := d.cat.InactiveArchives(ctx)
	if err != nil {
		return err
	}
	if len(inactive) == 0 {
		return nil
	}

	if !d.cfg.Force {
		for _, l := range inactive {
			log.Warnf("archive in inconsistent state: %d %s %s", l.Serial, l.UUID, l.Name)
		}
		return fmt.Errorf("%w: %d archive(s) must be uninstalled first (re-run with -f)",
			common.ErrInconsistent, len(inactive))
	}

	for _, l := range inactive {
		// rollback layers vanish with their pair, or are revalidated below
		if l.IsRollback() {
			continue
		}
		log.Infof("uninstalling inconsistent archive %s (%s)", l.Name, l.UUID)
		if err := d.Uninstall(ctx, l); err != nil {
			return err
		}
	}

	// A rollback layer that survives its pair's unwinding holds only
	// baseline records; it is consistent bookkeeping again.
	remaining, err := d.cat.InactiveArchives(ctx)
	if err != nil {
		return err
	}
	for _, l := range remaining {
		if !l.IsRollback() {
			continue
		}
		serial := l.Serial
		err := d.cat.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			return d.cat.SetActive(ctx, tx, serial, true)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// statusLine prints the one-letter state prefix and path for a file touched
// by install or uninstall.
func (d *Depot) statusLine(state byte, path string) {
	fmt.Fprintf(d.out, "%c %s\n", state, path)
}
