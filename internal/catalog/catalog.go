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

package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"rootup/internal/common"
	"rootup/internal/file"
	"rootup/internal/util"
)

// Catalog is the durable store of archive layers and their file records.
// It is accessed only under the depot lock, so it needs single-process
// transactional integrity only; WAL mode keeps it crash-consistent.
type Catalog struct {
	path string
	db   *sql.DB
	bun  *bun.DB
}

// Open opens the catalog at path, creating the schema on first use.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDepotUnreadable, err)
	}

	// Must be explicit — libsql ignores DSN-based _pragma=value parameters.
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrDepotUnreadable, err)
	}

	if err := execStatements(db, catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", common.ErrCatalogCorrupt, err)
	}

	return &Catalog{
		path: path,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
	}, nil
}

// Close closes the catalog, checkpointing the WAL so the main database file
// holds every committed transaction.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	// PRAGMA wal_checkpoint returns rows, so Query() not Exec().
	rows, err := c.db.Query("PRAGMA wal_checkpoint(TRUNCATE)")
	if err == nil {
		rows.Close()
	}
	return c.db.Close()
}

// DB returns the bun handle for use as a bun.IDB outside a transaction.
func (c *Catalog) DB() *bun.DB { return c.bun }

// RunInTx wraps fn in a single SQLite transaction. All row operations called
// with the provided tx share it.
func (c *Catalog) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return c.bun.RunInTx(ctx, nil, fn)
}

// --- Layer operations ---

// InsertArchive inserts a layer row and assigns its serial from the
// monotonic counter. Retries on transient "database is locked" errors.
func (c *Catalog) InsertArchive(ctx context.Context, idb bun.IDB, l *Layer) error {
	return util.Retry(ctx, func() error {
		model := modelFromLayer(l)
		model.Serial = 0
		// RETURNING gets the serial back (libsql doesn't support LastInsertId)
		_, err := idb.NewInsert().
			Model(model).
			Returning("serial").
			Exec(ctx)
		if err != nil {
			return err
		}
		l.Serial = model.Serial
		return nil
	}, util.DatabaseRetryOptions(ctx)...)
}

// SetActive flips a layer's active flag.
func (c *Catalog) SetActive(ctx context.Context, idb bun.IDB, serial int64, active bool) error {
	val := int64(0)
	if active {
		val = 1
	}
	_, err := idb.NewUpdate().
		Model((*ArchiveModel)(nil)).
		Set("active = ?", val).
		Where("serial = ?", serial).
		Exec(ctx)
	return err
}

// DeleteArchive removes a layer row.
func (c *Catalog) DeleteArchive(ctx context.Context, idb bun.IDB, serial int64) error {
	_, err := idb.NewDelete().
		Model((*ArchiveModel)(nil)).
		Where("serial = ?", serial).
		Exec(ctx)
	return err
}

// ArchiveBySerial returns the layer with the given serial, or ErrNotFound.
func (c *Catalog) ArchiveBySerial(ctx context.Context, serial int64) (*Layer, error) {
	var model ArchiveModel
	err := c.bun.NewSelect().
		Model(&model).
		Where("serial = ?", serial).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToLayer(), nil
}

// ArchiveByUUID returns the layer with the given UUID (case-insensitive).
func (c *Catalog) ArchiveByUUID(ctx context.Context, id string) (*Layer, error) {
	var model ArchiveModel
	err := c.bun.NewSelect().
		Model(&model).
		Where("uuid = ?", strings.ToUpper(id)).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToLayer(), nil
}

// ArchiveByName returns the most recently installed non-rollback layer with
// the given display name.
func (c *Catalog) ArchiveByName(ctx context.Context, name string) (*Layer, error) {
	var model ArchiveModel
	err := c.bun.NewSelect().
		Model(&model).
		Where("name = ?", name).
		Where("(info & ?) = 0", int64(LayerRollback)).
		Order("serial DESC").
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToLayer(), nil
}

// Newest returns the non-rollback layer with the highest serial.
func (c *Catalog) Newest(ctx context.Context) (*Layer, error) {
	return c.archiveByOrder(ctx, "serial DESC")
}

// Oldest returns the non-rollback layer with the lowest serial.
func (c *Catalog) Oldest(ctx context.Context) (*Layer, error) {
	return c.archiveByOrder(ctx, "serial ASC")
}

func (c *Catalog) archiveByOrder(ctx context.Context, order string) (*Layer, error) {
	var model ArchiveModel
	err := c.bun.NewSelect().
		Model(&model).
		Where("(info & ?) = 0", int64(LayerRollback)).
		OrderExpr(order).
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ToLayer(), nil
}

// Archives returns layers ordered newest-first. Rollback layers are hidden
// unless includeRollbacks is set (debug verbosity).
func (c *Catalog) Archives(ctx context.Context, includeRollbacks bool) ([]*Layer, error) {
	var models []ArchiveModel
	q := c.bun.NewSelect().
		Model(&models).
		Order("serial DESC")
	if !includeRollbacks {
		q = q.Where("(info & ?) = 0", int64(LayerRollback))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	layers := make([]*Layer, len(models))
	for i := range models {
		layers[i] = models[i].ToLayer()
	}
	return layers, nil
}

// SupersededArchives returns every non-rollback layer all of whose file
// records are shadowed by a record of the same path in a newer layer.
func (c *Catalog) SupersededArchives(ctx context.Context) ([]*Layer, error) {
	var serials []int64
	err := c.bun.NewRaw(`
		SELECT a.serial FROM archives a
		WHERE (a.info & ?) = 0
		  AND EXISTS (SELECT 1 FROM files f WHERE f.archive = a.serial)
		  AND NOT EXISTS (
		    SELECT 1 FROM files f WHERE f.archive = a.serial
		      AND NOT EXISTS (
		        SELECT 1 FROM files f2
		        WHERE f2.path = f.path AND f2.archive > a.serial))
		ORDER BY a.serial DESC
	`, int64(LayerRollback)).Scan(ctx, &serials)
	if err != nil {
		return nil, err
	}
	var layers []*Layer
	for _, serial := range serials {
		l, err := c.ArchiveBySerial(ctx, serial)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, nil
}

// InactiveArchives returns layers left with active=0, newest first. A
// non-empty result means an install or uninstall died mid-flight.
func (c *Catalog) InactiveArchives(ctx context.Context) ([]*Layer, error) {
	var models []ArchiveModel
	err := c.bun.NewSelect().
		Model(&models).
		Where("active = 0").
		Order("serial DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	layers := make([]*Layer, len(models))
	for i := range models {
		layers[i] = models[i].ToLayer()
	}
	return layers, nil
}

// PruneArchives deletes layer rows that no longer own any file rows.
func (c *Catalog) PruneArchives(ctx context.Context, idb bun.IDB) error {
	_, err := idb.NewRaw(`
		DELETE FROM archives WHERE serial NOT IN (SELECT DISTINCT archive FROM files)
	`).Exec(ctx)
	return err
}

// --- File operations ---

// InsertFile inserts a file record under the given layer, or updates the
// existing row when the layer already has one for the same path: for every
// (path, layer) pair the catalog holds at most one record.
func (c *Catalog) InsertFile(ctx context.Context, idb bun.IDB, r *file.Record) error {
	exists, err := idb.NewSelect().
		Model((*FileModel)(nil)).
		Where("archive = ?", r.Archive).
		Where("path = ?", r.Path).
		Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		_, err := idb.NewUpdate().
			Model((*FileModel)(nil)).
			Set("info = ?", int64(r.Info)).
			Set("mode = ?", int64(r.Mode)).
			Set("uid = ?", int64(r.UID)).
			Set("gid = ?", int64(r.GID)).
			Set("size = ?", r.Size).
			Set("digest = ?", r.Digest).
			Where("archive = ?", r.Archive).
			Where("path = ?", r.Path).
			Exec(ctx)
		return err
	}

	model := modelFromRecord(r)
	model.Serial = 0
	_, err = idb.NewInsert().
		Model(model).
		Returning("serial").
		Exec(ctx)
	if err != nil {
		return err
	}
	r.Serial = model.Serial
	return nil
}

// DeleteFile removes a single file record by serial.
func (c *Catalog) DeleteFile(ctx context.Context, idb bun.IDB, serial int64) error {
	_, err := idb.NewDelete().
		Model((*FileModel)(nil)).
		Where("serial = ?", serial).
		Exec(ctx)
	return err
}

// DeleteFilesOf removes every file record owned by a layer.
func (c *Catalog) DeleteFilesOf(ctx context.Context, idb bun.IDB, archiveSerial int64) error {
	_, err := idb.NewDelete().
		Model((*FileModel)(nil)).
		Where("archive = ?", archiveSerial).
		Exec(ctx)
	return err
}

// FilesOf returns a layer's file records ordered by path ascending, so
// parents always precede their children.
func (c *Catalog) FilesOf(ctx context.Context, archiveSerial int64) ([]*file.Record, error) {
	return c.FilesOfWith(c.bun, ctx, archiveSerial)
}

// FilesOfWith is like FilesOf but uses the provided bun.IDB (for
// transaction support).
func (c *Catalog) FilesOfWith(idb bun.IDB, ctx context.Context, archiveSerial int64) ([]*file.Record, error) {
	var models []FileModel
	err := idb.NewSelect().
		Model(&models).
		Where("archive = ?", archiveSerial).
		Order("path ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]*file.Record, len(models))
	for i := range models {
		records[i] = models[i].ToRecord()
	}
	return records, nil
}

// IterateFiles walks a layer's file records in path order.
func (c *Catalog) IterateFiles(ctx context.Context, archiveSerial int64, fn func(*file.Record) error) error {
	records, err := c.FilesOf(ctx, archiveSerial)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// CountFiles returns how many file records a layer owns.
func (c *Catalog) CountFiles(ctx context.Context, idb bun.IDB, archiveSerial int64) (int, error) {
	return idb.NewSelect().
		Model((*FileModel)(nil)).
		Where("archive = ?", archiveSerial).
		Count(ctx)
}

// FilePrecededBy returns the record of the same path in the nearest older
// layer — "what was at this path before me". Nil when the path is unknown
// to the depot.
func (c *Catalog) FilePrecededBy(ctx context.Context, idb bun.IDB, r *file.Record) (*file.Record, error) {
	return c.fileNeighbor(ctx, idb, r, "archive < ?", "archive DESC")
}

// FileSupersededBy returns the record of the same path in the nearest newer
// layer, or nil when no later layer touches the path.
func (c *Catalog) FileSupersededBy(ctx context.Context, idb bun.IDB, r *file.Record) (*file.Record, error) {
	return c.fileNeighbor(ctx, idb, r, "archive > ?", "archive ASC")
}

func (c *Catalog) fileNeighbor(ctx context.Context, idb bun.IDB, r *file.Record, cond, order string) (*file.Record, error) {
	var model FileModel
	err := idb.NewSelect().
		Model(&model).
		Where(cond, r.Archive).
		Where("path = ?", r.Path).
		OrderExpr(order).
		Limit(1).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.ToRecord(), nil
}
