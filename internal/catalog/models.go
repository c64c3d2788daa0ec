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
	"time"

	"github.com/uptrace/bun"

	"rootup/internal/file"
)

// LayerFlags is the info bitset stored with every archive layer.
type LayerFlags uint64

// LayerRollback marks a paired predecessor-snapshot layer, hidden from
// normal listings and not directly uninstallable.
const LayerRollback LayerFlags = 1 << 0

// RollbackName is the display name given to rollback layers.
const RollbackName = "<Rollback>"

// Layer is one logical install: identified by UUID, ordered by serial.
type Layer struct {
	Serial    int64
	UUID      string
	Name      string
	DateAdded time.Time
	Active    bool
	Info      LayerFlags
}

// IsRollback reports whether the layer is a paired rollback layer.
func (l *Layer) IsRollback() bool { return l.Info&LayerRollback != 0 }

// ArchiveModel represents the archives table
type ArchiveModel struct {
	bun.BaseModel `bun:"table:archives"`

	Serial    int64  `bun:"serial,pk,autoincrement"`
	UUID      string `bun:"uuid,notnull"`
	Name      string `bun:"name,notnull"`
	DateAdded int64  `bun:"date_added,notnull"` // Unix timestamp
	Active    int64  `bun:"active,notnull"`
	Info      int64  `bun:"info,notnull"`
}

// ToLayer converts an ArchiveModel to a Layer
func (m *ArchiveModel) ToLayer() *Layer {
	return &Layer{
		Serial:    m.Serial,
		UUID:      m.UUID,
		Name:      m.Name,
		DateAdded: time.Unix(m.DateAdded, 0),
		Active:    m.Active != 0,
		Info:      LayerFlags(m.Info),
	}
}

// modelFromLayer converts a Layer to an ArchiveModel
func modelFromLayer(l *Layer) *ArchiveModel {
	active := int64(0)
	if l.Active {
		active = 1
	}
	return &ArchiveModel{
		Serial:    l.Serial,
		UUID:      l.UUID,
		Name:      l.Name,
		DateAdded: l.DateAdded.Unix(),
		Active:    active,
		Info:      int64(l.Info),
	}
}

// FileModel represents the files table
type FileModel struct {
	bun.BaseModel `bun:"table:files"`

	Serial  int64  `bun:"serial,pk,autoincrement"`
	Archive int64  `bun:"archive,notnull"`
	Info    int64  `bun:"info,notnull"`
	Mode    int64  `bun:"mode,notnull"`
	UID     int64  `bun:"uid,notnull"`
	GID     int64  `bun:"gid,notnull"`
	Size    int64  `bun:"size,notnull"`
	Digest  []byte `bun:"digest"`
	Path    string `bun:"path,notnull"`
}

// ToRecord converts a FileModel to a file.Record
func (m *FileModel) ToRecord() *file.Record {
	return &file.Record{
		Serial:  m.Serial,
		Archive: m.Archive,
		Info:    file.Flags(m.Info),
		Path:    m.Path,
		Mode:    uint32(m.Mode),
		UID:     uint32(m.UID),
		GID:     uint32(m.GID),
		Size:    m.Size,
		Digest:  m.Digest,
	}
}

// modelFromRecord converts a file.Record to a FileModel
func modelFromRecord(r *file.Record) *FileModel {
	return &FileModel{
		Serial:  r.Serial,
		Archive: r.Archive,
		Info:    int64(r.Info),
		Mode:    int64(r.Mode),
		UID:     int64(r.UID),
		GID:     int64(r.GID),
		Size:    r.Size,
		Digest:  r.Digest,
		Path:    r.Path,
	}
}
