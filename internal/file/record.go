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
	"fmt"
	"io/fs"
	"os"

	"rootup/internal/common"
)

// File mode constants (POSIX type bits)
const (
	ModeDir     = 0040000 // Directory
	ModeFile    = 0100000 // Regular file
	ModeSymlink = 0120000 // Symbolic link
	ModeMask    = 0170000 // Type mask
	PermMask    = 0007777 // Permission bits incl. setuid/setgid/sticky
)

// Flags is the info bitset stored with every file record.
type Flags uint32

const (
	// FlagBaseSystem marks a record describing a file that was already
	// present on the pristine destination before any install.
	FlagBaseSystem Flags = 1 << 0
	// FlagNoEntry marks a sentinel record: nothing exists at this path.
	FlagNoEntry Flags = 1 << 1
	// FlagInstallData means the record's bytes are laid down on the live
	// tree from the staging directory.
	FlagInstallData Flags = 1 << 2
	// FlagRollbackData means the record's bytes are saved into its layer's
	// backing directory before they are displaced.
	FlagRollbackData Flags = 1 << 3
)

// Has reports whether any of the given bits are set.
func (f Flags) Has(bits Flags) bool { return f&bits != 0 }

// Diff is the bitset returned by Compare.
type Diff uint32

const (
	Identical   Diff = 0
	UIDDiffers  Diff = 1 << 0
	GIDDiffers  Diff = 1 << 1
	ModeDiffers Diff = 1 << 2
	TypeDiffers Diff = 1 << 3
	DataDiffers Diff = 1 << 4

	diffAll = UIDDiffers | GIDDiffers | ModeDiffers | TypeDiffers | DataDiffers
)

// Has reports whether any of the given difference bits are set.
func (d Diff) Has(bits Diff) bool { return d&bits != 0 }

// Record is an immutable description of one filesystem object as known to
// the depot. Path is depot-relative with the leading slash retained. Mode
// carries the POSIX type bits; a no-entry record has mode zero and the
// FlagNoEntry bit set.
type Record struct {
	Serial  int64
	Archive int64
	Info    Flags
	Path    string
	Mode    uint32
	UID     uint32
	GID     uint32
	Size    int64
	Digest  []byte
}

// NewNoEntry returns the sentinel record for "nothing at this path".
func NewNoEntry(rel string) *Record {
	return &Record{Info: FlagNoEntry, Path: rel}
}

// NewFromFS builds a record by lstat'ing root+rel. Regular files are
// digested over their contents, symlinks over their target string,
// directories carry no digest. Returns nil without error when the path
// does not exist.
func NewFromFS(root, rel string) (*Record, error) {
	full := common.LivePath(root, rel)
	fi, err := os.Lstat(full)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r := &Record{
		Path: rel,
		Mode: unixMode(fi),
		Size: fi.Size(),
	}
	r.UID, r.GID = statOwner(fi)

	switch {
	case fi.Mode().IsRegular():
		r.Digest, err = DigestFile(full)
		if err != nil {
			return nil, err
		}
	case fi.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(full)
		if err != nil {
			return nil, err
		}
		r.Digest = DigestString(target)
	}
	return r, nil
}

// IsNoEntry reports whether the record is the absence sentinel.
func (r *Record) IsNoEntry() bool { return r.Info.Has(FlagNoEntry) }

// IsDir reports whether the record describes a directory.
func (r *Record) IsDir() bool { return r.Mode&ModeMask == ModeDir }

// IsSymlink reports whether the record describes a symbolic link.
func (r *Record) IsSymlink() bool { return r.Mode&ModeMask == ModeSymlink }

// IsRegular reports whether the record describes a regular file.
func (r *Record) IsRegular() bool { return r.Mode&ModeMask == ModeFile }

// Compare performs a field-by-field comparison of two records. A nil record
// is infinitely different from any non-nil one. Directories with matching
// mode and ownership are identical regardless of contents; a type change
// always sets TypeDiffers even when digests happen to match.
func Compare(a, b *Record) Diff {
	if a == b {
		return Identical
	}
	if a == nil || b == nil {
		return diffAll
	}

	d := Identical
	if a.UID != b.UID {
		d |= UIDDiffers
	}
	if a.GID != b.GID {
		d |= GIDDiffers
	}
	if a.Mode != b.Mode {
		d |= ModeDiffers
	}
	if a.Mode&ModeMask != b.Mode&ModeMask {
		d |= TypeDiffers
	}
	if !DigestEqual(a.Digest, b.Digest) {
		d |= DataDiffers
	}
	return d
}

// String renders the record the way verify/files print it: a symbolic mode,
// owner, digest, and path.
func (r *Record) String() string {
	return fmt.Sprintf("%s %4d %4d %s %s", modeString(r.Mode), r.UID, r.GID, FormatDigest(r.Digest), r.Path)
}

// unixMode converts an fs.FileInfo mode into raw POSIX type+permission bits.
func unixMode(fi fs.FileInfo) uint32 {
	m := fi.Mode()
	mode := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		mode |= 0004000
	}
	if m&fs.ModeSetgid != 0 {
		mode |= 0002000
	}
	if m&fs.ModeSticky != 0 {
		mode |= 0001000
	}
	switch {
	case m.IsDir():
		mode |= ModeDir
	case m&fs.ModeSymlink != 0:
		mode |= ModeSymlink
	case m.IsRegular():
		mode |= ModeFile
	}
	return mode
}

// modeString renders raw POSIX mode bits as "drwxr-xr-x" style text.
func modeString(mode uint32) string {
	var m fs.FileMode = fs.FileMode(mode & 0777)
	if mode&0004000 != 0 {
		m |= fs.ModeSetuid
	}
	if mode&0002000 != 0 {
		m |= fs.ModeSetgid
	}
	if mode&0001000 != 0 {
		m |= fs.ModeSticky
	}
	switch mode & ModeMask {
	case ModeDir:
		m |= fs.ModeDir
	case ModeSymlink:
		m |= fs.ModeSymlink
	}
	return m.String()
}
