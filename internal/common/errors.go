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

package common

import "errors"

var (
	ErrLockBusy         = errors.New("depot is locked by another process")
	ErrDepotUnreadable  = errors.New("depot is unreadable")
	ErrCatalogCorrupt   = errors.New("catalog is corrupt")
	ErrArchiveDecode    = errors.New("cannot decode archive")
	ErrStageIO          = errors.New("staging I/O error")
	ErrLiveIO           = errors.New("live filesystem I/O error")
	ErrConflict         = errors.New("live file changed since install")
	ErrSelectorNotFound = errors.New("no archive matches selector")
	ErrInconsistent     = errors.New("depot has inconsistent archives")
	ErrNotFound         = errors.New("not found")
)
