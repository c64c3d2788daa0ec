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
	"fmt"

	"github.com/gofrs/flock"

	"rootup/internal/common"
)

// depotLock is the whole-depot advisory lock. Mutating operations hold it
// exclusively; inspection downgrades to shared. The kernel releases it on
// any exit path, including crashes.
type depotLock struct {
	fl *flock.Flock
}

func newDepotLock(path string) *depotLock {
	return &depotLock{fl: flock.New(path)}
}

// Exclusive upgrades to the exclusive lock, failing immediately if another
// process holds the depot.
func (l *depotLock) Exclusive() error {
	locked, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrLockBusy, err)
	}
	if !locked {
		return common.ErrLockBusy
	}
	return nil
}

// Shared takes (or downgrades to) the shared lock.
func (l *depotLock) Shared() error {
	locked, err := l.fl.TryRLock()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrLockBusy, err)
	}
	if !locked {
		return common.ErrLockBusy
	}
	return nil
}

// Downgrade trades the exclusive lock for a shared one once the mutation is
// complete, so concurrent inspection can proceed.
func (l *depotLock) Downgrade() {
	_ = l.fl.Unlock()
	_ = l.Shared()
}

// Unlock releases whatever lock is held.
func (l *depotLock) Unlock() {
	_ = l.fl.Unlock()
}
