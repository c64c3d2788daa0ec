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
	"strconv"
	"strings"

	"github.com/google/uuid"

	"rootup/internal/catalog"
	"rootup/internal/common"
)

// Resolve expands a selector into a concrete layer list. A selector is one
// of: a UUID (case-insensitive), a decimal serial, one of the literals
// newest/oldest/superseded/all, or a bare name (most recent layer wins).
func (d *Depot) Resolve(ctx context.Context, selector string) ([]*catalog.Layer, error) {
	switch strings.ToLower(selector) {
	case "all":
		layers, err := d.cat.Archives(ctx, false)
		if err != nil {
			return nil, err
		}
		if len(layers) == 0 {
			return nil, fmt.Errorf("%w: %q", common.ErrSelectorNotFound, selector)
		}
		return layers, nil

	case "newest":
		l, err := d.cat.Newest(ctx)
		return single(selector, l, err)

	case "oldest":
		l, err := d.cat.Oldest(ctx)
		return single(selector, l, err)

	case "superseded":
		layers, err := d.cat.SupersededArchives(ctx)
		if err != nil {
			return nil, err
		}
		if len(layers) == 0 {
			return nil, fmt.Errorf("%w: %q", common.ErrSelectorNotFound, selector)
		}
		return layers, nil
	}

	if id, err := uuid.Parse(selector); err == nil {
		l, err := d.cat.ArchiveByUUID(ctx, id.String())
		return single(selector, l, err)
	}
	if serial, err := strconv.ParseInt(selector, 10, 64); err == nil && serial > 0 {
		l, err := d.cat.ArchiveBySerial(ctx, serial)
		return single(selector, l, err)
	}
	l, err := d.cat.ArchiveByName(ctx, selector)
	return single(selector, l, err)
}

// single wraps a one-layer lookup, mapping a catalog miss onto the selector
// error taxonomy.
func single(selector string, l *catalog.Layer, err error) ([]*catalog.Layer, error) {
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", common.ErrSelectorNotFound, selector)
		}
		return nil, err
	}
	return []*catalog.Layer{l}, nil
}
