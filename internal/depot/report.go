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

	"rootup/internal/catalog"
	"rootup/internal/file"
)

const (
	listHeader = "%-6s %-36s  %-23s  %s\n"
	listRow    = "%-6d %-36s  %-23s  %s\n"
	listRule   = "====== ====================================  =======================  =================\n"
	fileRule   = "=======================================================================================\n"
)

func (d *Depot) printHeader() {
	fmt.Fprintf(d.out, listHeader, "Serial", "UUID", "Date Installed", "Name")
	fmt.Fprint(d.out, listRule)
}

func (d *Depot) printLayer(l *catalog.Layer) {
	date := l.DateAdded.Local().Format("2006-01-02 15:04:05 MST")
	fmt.Fprintf(d.out, listRow, l.Serial, l.UUID, date, l.Name)
}

// List prints the installed layers newest-first. Rollback layers stay
// hidden unless debug verbosity is on.
func (d *Depot) List(ctx context.Context) error {
	layers, err := d.cat.Archives(ctx, d.cfg.Debug())
	if err != nil {
		return err
	}
	d.printHeader()
	for _, l := range layers {
		d.printLayer(l)
	}
	return nil
}

// ListLayers prints an already-resolved set of layers.
func (d *Depot) ListLayers(layers []*catalog.Layer) error {
	d.printHeader()
	for _, l := range layers {
		d.printLayer(l)
	}
	return nil
}

// Files dumps a layer's file records.
func (d *Depot) Files(ctx context.Context, l *catalog.Layer) error {
	d.printHeader()
	d.printLayer(l)
	fmt.Fprint(d.out, fileRule)
	err := d.cat.IterateFiles(ctx, l.Serial, func(r *file.Record) error {
		if d.cfg.Debug() {
			fmt.Fprintf(d.out, "%04x ", uint32(r.Info))
		}
		fmt.Fprintln(d.out, r.String())
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprint(d.out, fileRule)
	return nil
}

// Verify compares a layer's records against the live filesystem without
// mutating anything: 'M' modified, 'R' missing, ' ' identical.
func (d *Depot) Verify(ctx context.Context, l *catalog.Layer) error {
	d.printHeader()
	d.printLayer(l)
	fmt.Fprint(d.out, fileRule)
	err := d.cat.IterateFiles(ctx, l.Serial, func(r *file.Record) error {
		actual, err := file.NewFromFS(d.cfg.Prefix, r.Path)
		if err != nil {
			return err
		}
		switch {
		case actual == nil:
			fmt.Fprint(d.out, "R ")
		case file.Compare(r, actual) != file.Identical:
			fmt.Fprint(d.out, "M ")
		default:
			fmt.Fprint(d.out, "  ")
		}
		fmt.Fprintln(d.out, r.String())
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprint(d.out, fileRule)
	return nil
}

// Dump prints every layer with its records, rollback layers included.
// Intrinsically a debug command.
func (d *Depot) Dump(ctx context.Context) error {
	layers, err := d.cat.Archives(ctx, true)
	if err != nil {
		return err
	}
	d.printHeader()
	for _, l := range layers {
		d.printLayer(l)
		fmt.Fprint(d.out, fileRule)
		err := d.cat.IterateFiles(ctx, l.Serial, func(r *file.Record) error {
			fmt.Fprintf(d.out, "%04x %s\n", uint32(r.Info), r.String())
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Fprint(d.out, fileRule)
	}
	return nil
}
