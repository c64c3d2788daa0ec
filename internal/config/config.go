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

// Package config carries the process-wide settings for a depot as an
// explicit value, threaded into the engine rather than read from globals.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"rootup/internal/common"
)

// DepotDirName is the metadata directory created under the prefix.
const DepotDirName = ".DarwinDepot"

// ArchivesDirName holds the per-layer backing stores.
const ArchivesDirName = "Archives"

// ConfigFileName is the optional per-depot settings file.
const ConfigFileName = "config.yaml"

// Config is the full set of knobs an operation runs under.
type Config struct {
	// Prefix is the destination tree the depot overlays (default "/").
	Prefix string
	// Force demotes conflicts and live I/O errors to warnings, and
	// auto-uninstalls inconsistent layers found at startup.
	Force bool
	// DryRun analyzes and reports without mutating filesystem or catalog.
	DryRun bool
	// Verbosity: 0 quiet, 1 verbose, 2+ debug.
	Verbosity int
	// Exclude holds gitignore-style patterns; matching staged entries are
	// skipped during analysis.
	Exclude []string
}

// Default returns the configuration for an unadorned invocation.
func Default() Config {
	return Config{Prefix: "/"}
}

// Debug reports whether debug verbosity is on (rollback layers become
// visible, extra diagnostics are emitted).
func (c Config) Debug() bool { return c.Verbosity >= 2 }

// DepotPath is <prefix>/.DarwinDepot.
func (c Config) DepotPath() string { return filepath.Join(c.Prefix, DepotDirName) }

// ArchivesPath is <prefix>/.DarwinDepot/Archives.
func (c Config) ArchivesPath() string { return filepath.Join(c.DepotPath(), ArchivesDirName) }

// DatabasePath is the catalog file location.
func (c Config) DatabasePath() string { return filepath.Join(c.DepotPath(), "Database-V100") }

// LockPath is the advisory lock file location.
func (c Config) LockPath() string { return filepath.Join(c.DepotPath(), ".lock") }

// fileConfig is the YAML shape of the optional per-depot settings file.
type fileConfig struct {
	Exclude []string `yaml:"exclude"`
}

// Normalize validates the prefix and merges in the depot's config file if
// one exists. The file's exclude patterns are appended after any already
// set on the Config.
func (c Config) Normalize() (Config, error) {
	prefix, err := common.CleanPrefix(c.Prefix)
	if err != nil {
		return c, err
	}
	c.Prefix = prefix

	data, err := os.ReadFile(filepath.Join(c.DepotPath(), ConfigFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return c, err
	}
	c.Exclude = append(c.Exclude, fc.Exclude...)
	return c, nil
}
