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

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CleanPrefix validates and normalizes a destination prefix. The prefix must
// be an absolute path; the result never ends with a slash except for "/".
func CleanPrefix(prefix string) (string, error) {
	if prefix == "" || prefix[0] != '/' {
		return "", fmt.Errorf("prefix must be an absolute path: %q", prefix)
	}
	return filepath.Clean(prefix), nil
}

// DepotRelative strips the prefix from an absolute path, retaining the
// leading slash. Catalog rows store paths in this form.
func DepotRelative(prefix, path string) string {
	path = filepath.Clean(path)
	if prefix != "/" && strings.HasPrefix(path, prefix) {
		path = path[len(prefix):]
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return path
}

// LivePath joins a depot-relative path onto the destination prefix.
func LivePath(prefix, rel string) string {
	return filepath.Join(prefix, rel)
}

// ParentDir returns the depot-relative parent of rel, or "/" when rel is a
// top-level entry.
func ParentDir(rel string) string {
	dir := filepath.Dir(rel)
	if dir == "." || dir == "" {
		return "/"
	}
	return dir
}

// SplitPath splits a depot-relative path into its components.
func SplitPath(rel string) []string {
	rel = strings.Trim(filepath.Clean(rel), "/")
	if rel == "" || rel == "." {
		return nil
	}
	return strings.Split(rel, "/")
}
