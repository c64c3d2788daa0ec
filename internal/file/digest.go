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
	"bytes"
	"encoding/hex"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// DigestSize is the length in bytes of a content digest.
const DigestSize = 32

// DigestFile computes the BLAKE3 digest of a regular file's contents.
func DigestFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// DigestString computes the BLAKE3 digest of a string. Symlink records hash
// the link target this way.
func DigestString(s string) []byte {
	sum := blake3.Sum256([]byte(s))
	return sum[:]
}

// DigestEqual reports whether two digests are equal. Two absent digests
// (directories, no-entry records) compare equal.
func DigestEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

// FormatDigest formats a digest for display; absent digests render as a
// fixed-width blank so columns line up.
func FormatDigest(d []byte) string {
	if len(d) == 0 {
		return "                                                                "
	}
	return hex.EncodeToString(d)
}
