// Copyright 2018-2022 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package bytesize parses the humanized byte-size strings accepted by the
// configuration options max_chunk_bytes and assembly_buffer_bytes
// ("10MB", "1GiB", a bare integer number of bytes, ...).
package bytesize

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Parse parses a humanized byte size such as "100", "1 MB" or "16MiB".
// Fractional values are rejected: chunk and buffer sizes are always whole
// byte counts.
func Parse(s string) (uint64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("bytesize: empty input")
	}
	if strings.Contains(trimmed, ".") {
		return 0, fmt.Errorf("bytesize: fractional sizes are not supported: %q", s)
	}
	return humanize.ParseBytes(trimmed)
}
