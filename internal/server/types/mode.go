// Copyright 2026 The flowlite Authors
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

package types

import "fmt"

// Mode selects the runtime profile of the server. Debug mode logs
// human-readable colored output; release mode ships structured logs to the
// configured OTLP collector.
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// UnmarshalText lets env parsing accept mode strings case-insensitively.
func (m *Mode) UnmarshalText(text []byte) error {
	switch string(text) {
	case "debug", "DEBUG", "":
		*m = ModeDebug
	case "release", "RELEASE":
		*m = ModeRelease
	default:
		return fmt.Errorf("unknown mode %q", string(text))
	}
	return nil
}
