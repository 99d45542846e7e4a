// Copyright 2025 Google LLC
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

package cfg

import "time"

// DefaultAutosyncConfig returns autosync thresholds that drain every 5
// seconds regardless of byte volume. Config decoding does not apply it:
// thresholds left unset decode as zero.
func DefaultAutosyncConfig() AutosyncConfig {
	return AutosyncConfig{MaxSeconds: 5 * time.Second, MaxBytes: 0}
}

// IsAutosyncEnabled reports whether either autosync trigger is armed.
func IsAutosyncEnabled(config *Config) bool {
	return config.Autosync.MaxSeconds > 0 || config.Autosync.MaxBytes > 0
}
