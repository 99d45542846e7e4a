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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultAutosyncConfig(t *testing.T) {
	c := DefaultAutosyncConfig()
	assert.Equal(t, 5*time.Second, c.MaxSeconds)
	assert.EqualValues(t, 0, c.MaxBytes)
}

func TestIsAutosyncEnabled(t *testing.T) {
	assert.True(t, IsAutosyncEnabled(&Config{Autosync: AutosyncConfig{MaxSeconds: time.Second}}))
	assert.True(t, IsAutosyncEnabled(&Config{Autosync: AutosyncConfig{MaxBytes: 1}}))
	assert.False(t, IsAutosyncEnabled(&Config{}))
}
