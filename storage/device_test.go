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

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDeviceReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	dev, err := OpenDevice(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer dev.Close()

	n, err := dev.WriteAt([]byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 5)
	n, err = dev.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))
}

func TestReadAtPastEOFReturnsShortCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	dev, err := OpenDevice(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := dev.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestTruncateAndSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	dev, err := OpenDevice(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.Truncate(100))
	size, err := dev.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 100, size)
}

func TestSyncDir(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, SyncDir(dir))
}

func TestSyncRangeSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	dev, err := OpenDevice(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.WriteAt([]byte("hello world"), 0)
	require.NoError(t, err)

	assert.NoError(t, dev.Sync(0, 11))
	assert.NoError(t, dev.Sync(0, 0))
}
