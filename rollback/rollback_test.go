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

package rollback

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jio-project/jio/commit"
	"github.com/jio-project/jio/journaldir"
	"github.com/jio-project/jio/rangelock"
	"github.com/jio-project/jio/storage"
)

func newTestEngine(t *testing.T) (*commit.Engine, storage.Device) {
	t.Helper()
	dataPath := filepath.Join(t.TempDir(), "data")
	dev, err := storage.OpenDevice(dataPath, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	dir, err := journaldir.Init(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })

	locks := rangelock.NewManager(int(dev.Fd()), false)
	return commit.NewEngine(dev, dir, locks), dev
}

func TestRollbackRestoresPriorBytes(t *testing.T) {
	e, dev := newTestEngine(t)

	_, err := dev.WriteAt([]byte("XXXXX"), 0)
	require.NoError(t, err)

	tx := e.NewTransaction(commit.Options{})
	require.NoError(t, tx.AddOp([]byte("YYYYY"), 0))
	_, err = tx.Commit()
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = dev.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "YYYYY", string(buf))

	_, err = Rollback(e, tx)
	require.NoError(t, err)

	_, err = dev.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "XXXXX", string(buf))

	size, err := dev.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestRollbackOfGrowingWriteTruncatesBack(t *testing.T) {
	e, dev := newTestEngine(t)

	tx := e.NewTransaction(commit.Options{})
	require.NoError(t, tx.AddOp([]byte("hello"), 0))
	_, err := tx.Commit()
	require.NoError(t, err)

	size, err := dev.Size()
	require.NoError(t, err)
	require.EqualValues(t, 5, size)

	_, err = Rollback(e, tx)
	require.NoError(t, err)

	size, err = dev.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
}

func TestRollbackRejectedWhenNoRollbackAsserted(t *testing.T) {
	e, _ := newTestEngine(t)

	tx := e.NewTransaction(commit.Options{NoRollback: true})
	require.NoError(t, tx.AddOp([]byte("hello"), 0))
	_, err := tx.Commit()
	require.NoError(t, err)

	_, err = Rollback(e, tx)
	assert.ErrorIs(t, err, ErrNoRollbackAsserted)
}
