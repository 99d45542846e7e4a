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

package commit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jio-project/jio/journaldir"
	"github.com/jio-project/jio/rangelock"
	"github.com/jio-project/jio/storage"
)

func newTestEngine(t *testing.T) (*Engine, storage.Device, *journaldir.Dir, string) {
	t.Helper()
	dataPath := filepath.Join(t.TempDir(), "data")
	dev, err := storage.OpenDevice(dataPath, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	dir, err := journaldir.Init(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })

	locks := rangelock.NewManager(int(dev.Fd()), false)
	return NewEngine(dev, dir, locks), dev, dir, dataPath
}

func readAll(t *testing.T, dev storage.Device, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := dev.ReadAt(buf, 0)
	require.NoError(t, err)
	return string(buf)
}

func TestSingleWriteCommit(t *testing.T) {
	e, dev, dir, _ := newTestEngine(t)

	tx := e.NewTransaction(Options{})
	require.NoError(t, tx.AddOp([]byte("hello"), 0))

	n, err := tx.Commit()
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, StateDone, tx.State())

	assert.Equal(t, "hello", readAll(t, dev, 5))

	empty, err := dir.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestOverlapInsideTransactionLaterWins(t *testing.T) {
	e, dev, _, _ := newTestEngine(t)

	tx := e.NewTransaction(Options{})
	require.NoError(t, tx.AddOp([]byte("AAAA"), 0))
	require.NoError(t, tx.AddOp([]byte("BB"), 1))

	n, err := tx.Commit()
	require.NoError(t, err)
	assert.EqualValues(t, 6, n)
	assert.Equal(t, "ABBA", readAll(t, dev, 4))
}

func TestLingeringCommitStopsAtDurableJournal(t *testing.T) {
	e, dev, dir, _ := newTestEngine(t)

	tx := e.NewTransaction(Options{Linger: true})
	require.NoError(t, tx.AddOp([]byte("hello"), 0))

	n, err := tx.Commit()
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, StateDurableJournal, tx.State())
	assert.EqualValues(t, 5, e.LingeringBytes())
	assert.Equal(t, 1, e.LingeringCount())

	buf := make([]byte, 5)
	rn, _ := dev.ReadAt(buf, 0)
	assert.Equal(t, 0, rn, "data file must not be touched before drain")

	ids, err := dir.ListSurvivingIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	require.NoError(t, e.Drain())
	assert.Equal(t, StateDone, tx.State())
	assert.Equal(t, "hello", readAll(t, dev, 5))
	assert.Zero(t, e.LingeringBytes())

	empty, err := dir.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestPreimagesCapturedUnlessNoRollback(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	tx := e.NewTransaction(Options{})
	require.NoError(t, tx.AddOp([]byte("XXXXX"), 0))
	_, err := tx.Commit()
	require.NoError(t, err)
	require.NotNil(t, tx.Preimages())
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, tx.Preimages()[0].Old)

	tx2 := e.NewTransaction(Options{NoRollback: true})
	require.NoError(t, tx2.AddOp([]byte("YYYYY"), 0))
	_, err = tx2.Commit()
	require.NoError(t, err)
	assert.Nil(t, tx2.Preimages())
}

func TestGrowingWriteRecordsEOFSize(t *testing.T) {
	e, dev, _, _ := newTestEngine(t)

	_, err := dev.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	tx := e.NewTransaction(Options{})
	require.NoError(t, tx.AddOp([]byte("defgh"), 3))
	_, err = tx.Commit()
	require.NoError(t, err)

	pre := tx.Preimages()[0]
	assert.True(t, pre.Grew)
	assert.EqualValues(t, 3, pre.EOFSize)
}

func TestAddOpRejectsZeroLength(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	tx := e.NewTransaction(Options{})
	assert.Error(t, tx.AddOp(nil, 0))
}

func TestCommitRejectsEmptyTransaction(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	tx := e.NewTransaction(Options{})
	_, err := tx.Commit()
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestDoubleCommitRejected(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	tx := e.NewTransaction(Options{})
	require.NoError(t, tx.AddOp([]byte("a"), 0))
	_, err := tx.Commit()
	require.NoError(t, err)

	_, err = tx.Commit()
	assert.ErrorIs(t, err, ErrWrongState)
}
