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

// Package fsck scans a journal directory, classifies each surviving
// record, re-applies committed-but-not-cleaned records and discards
// in-progress or broken ones, and reports per-class counts. It is the
// only component that runs outside the lifetime of an open handle: an
// operator can run it against a data file and journal directory with no
// live process holding either.
package fsck

import (
	"errors"
	"fmt"
	"os"

	"github.com/jio-project/jio/journaldir"
	"github.com/jio-project/jio/record"
	"github.com/jio-project/jio/storage"
)

// ErrNoSuchFile is returned when the data file does not exist.
var ErrNoSuchFile = errors.New("fsck: no such data file")

// ErrNoJournal is returned when the journal directory is missing.
var ErrNoJournal = errors.New("fsck: no journal directory")

// Result totals a recovery pass.
type Result struct {
	TotalProcessed int
	Reapplied      int
	ApplyErrors    int
	InProgress     int
	Invalid        int
	Broken         int
	Corrupt        int
}

// discarded reports how many records were counted and unlinked without
// being applied (everything except a cleanly reapplied commit).
func (r Result) discarded() int {
	return r.InProgress + r.Invalid + r.Broken + r.Corrupt
}

// Run recovers dataPath using the journal directory at journalPath. It
// acquires the directory lock for the duration of the pass (refusing to
// run concurrently with an open handle on the same journal), enumerates
// every record file in ascending ID order to preserve commit order,
// classifies each, re-applies committed records idempotently, and
// discards everything else.
func Run(dataPath, journalPath string) (Result, error) {
	var res Result

	if _, err := os.Stat(dataPath); err != nil {
		if os.IsNotExist(err) {
			return res, ErrNoSuchFile
		}
		return res, fmt.Errorf("fsck: stat data file: %w", err)
	}

	if fi, err := os.Stat(journalPath); err != nil || !fi.IsDir() {
		return res, ErrNoJournal
	}

	dir, err := journaldir.Init(journalPath)
	if err != nil {
		return res, fmt.Errorf("fsck: acquire journal lock: %w", err)
	}
	defer dir.Close()

	ids, err := dir.ListSurvivingIDs()
	if err != nil {
		return res, fmt.Errorf("fsck: list records: %w", err)
	}
	if len(ids) == 0 {
		return res, nil
	}

	dataDev, err := storage.OpenDevice(dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return res, fmt.Errorf("fsck: open data file: %w", err)
	}
	defer dataDev.Close()

	for _, id := range ids {
		res.TotalProcessed++

		buf, err := os.ReadFile(dir.PathFor(id))
		if err != nil {
			res.Broken++
			dir.Unlink(id)
			continue
		}

		rec, class, parseErr := record.Parse(buf)
		switch class {
		case record.ClassCommitted:
			if err := reapply(dataDev, rec); err != nil {
				res.ApplyErrors++
				// Leave the record in place; a future fsck pass will
				// retry the same idempotent apply.
				continue
			}
			res.Reapplied++
			if err := dir.Unlink(id); err != nil {
				res.ApplyErrors++
			}
		case record.ClassInProgress:
			res.InProgress++
			dir.Unlink(id)
		case record.ClassInvalid:
			res.Invalid++
			dir.Unlink(id)
		case record.ClassBroken:
			res.Broken++
			dir.Unlink(id)
		case record.ClassCorrupt:
			res.Corrupt++
			dir.Unlink(id)
		default:
			_ = parseErr
			res.Invalid++
			dir.Unlink(id)
		}
	}

	return res, nil
}

// reapply writes every op's new bytes back to their recorded offsets and
// fdatasyncs the data file. Replaying an already-applied commit is safe
// because the new bytes at each offset are identical on every replay.
func reapply(dev storage.Device, rec *record.Record) error {
	for _, op := range rec.Ops {
		if _, err := dev.WriteAt(op.New, op.Offset); err != nil {
			return err
		}
	}
	return dev.Sync(0, 0)
}
