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

// Package rollback builds a reverse transaction from a committed
// transaction's captured pre-images and drives it through the commit
// engine's eager path, restoring the data file to its pre-commit state.
package rollback

import (
	"errors"
	"fmt"

	"github.com/jio-project/jio/commit"
)

// ErrNoRollbackAsserted is returned when the original transaction was
// committed with NoRollback set: no pre-images exist to reverse.
var ErrNoRollbackAsserted = errors.New("rollback: original transaction has no preserved pre-images")

// Rollback builds the reverse of original (a DONE transaction) from its
// captured pre-images and commits it eagerly through engine, with
// NoRollback asserted so the reversal itself is not reversible. The
// reverse transaction is marked Rollbacking before commit, and its
// journal record carries that flag. Rollbacked is set only on the
// in-memory reverse transaction once it is done; by then its record has
// been unlinked, so Rollbacked is never written to the journal.
//
// Reversal replays the pre-images in reverse insertion order; if any
// original operation grew the file, the reversal ends with a truncate
// back to the recorded pre-commit size.
func Rollback(engine *commit.Engine, original *commit.Transaction) (int64, error) {
	preimages := original.Preimages()
	if preimages == nil {
		return 0, ErrNoRollbackAsserted
	}

	reverse := engine.NewTransaction(commit.Options{NoRollback: true})
	reverse.MarkRollbacking()

	var truncateTo int64 = -1
	for i := len(preimages) - 1; i >= 0; i-- {
		p := preimages[i]
		if err := reverse.AddOp(p.Old, p.Offset); err != nil {
			return 0, fmt.Errorf("rollback: stage reverse op: %w", err)
		}
		if p.Grew {
			truncateTo = p.EOFSize
		}
	}

	n, err := reverse.Commit()
	if err != nil {
		return n, fmt.Errorf("rollback: commit reverse transaction: %w", err)
	}

	if truncateTo >= 0 {
		if err := engine.TruncateDataFile(truncateTo); err != nil {
			return n, fmt.Errorf("rollback: truncate to pre-commit size: %w", err)
		}
	}

	return n, nil
}
