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

package jio

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jio-project/jio/commit"
	"github.com/jio-project/jio/internal/logger"
	"github.com/jio-project/jio/rollback"
)

// Transaction is a staged, not-yet-committed edit against a Handle. Feed
// it operations with Add, then Commit or, once committed, Rollback. A
// Transaction is single-owner: concurrent use by two goroutines is
// undefined, matching the underlying commit.Transaction's contract.
type Transaction struct {
	handle *Handle
	inner  *commit.Transaction

	// traceID correlates this transaction's log lines across Commit and
	// Rollback; it never touches the journal or the data file.
	traceID string
}

// NewTransaction allocates an empty transaction bound to h, inheriting
// h's NoRollback and Linger flags as defaults.
func (h *Handle) NewTransaction() (*Transaction, error) {
	if h.flags.has(ReadOnly) {
		return nil, ErrReadOnly
	}
	inner := h.engine.NewTransaction(commit.Options{
		NoRollback: h.flags.has(NoRollback),
		Linger:     h.flags.has(Linger),
	})
	return &Transaction{handle: h, inner: inner, traceID: uuid.New().String()}, nil
}

// Add appends one operation to the transaction; buf is copied.
func (t *Transaction) Add(buf []byte, offset int64) error {
	return t.inner.AddOp(buf, offset)
}

// Commit runs the commit state machine and returns the total new-bytes
// count on success. On failure it returns ErrAtomicPreserved or
// ErrAtomicBroken depending on how far the machine had progressed.
func (t *Transaction) Commit() (int64, error) {
	m := t.handle.metrics
	start := time.Now()
	if m != nil {
		m.CommitStarted(context.Background())
	}

	n, err := t.inner.Commit()
	outcome := "done"
	switch {
	case errors.Is(err, commit.ErrAtomicPreserved):
		outcome = "atomic_preserved"
	case errors.Is(err, commit.ErrAtomicBroken):
		outcome = "atomic_broken"
	case err == nil && t.inner.State() == commit.StateDurableJournal:
		outcome = "lingering"
	}
	if m != nil {
		m.CommitFinished(context.Background(), outcome, n, time.Since(start))
	}
	logger.Tracef("jio: commit trace=%s outcome=%s bytes=%d took=%s", t.traceID, outcome, n, time.Since(start))
	return n, err
}

// Rollback builds the reverse of a committed transaction from its
// captured pre-images and commits it eagerly, restoring the data file's
// prior bytes (and prior length, if the original write grew the file).
func (t *Transaction) Rollback() (int64, error) {
	n, err := rollback.Rollback(t.handle.engine, t.inner)
	if err != nil {
		logger.Warnf("jio: rollback trace=%s failed: %v", t.traceID, err)
		return n, err
	}
	if m := t.handle.metrics; m != nil {
		m.RollbackFinished(context.Background(), n)
	}
	logger.Tracef("jio: rollback trace=%s bytes=%d", t.traceID, n)
	return n, err
}

// Free is a no-op retained for API symmetry with the source design,
// where transactions are explicitly released; Go's garbage collector
// reclaims a *Transaction once it is no longer referenced.
func (t *Transaction) Free() {}

// State reports the transaction's position in the commit state machine,
// primarily useful in tests and diagnostics.
func (t *Transaction) State() string {
	return t.inner.State().String()
}
