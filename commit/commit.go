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

// Package commit implements the transaction state machine: stage new
// data and pre-images, fsync the journal, apply to the data file, fsync
// the data file, mark the record done, unlink it. It distinguishes the
// eager path (runs a transaction start to finish in one Commit call) from
// the lingering path (stops once the journal is durable and resumes
// later from Engine.Drain), and owns the handle's pending-linger list.
package commit

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jio-project/jio/common"
	"github.com/jio-project/jio/journaldir"
	"github.com/jio-project/jio/rangelock"
	"github.com/jio-project/jio/record"
	"github.com/jio-project/jio/storage"
)

// ErrAtomicPreserved is returned when a commit fails before the journal
// record's committed bit is durable: the data file is untouched and the
// partial record has been discarded.
var ErrAtomicPreserved = errors.New("commit: failed, no data visible (atomic state preserved)")

// ErrAtomicBroken is returned when a commit fails at or after the
// journal record's committed bit went durable: the journal is intact and
// recovery (fsck) will finish or discard it. The caller must not assume
// the data file's visible state until recovery has run.
var ErrAtomicBroken = errors.New("commit: failed after journal was committed (atomic state possibly broken, run recovery)")

// ErrWrongState is protocol misuse: an operation invoked against a
// transaction in a state that does not support it.
var ErrWrongState = errors.New("commit: operation invalid in current transaction state")

// State is a position in the commit state machine.
type State int

const (
	StateNew State = iota
	StateStaged
	StateLocked
	StateJournaled
	StateDurableJournal
	StateApplied
	StateDataDurable
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStaged:
		return "STAGED"
	case StateLocked:
		return "LOCKED"
	case StateJournaled:
		return "JOURNALED"
	case StateDurableJournal:
		return "DURABLE_JOURNAL"
	case StateApplied:
		return "APPLIED"
	case StateDataDurable:
		return "DATA_DURABLE"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Op is one staged write, as supplied by the caller: buffer copied into
// the transaction at AddOp time.
type Op struct {
	Buffer []byte
	Offset int64
}

// Options configures a transaction at creation; these mirror the
// handle-level flags norollback/linger, but may be overridden per
// transaction (the rollback engine always asserts NoRollback). nolock is
// not an option here: it is handled by the engine's rangelock.Manager.
type Options struct {
	NoRollback bool
	Linger     bool
}

// Transaction is a staged, not-yet-committed (or in-flight lingering)
// edit. Single-owner: concurrent use by two goroutines is undefined, as
// in the source design.
type Transaction struct {
	engine *Engine
	id     uint64
	opts   Options
	ops    []Op
	state  State

	// set during begin_commit/pre-image capture, needed to resume a
	// lingering transaction or build a rollback transaction later.
	preimages []record.Op
	held      *rangelock.Held
	rollbackMarks uint32
}

// ID returns the transaction's journal ID, allocated by Commit; it is
// zero before then.
func (t *Transaction) ID() uint64 { return t.id }

// State returns the transaction's current position in the state machine.
func (t *Transaction) State() State { return t.state }

// Preimages exposes the captured pre-images (nil if NoRollback was set),
// used by the rollback engine to build the reverse transaction.
func (t *Transaction) Preimages() []record.Op { return t.preimages }

// MarkRollbacking sets the record header's Rollbacking bit for a
// transaction that is itself the reversal of an earlier commit, so a
// crash during the reversal is distinguishable during recovery from an
// ordinary in-progress commit.
func (t *Transaction) MarkRollbacking() {
	t.rollbackMarks |= record.FlagRollbacking
}

// AddOp appends one operation; buffer is copied. Valid from NEW or
// STAGED only.
func (t *Transaction) AddOp(buf []byte, offset int64) error {
	if t.state != StateNew && t.state != StateStaged {
		return fmt.Errorf("%w: add_op in state %s", ErrWrongState, t.state)
	}
	if len(buf) == 0 {
		return fmt.Errorf("commit: zero-length operation rejected")
	}
	if offset < 0 {
		return fmt.Errorf("commit: negative offset rejected")
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	t.ops = append(t.ops, Op{Buffer: cp, Offset: offset})
	t.state = StateStaged
	return nil
}

// Engine drives the commit state machine for one open data file. It owns
// the range lock manager and the journal directory, and accumulates
// lingering transactions until Drain (sync) or autosync flushes them.
type Engine struct {
	device storage.Device
	dir    *journaldir.Dir
	locks  *rangelock.Manager

	mu          sync.Mutex
	lingering   common.Queue[*Transaction]
	lingerBytes int64
}

// NewEngine builds a commit engine over an already-open data file Device,
// its journal directory, and a range lock manager bound to the same
// descriptor.
func NewEngine(device storage.Device, dir *journaldir.Dir, locks *rangelock.Manager) *Engine {
	return &Engine{device: device, dir: dir, locks: locks, lingering: common.NewLinkedListQueue[*Transaction]()}
}

// NewTransaction allocates an empty transaction bound to this engine.
func (e *Engine) NewTransaction(opts Options) *Transaction {
	return &Transaction{engine: e, opts: opts, state: StateNew}
}

// LingeringBytes reports the aggregate new-bytes size of every
// transaction currently parked at DURABLE_JOURNAL, for the autosync
// byte-threshold check.
func (e *Engine) LingeringBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lingerBytes
}

// LingeringCount reports how many transactions are parked.
func (e *Engine) LingeringCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lingering.Len()
}

func opBytes(ops []Op) int64 {
	var n int64
	for _, op := range ops {
		n += int64(len(op.Buffer))
	}
	return n
}

// Commit runs the transaction through NEW..DURABLE_JOURNAL, and then,
// unless the transaction is lingering, on through DONE in the same call.
// On success it returns the total new-bytes count. On failure it returns
// either ErrAtomicPreserved or ErrAtomicBroken depending on whether the
// journal record's committed bit had gone durable.
func (t *Transaction) Commit() (int64, error) {
	if t.state != StateStaged {
		return 0, fmt.Errorf("%w: commit in state %s", ErrWrongState, t.state)
	}
	e := t.engine

	id, err := e.dir.NextID()
	if err != nil {
		return 0, fmt.Errorf("%w: allocate id: %v", ErrAtomicPreserved, err)
	}
	t.id = id

	size, err := e.device.Size()
	if err != nil {
		return 0, fmt.Errorf("%w: stat data file: %v", ErrAtomicPreserved, err)
	}

	extents := make([]rangelock.Extent, len(t.ops))
	for i, op := range t.ops {
		extents[i] = rangelock.Extent{
			Offset: op.Offset,
			Length: int64(len(op.Buffer)),
			Grows:  op.Offset+int64(len(op.Buffer)) > size,
		}
	}

	held, err := e.locks.Lock(extents)
	if err != nil {
		return 0, fmt.Errorf("%w: acquire locks: %v", ErrAtomicPreserved, err)
	}
	t.held = held
	t.state = StateLocked

	if !t.opts.NoRollback {
		preimages, err := capturePreimages(e.device, t.ops, size)
		if err != nil {
			held.Release()
			return 0, fmt.Errorf("%w: capture pre-images: %v", ErrAtomicPreserved, err)
		}
		t.preimages = preimages
	}

	rec := buildRecord(t)

	journalDev, err := storage.OpenDevice(e.dir.PathFor(id), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		held.Release()
		e.dir.Unlink(id)
		return 0, fmt.Errorf("%w: open journal record: %v", ErrAtomicPreserved, err)
	}
	defer journalDev.Close()

	body, err := record.Encode(rec)
	if err != nil {
		held.Release()
		e.dir.Unlink(id)
		return 0, fmt.Errorf("%w: encode record: %v", ErrAtomicPreserved, err)
	}

	if _, err := journalDev.WriteAt(body, 0); err != nil {
		held.Release()
		e.dir.Unlink(id)
		return 0, fmt.Errorf("%w: write journal body: %v", ErrAtomicPreserved, err)
	}
	if err := journalDev.Sync(0, 0); err != nil {
		held.Release()
		e.dir.Unlink(id)
		return 0, fmt.Errorf("%w: fsync journal body: %v", ErrAtomicPreserved, err)
	}
	t.state = StateJournaled

	flags := rec.Header.Flags | record.FlagCommitted
	if _, err := journalDev.WriteAt(record.EncodeFlagsWord(flags), record.HeaderFlagsOffset); err != nil {
		held.Release()
		e.dir.Unlink(id)
		return 0, fmt.Errorf("%w: write committed bit: %v", ErrAtomicPreserved, err)
	}
	if err := journalDev.Sync(0, 0); err != nil {
		// The committed bit write may or may not have reached disk; we
		// cannot tell, so we must treat this as possibly broken.
		return 0, fmt.Errorf("%w: fsync committed bit: %v", ErrAtomicBroken, err)
	}
	t.state = StateDurableJournal

	total := opBytes(t.ops)

	if t.opts.Linger {
		e.mu.Lock()
		e.lingering.Push(t)
		e.lingerBytes += total
		e.mu.Unlock()
		return total, nil
	}

	if err := e.finish(t); err != nil {
		return total, err
	}
	return total, nil
}

// finish drives a DURABLE_JOURNAL transaction on through DONE: apply to
// the data file, fsync it, unlink the record, release locks.
func (e *Engine) finish(t *Transaction) error {
	for _, op := range t.ops {
		if _, err := e.device.WriteAt(op.Buffer, op.Offset); err != nil {
			return fmt.Errorf("%w: apply to data file: %v", ErrAtomicBroken, err)
		}
	}
	t.state = StateApplied

	lo, hi := extentUnion(t.ops)
	if err := e.device.Sync(lo, hi-lo); err != nil {
		return fmt.Errorf("%w: fsync data file: %v", ErrAtomicBroken, err)
	}
	t.state = StateDataDurable

	if err := e.dir.Unlink(t.id); err != nil {
		return fmt.Errorf("%w: unlink record: %v", ErrAtomicBroken, err)
	}
	t.state = StateDone

	if t.rollbackMarks&record.FlagRollbacking != 0 {
		t.rollbackMarks |= record.FlagRollbacked
	}

	if t.held != nil {
		t.held.Release()
		t.held = nil
	}
	return nil
}

// TruncateDataFile truncates the data file to size, for a rollback that
// is reversing a file-extending write. It fsyncs the resulting length.
func (e *Engine) TruncateDataFile(size int64) error {
	if err := e.device.Truncate(size); err != nil {
		return err
	}
	return e.device.Sync(0, 0)
}

// Drain finishes every lingering transaction, in the order they went
// durable, draining the pending-linger list to empty. It is the
// operation behind the handle's sync call and the autosync task.
func (e *Engine) Drain() error {
	e.mu.Lock()
	pending := make([]*Transaction, 0, e.lingering.Len())
	for !e.lingering.IsEmpty() {
		pending = append(pending, e.lingering.Pop())
	}
	e.lingerBytes = 0
	e.mu.Unlock()

	var firstErr error
	for _, t := range pending {
		if err := e.finish(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func extentUnion(ops []Op) (lo, hi int64) {
	if len(ops) == 0 {
		return 0, 0
	}
	lo = ops[0].Offset
	hi = ops[0].Offset + int64(len(ops[0].Buffer))
	for _, op := range ops[1:] {
		if op.Offset < lo {
			lo = op.Offset
		}
		end := op.Offset + int64(len(op.Buffer))
		if end > hi {
			hi = end
		}
	}
	return lo, hi
}

// capturePreimages reads the current bytes at each op's extent from
// device before any new bytes are written. A short read near EOF is
// padded to the operation's full length; Grew/EOFSize records that the
// write will extend the file, so rollback can re-truncate instead of
// restoring padding as if it were real data.
func capturePreimages(device storage.Device, ops []Op, fileSize int64) ([]record.Op, error) {
	out := make([]record.Op, len(ops))
	for i, op := range ops {
		length := int64(len(op.Buffer))
		old := make([]byte, length)
		grows := op.Offset+length > fileSize

		readable := fileSize - op.Offset
		if readable < 0 {
			readable = 0
		}
		if readable > length {
			readable = length
		}
		if readable > 0 {
			if _, err := device.ReadAt(old[:readable], op.Offset); err != nil {
				return nil, err
			}
		}

		out[i] = record.Op{
			Offset:  op.Offset,
			New:     op.Buffer,
			Old:     old,
			Grew:    grows,
			EOFSize: fileSize,
		}
	}
	return out, nil
}

func buildRecord(t *Transaction) *record.Record {
	ops := make([]record.Op, len(t.ops))
	hasPreimages := t.preimages != nil
	for i, op := range t.ops {
		if hasPreimages {
			ops[i] = t.preimages[i]
		} else {
			ops[i] = record.Op{Offset: op.Offset, New: op.Buffer}
		}
	}

	flags := t.rollbackMarks
	if hasPreimages {
		flags |= record.FlagHasPreimages
	}

	// ops is already in insertion order; journaling and applying in that
	// order is what makes a later operation win on overlap.
	return &record.Record{
		Header: record.Header{Flags: flags, TransID: uint32(t.id)},
		Ops:    ops,
	}
}
