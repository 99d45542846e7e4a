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

// Package rangelock coordinates overlapping transactions on a data file
// via advisory byte-range locks held for the duration of commit-apply,
// plus a whole-file "grow lock" for operations that change the file's
// length. Locks are acquired in ascending offset order so that two
// cooperating holders following the same discipline can never deadlock.
package rangelock

import (
	"sort"
	"sync"

	"github.com/jio-project/jio/storage"
)

// growSentinelOffset is a byte position far past any realistic file size;
// every file-extending write takes an exclusive lock on it so that two
// concurrent growing writes serialise against each other, not just
// against their own overlapping extents.
const growSentinelOffset = 1 << 62

// Extent is one [Offset, Offset+Length) range a transaction will write.
type Extent struct {
	Offset int64
	Length int64
	Grows  bool // true if Offset+Length extends past the file's current size
}

func (e Extent) end() int64 { return e.Offset + e.Length }

func overlaps(a, b Extent) bool {
	return a.Offset < b.end() && b.Offset < a.end()
}

// Manager acquires and releases the locks for one transaction's extents
// on a single open file descriptor.
//
// POSIX fcntl byte-range locks are owned by the process, not by the file
// descriptor used to acquire them: two goroutines in the same process
// racing to lock the same fd never contend at the OS level, since the
// kernel sees a single lock owner on both sides. Two commit engines in
// separate processes (the common case this module targets) do contend
// correctly through the OS lock alone. Manager additionally serialises
// overlapping extents in-process with a condition variable so that two
// goroutines sharing one Engine in the same process also honour the
// no-overlapping-commits invariant, instead of silently racing.
type Manager struct {
	fd       int
	disabled bool // the handle's nolock flag

	mu     sync.Mutex
	cond   *sync.Cond
	active []Extent
}

// NewManager builds a range lock manager over fd. If disabled is true
// (the handle's nolock flag), every operation is a no-op and the caller
// accepts full responsibility for serialisation.
func NewManager(fd int, disabled bool) *Manager {
	m := &Manager{fd: fd, disabled: disabled}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Held is the set of locks acquired for one transaction, to be released
// together once the transaction's data-file writes are durable.
type Held struct {
	locks    []*storage.RangeLock
	mgr      *Manager
	reserved []Extent
}

// Lock acquires exclusive byte-range locks covering the union of extents
// in ascending offset order, plus the grow sentinel if any extent grows
// the file. It blocks until every lock is granted, including blocking
// in-process behind any other goroutine on the same Manager currently
// holding an overlapping extent.
func (m *Manager) Lock(extents []Extent) (*Held, error) {
	if m.disabled || len(extents) == 0 {
		return &Held{}, nil
	}

	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	needsGrow := false
	for _, e := range sorted {
		if e.Grows {
			needsGrow = true
			break
		}
	}

	reserved := sorted
	if needsGrow {
		reserved = append(reserved, Extent{Offset: growSentinelOffset, Length: 1})
	}

	m.mu.Lock()
	for m.conflictsLocked(reserved) {
		m.cond.Wait()
	}
	m.active = append(m.active, reserved...)
	m.mu.Unlock()

	h := &Held{mgr: m, reserved: reserved}
	for _, e := range sorted {
		l, err := storage.LockRange(m.fd, e.Offset, e.Length)
		if err != nil {
			h.Release()
			return nil, err
		}
		h.locks = append(h.locks, l)
	}

	if needsGrow {
		l, err := storage.LockRange(m.fd, growSentinelOffset, 1)
		if err != nil {
			h.Release()
			return nil, err
		}
		h.locks = append(h.locks, l)
	}

	return h, nil
}

func (m *Manager) conflictsLocked(want []Extent) bool {
	for _, w := range want {
		for _, a := range m.active {
			if overlaps(w, a) {
				return true
			}
		}
	}
	return false
}

// Release unlocks every range acquired by Lock, in reverse order, and
// wakes any goroutine on the same Manager waiting on an overlapping
// extent.
func (h *Held) Release() error {
	var firstErr error
	for i := len(h.locks) - 1; i >= 0; i-- {
		if err := h.locks[i].Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.locks = nil

	if h.mgr != nil && h.reserved != nil {
		h.mgr.mu.Lock()
		h.mgr.active = removeReserved(h.mgr.active, h.reserved)
		h.mgr.mu.Unlock()
		h.mgr.cond.Broadcast()
		h.reserved = nil
	}
	return firstErr
}

// removeReserved removes one occurrence of each extent in reserved from
// active, by value.
func removeReserved(active, reserved []Extent) []Extent {
	out := active[:0:0]
	used := make([]bool, len(reserved))
	for _, a := range active {
		matched := false
		for i, r := range reserved {
			if !used[i] && a == r {
				used[i] = true
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, a)
		}
	}
	return out
}
