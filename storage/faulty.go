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
	"fmt"
	"sync"
)

// FaultOp identifies which Device method a Fault applies to.
type FaultOp int

const (
	FaultWrite FaultOp = iota
	FaultSync
	FaultRead
	FaultTruncate
)

// Fault describes one injected failure: the Nth call to Op fails with Err.
// If Err is nil, a write lands only its first PartialBytes bytes and then
// returns an error, simulating a torn write; a read reads at most
// PartialBytes bytes; Sync and Truncate proceed normally.
type Fault struct {
	Op           FaultOp
	Count        int
	Err          error
	PartialBytes int
}

// FaultyDevice wraps a Device and injects faults registered via Inject,
// the same double-as-production-interface pattern the data-durability
// tests in this module use to exercise commit and recovery against
// torn writes and sync failures without mutating a real disk.
type FaultyDevice struct {
	mu     sync.Mutex
	inner  Device
	faults map[FaultOp][]Fault
	calls  map[FaultOp]int
}

// NewFaultyDevice wraps inner for fault injection.
func NewFaultyDevice(inner Device) *FaultyDevice {
	return &FaultyDevice{
		inner:  inner,
		faults: make(map[FaultOp][]Fault),
		calls:  make(map[FaultOp]int),
	}
}

// Inject queues a fault to trigger on the Count'th call to Op (1-indexed).
func (d *FaultyDevice) Inject(f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[f.Op] = append(d.faults[f.Op], f)
}

func (d *FaultyDevice) take(op FaultOp) (Fault, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[op]++
	n := d.calls[op]
	for i, f := range d.faults[op] {
		if f.Count == n {
			d.faults[op] = append(d.faults[op][:i], d.faults[op][i+1:]...)
			return f, true
		}
	}
	return Fault{}, false
}

func (d *FaultyDevice) ReadAt(buf []byte, off int64) (int, error) {
	if f, ok := d.take(FaultRead); ok {
		if f.Err != nil {
			return 0, f.Err
		}
		n, err := d.inner.ReadAt(buf[:f.PartialBytes], off)
		return n, err
	}
	return d.inner.ReadAt(buf, off)
}

func (d *FaultyDevice) WriteAt(buf []byte, off int64) (int, error) {
	if f, ok := d.take(FaultWrite); ok {
		if f.Err != nil {
			return 0, f.Err
		}
		n, err := d.inner.WriteAt(buf[:f.PartialBytes], off)
		if err != nil {
			return n, err
		}
		return n, fmt.Errorf("storage: injected torn write after %d bytes", f.PartialBytes)
	}
	return d.inner.WriteAt(buf, off)
}

func (d *FaultyDevice) Sync(off, length int64) error {
	if f, ok := d.take(FaultSync); ok && f.Err != nil {
		return f.Err
	}
	return d.inner.Sync(off, length)
}

func (d *FaultyDevice) Truncate(size int64) error {
	if f, ok := d.take(FaultTruncate); ok && f.Err != nil {
		return f.Err
	}
	return d.inner.Truncate(size)
}

func (d *FaultyDevice) Size() (int64, error) { return d.inner.Size() }
func (d *FaultyDevice) Fd() uintptr          { return d.inner.Fd() }
func (d *FaultyDevice) Close() error         { return d.inner.Close() }
