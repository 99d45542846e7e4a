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

// Package storage is the only package in this module that talks directly
// to the kernel: positional read/write with short-operation retry,
// fsync/fdatasync (whole file or a byte range where the platform
// supports it), ftruncate, directory fsync, and advisory byte-range
// locks. No other package imports golang.org/x/sys/unix, and data-file
// and journal-record I/O goes through the Device interface, so that the
// commit engine can be exercised against FaultyDevice in tests without a
// real filesystem misbehaving on demand.
package storage

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Device is the positional-I/O surface the rest of this module consumes.
// osDevice is the only production implementation; FaultyDevice wraps one
// Device to inject failures on chosen calls for crash-recovery tests.
type Device interface {
	// ReadAt fills buf starting at off, retrying short reads. A read that
	// runs past end-of-file is not an error; it returns a short count,
	// matching pread(2) semantics.
	ReadAt(buf []byte, off int64) (int, error)

	// WriteAt writes all of buf at off, retrying short writes until the
	// full buffer lands or an unambiguous error occurs.
	WriteAt(buf []byte, off int64) (int, error)

	// Sync forces the byte range [off, off+length) to stable storage. If
	// the platform can't sync a sub-range, the whole file is synced.
	// length <= 0 means "the whole file".
	Sync(off, length int64) error

	// Truncate sets the file's size, as ftruncate(2).
	Truncate(size int64) error

	// Size reports the file's current length.
	Size() (int64, error)

	// Fd exposes the raw descriptor for locking.
	Fd() uintptr

	Close() error
}

// osDevice implements Device over a real *os.File.
type osDevice struct {
	f *os.File
}

// OpenDevice opens path with the given flags/mode and wraps it as a Device.
func OpenDevice(path string, flags int, mode os.FileMode) (Device, error) {
	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return nil, err
	}
	return &osDevice{f: f}, nil
}

// NewDevice wraps an already-open file.
func NewDevice(f *os.File) Device {
	return &osDevice{f: f}
}

func (d *osDevice) ReadAt(buf []byte, off int64) (int, error) {
	n, err := d.f.ReadAt(buf, off)
	if err != nil && errors.Is(err, io.EOF) {
		// Short read at EOF is expected and not an error to our callers.
		return n, nil
	}
	return n, err
}

func (d *osDevice) WriteAt(buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := d.f.WriteAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

func (d *osDevice) Truncate(size int64) error {
	return d.f.Truncate(size)
}

func (d *osDevice) Size() (int64, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (d *osDevice) Fd() uintptr {
	return d.f.Fd()
}

func (d *osDevice) Close() error {
	return d.f.Close()
}

// SyncDir fsyncs a directory so that a preceding create/rename/unlink of
// an entry within it is durable; POSIX requires this separately from
// fsyncing the entries themselves.
func SyncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return unix.Fsync(int(dir.Fd()))
}
