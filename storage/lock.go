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
	"os"

	"golang.org/x/sys/unix"
)

// ErrAlreadyLocked is returned by TryLockExclusive when another holder
// already owns the lock.
var ErrAlreadyLocked = fmt.Errorf("storage: already locked")

// FileLock is a whole-file advisory lock, used for the journal directory
// lock (one holder per open handle) and the ID counter file.
type FileLock struct {
	f *os.File
}

// TryLockExclusive opens (creating if needed) path and takes a
// non-blocking exclusive flock on it. Used for the journal directory's
// single-open guard: a second concurrent open on the same journal must
// fail fast rather than corrupt the ID counter.
func TryLockExclusive(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyLocked
		}
		return nil, err
	}
	return &FileLock{f: f}, nil
}

// LockExclusive takes a blocking exclusive flock on path, used for the ID
// counter file where we want to wait rather than fail.
func LockExclusive(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return &FileLock{f: f}, nil
}

// File exposes the locked file for callers that need to read/write it
// (the ID counter) while holding the lock.
func (l *FileLock) File() *os.File { return l.f }

// Unlock releases the flock and closes the underlying descriptor.
func (l *FileLock) Unlock() error {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

// RangeLock is a single POSIX byte-range advisory lock held on an open
// file descriptor via fcntl(F_SETLKW), the mechanism the range lock
// manager (package rangelock) uses to serialise overlapping transactions
// across cooperating processes.
type RangeLock struct {
	fd     int
	start  int64
	length int64
}

// LockRange blocks until an exclusive byte-range lock covering
// [start, start+length) is acquired on fd. length == 0 means "to the end
// of the file", matching fcntl's convention.
func LockRange(fd int, start, length int64) (*RangeLock, error) {
	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(os.SEEK_SET),
		Start:  start,
		Len:    length,
	}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_SETLKW, &flock); err != nil {
		return nil, err
	}
	return &RangeLock{fd: fd, start: start, length: length}, nil
}

// Unlock releases the byte range.
func (r *RangeLock) Unlock() error {
	flock := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: int16(os.SEEK_SET),
		Start:  r.start,
		Len:    r.length,
	}
	return unix.FcntlFlock(uintptr(r.fd), unix.F_SETLK, &flock)
}
