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

// Package record implements the on-disk journal record codec: a header,
// one descriptor per staged operation (new bytes plus an optional
// pre-image), and a trailing checksum. The two-phase write of the header
// (body first, committed bit second) is what makes a crash distinguishable
// from a clean record during recovery; see Parse.
package record

import (
	"encoding/binary"
	"fmt"
)

// Magic identifies a journal record file; Version is bumped on any
// incompatible layout change.
const (
	Magic   uint32 = 0x4a494f31 // "JIO1"
	Version uint32 = 1
)

// Flags bitset stored in the header.
const (
	FlagCommitted uint32 = 1 << iota
	FlagRollbacking
	FlagRollbacked
	FlagHasPreimages
)

const (
	headerSize  = 4 + 4 + 4 + 4 + 4 // magic, version, flags, num_ops, trans_id
	trailerSize = 4                 // checksum
)

// HeaderFlagsOffset is the byte offset of the flags word within an
// encoded record, exposed so the commit engine can rewrite just that word
// in place for the two-phase committed-bit write.
const HeaderFlagsOffset = 4 + 4

// Op is one staged write: new bytes to land at Offset, and optionally the
// prior bytes at that extent (Old), captured for rollback. Grew records
// that the write extended the file past its prior end; EOFSize is that
// prior end, so rollback can re-truncate rather than restore garbage.
type Op struct {
	Offset  int64
	New     []byte
	Old     []byte // same length as New; valid iff the record has pre-images
	Grew    bool
	EOFSize int64 // valid iff Grew
}

// Header is the fixed-size preamble of a record.
type Header struct {
	Flags   uint32
	TransID uint32
}

// Record is a fully decoded journal record.
type Record struct {
	Header Header
	Ops    []Op
}

func (r *Record) Committed() bool     { return r.Header.Flags&FlagCommitted != 0 }
func (r *Record) Rollbacking() bool   { return r.Header.Flags&FlagRollbacking != 0 }
func (r *Record) Rollbacked() bool    { return r.Header.Flags&FlagRollbacked != 0 }
func (r *Record) HasPreimages() bool  { return r.Header.Flags&FlagHasPreimages != 0 }

// checksum is a fixed 32-bit rolling sum over b (Fletcher-32 style). No
// cryptographic strength is required: it only needs to catch torn writes
// and bit rot, not defeat an adversary.
//
// The flags word (HeaderFlagsOffset:+4) is excluded: the commit engine
// flips the committed bit in place after the checksum has already been
// written to the trailer, and that rewrite must not invalidate it.
func checksum(b []byte) uint32 {
	var sum1, sum2 uint32 = 1, 0
	for i, c := range b {
		if i >= HeaderFlagsOffset && i < HeaderFlagsOffset+4 {
			continue
		}
		sum1 = (sum1 + uint32(c)) % 65521
		sum2 = (sum2 + sum1) % 65521
	}
	return sum2<<16 | sum1
}

// opEncodedSize is the number of bytes one op occupies in the body,
// excluding the checksum trailer.
func opEncodedSize(op Op, hasPreimages bool) int {
	size := 8 + 8 + len(op.New) // length, offset, new_bytes
	if hasPreimages {
		size += 1 + 8 + len(op.Old) // grew byte, eof_size, old_bytes
	}
	return size
}

// Encode serialises r to its on-disk byte layout. hasPreimages must agree
// with whether every op's Old field is populated; callers performing the
// two-phase write call Encode once with FlagCommitted cleared to produce
// the body, fsync it, then use HeaderFlagsOffset to flip just the bit in
// place rather than re-encoding the whole record.
func Encode(r *Record) ([]byte, error) {
	if len(r.Ops) == 0 {
		return nil, fmt.Errorf("record: num_ops must be >= 1")
	}
	hasPreimages := r.HasPreimages()

	size := headerSize
	for _, op := range r.Ops {
		if len(op.New) == 0 {
			return nil, fmt.Errorf("record: zero-length operation rejected")
		}
		if op.Offset < 0 {
			return nil, fmt.Errorf("record: negative offset rejected")
		}
		if hasPreimages && len(op.Old) != len(op.New) {
			return nil, fmt.Errorf("record: pre-image length must match new-bytes length")
		}
		size += opEncodedSize(op, hasPreimages)
	}
	size += trailerSize

	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], Magic)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], Version)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.Header.Flags)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.Ops)))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], r.Header.TransID)
	off += 4

	for _, op := range r.Ops {
		binary.LittleEndian.PutUint64(buf[off:], uint64(len(op.New)))
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], uint64(op.Offset))
		off += 8
		copy(buf[off:], op.New)
		off += len(op.New)
		if hasPreimages {
			if op.Grew {
				buf[off] = 1
			}
			off++
			binary.LittleEndian.PutUint64(buf[off:], uint64(op.EOFSize))
			off += 8
			copy(buf[off:], op.Old)
			off += len(op.Old)
		}
	}

	sum := checksum(buf[:off])
	binary.LittleEndian.PutUint32(buf[off:], sum)

	return buf, nil
}

// EncodeFlagsWord returns the little-endian encoding of flags, written at
// HeaderFlagsOffset in place during the two-phase commit write.
func EncodeFlagsWord(flags uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, flags)
	return buf
}
