// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment persists sequences of variable-length log entries as
// fixed-maximum-size files and locates entries by absolute index
// (spec.md §4.1). It is the leaf component everything else in this
// module is built on.
package segment

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/xycpand/atomix/types"
)

// Segment is one open or sealed on-disk file covering a contiguous
// index range [firstIndex, lastIndex]. A Segment is safe for concurrent
// reads; Append and Truncate require external synchronization (the
// journal's write lock) but Read does not.
type Segment struct {
	mu sync.RWMutex

	info types.SegmentInfo
	wf   types.WritableFile // non-nil only for the open tail
	rf   types.ReadableFile // non-nil once sealed and (re)opened for reads

	// offsets maps index -> byte offset of its record, populated as
	// entries are appended or as Store.Load scans the file's records.
	offsets     map[uint64]uint32
	writeOffset uint32
	lastIndex   uint64
}

// Info returns a snapshot of the segment's metadata.
func (s *Segment) Info() types.SegmentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

// LastIndex returns the highest index currently held by this segment, or
// info.BaseIndex-1 if empty.
func (s *Segment) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex
}

// Append writes one entry to the tail of an open segment, length-prefixed
// with a CRC32 trailer. It returns types.ErrSegmentFull without writing
// anything if adding the entry would exceed the segment's size cap; the
// caller is expected to roll to a new segment and retry there.
func (s *Segment) Append(e types.Entry) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wf == nil {
		return 0, fmt.Errorf("segment %d is sealed", s.info.ID)
	}
	rec := encodeRecord(e)
	if s.info.SizeLimit > 0 && s.writeOffset+uint32(len(rec)) > s.info.SizeLimit {
		return 0, types.ErrSegmentFull
	}
	if _, err := s.wf.Write(rec); err != nil {
		return 0, &types.ErrIO{Cause: err}
	}
	offset := s.writeOffset
	s.offsets[e.Index] = offset
	s.writeOffset += uint32(len(rec))
	s.lastIndex = e.Index
	return offset, nil
}

// Read validates the CRC of the record at offset and returns the decoded
// entry. A CRC mismatch is reported as *types.ErrCorrupted; whether that
// is fatal depends on the caller's position relative to commitIndex.
func (s *Segment) Read(offset uint32) (types.Entry, error) {
	s.mu.RLock()
	rf, wf := s.rf, s.wf
	s.mu.RUnlock()

	var buf [recordHeaderLen]byte
	var src types.ReadableFile
	if wf != nil {
		src = wf
	} else {
		src = rf
	}
	if src == nil {
		return types.Entry{}, fmt.Errorf("segment %d has no backing file", s.info.ID)
	}
	if _, err := src.ReadAt(buf[:], int64(offset)); err != nil {
		return types.Entry{}, &types.ErrIO{Cause: err}
	}
	h, err := decodeRecordHeader(buf[:])
	if err != nil {
		return types.Entry{}, err
	}
	total := recordHeaderLen + h.payloadLen() + recordTrailerLen
	full := make([]byte, total)
	copy(full, buf[:])
	if total > recordHeaderLen {
		if _, err := src.ReadAt(full[recordHeaderLen:], int64(offset)+recordHeaderLen); err != nil {
			return types.Entry{}, &types.ErrIO{Cause: err}
		}
	}
	entry, _, err := decodeRecord(full)
	if err != nil {
		if ce, ok := err.(*types.ErrCorrupted); ok {
			ce.SegmentID = s.info.ID
			ce.Offset = offset
		}
		return types.Entry{}, err
	}
	return entry, nil
}

// ReadByIndex resolves offset via the in-memory offsets index and reads
// the entry; it serves open and sealed segments alike, and returns
// types.ErrNotFound for an index this segment does not hold.
func (s *Segment) ReadByIndex(index uint64) (types.Entry, error) {
	s.mu.RLock()
	offset, ok := s.offsets[index]
	s.mu.RUnlock()
	if !ok {
		return types.Entry{}, types.ErrNotFound
	}
	return s.Read(offset)
}

// OffsetAfter returns the byte offset immediately following the record
// at index, i.e. where Truncate should cut to make index the new last
// entry. ok is false if index is not present in this segment.
func (s *Segment) OffsetAfter(index uint64) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset, ok := s.offsets[index]
	if !ok {
		return 0, false
	}
	if index == s.lastIndex {
		return s.writeOffset, true
	}
	if next, ok := s.offsets[index+1]; ok {
		return next, true
	}
	return s.writeOffset, true
}

// Truncate cuts the file at offset, discarding every byte from there to
// the end, moves the write position back to offset so the next Append
// lands there, and updates the in-memory last index to newLastIndex.
func (s *Segment) Truncate(offset uint32, newLastIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wf == nil {
		return fmt.Errorf("segment %d is sealed, cannot truncate", s.info.ID)
	}
	if err := s.wf.Truncate(int64(offset)); err != nil {
		return &types.ErrIO{Cause: err}
	}
	if sk, ok := s.wf.(io.Seeker); ok {
		if _, err := sk.Seek(int64(offset), io.SeekStart); err != nil {
			return &types.ErrIO{Cause: err}
		}
	}
	for idx := range s.offsets {
		if idx > newLastIndex {
			delete(s.offsets, idx)
		}
	}
	s.writeOffset = offset
	s.lastIndex = newLastIndex
	return nil
}

// Flush fsyncs the segment's open file.
func (s *Segment) Flush() error {
	s.mu.RLock()
	wf := s.wf
	s.mu.RUnlock()
	if wf == nil {
		return nil
	}
	if err := wf.Sync(); err != nil {
		return &types.ErrIO{Cause: err}
	}
	return nil
}

// Close releases the segment's open file descriptor(s).
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.wf != nil {
		err = s.wf.Close()
		s.wf = nil
	}
	if s.rf != nil {
		if cerr := s.rf.Close(); err == nil {
			err = cerr
		}
		s.rf = nil
	}
	return err
}

// seal marks the segment sealed, recording its final MaxIndex and its
// SealTime. Segment files carry no index block, so IndexStart is left
// untouched.
func (s *Segment) seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.MaxIndex = s.lastIndex
	s.info.SealTime = time.Now()
}

// Seal exposes seal to other packages: the journal calls it the moment a
// segment stops being the tail (rolled past), since compaction only
// operates on sealed segments and a segment is logically done being
// written to well before the process that wrote it might restart.
func (s *Segment) Seal() { s.seal() }
