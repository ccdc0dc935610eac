// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xycpand/atomix/types"
)

// Store turns a directory of "<firstIndex>.log" files into a set of
// in-memory Segment handles (spec.md §4.1: create/load/delete).
type Store struct {
	dir     string
	logger  log.Logger
	metrics *storeMetrics
}

// NewStore returns a Store rooted at dir, which must already exist.
func NewStore(dir string, logger log.Logger, reg prometheus.Registerer) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{dir: dir, logger: logger, metrics: newStoreMetrics(reg)}
}

func segmentPath(dir string, firstIndex uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.log", firstIndex))
}

func tmpSegmentPath(dir string, firstIndex uint64) string {
	return segmentPath(dir, firstIndex) + ".tmp"
}

// Create allocates a new segment file named by firstIndex, writes the
// file header, and returns it open for writes.
func (st *Store) Create(firstIndex uint64, id uint64, sizeLimit uint32) (*Segment, error) {
	path := segmentPath(st.dir, firstIndex)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, &types.ErrIO{Cause: err}
	}
	hdr := encodeFileHeader(firstIndex)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, &types.ErrIO{Cause: err}
	}
	seg := &Segment{
		info: types.SegmentInfo{
			ID:        id,
			BaseIndex: firstIndex,
			MinIndex:  firstIndex,
			SizeLimit: sizeLimit,
		},
		wf:          f,
		offsets:     make(map[uint64]uint32),
		writeOffset: uint32(len(hdr)),
		lastIndex:   firstIndex - 1,
	}
	st.metrics.segmentsCreated.Inc()
	return seg, nil
}

// found is one "<firstIndex>.log" file discovered on disk, before it has
// been opened and scanned.
type found struct {
	firstIndex uint64
	path       string
}

// loadedSegment is a found file after loadOne has scanned it, carrying
// whether catalog gave it a durable id (fromCatalog) or it was only
// assigned a disposable placeholder because metadb had never heard of
// it (a segment the journal rolled to but crashed before cataloging).
type loadedSegment struct {
	seg         *Segment
	lastIdx     uint64
	fromCatalog bool
}

// Load scans the directory, resolves any overlapping coverage left
// behind by a crash mid-compaction against catalog (see resolveOverlaps),
// validates that the survivors are contiguous (failing with
// types.ErrCorruptedLog on a genuine gap), and returns them oldest-first.
// The tail segment (the one with no successor) is recovered by scanning
// for the highest CRC-valid record and reopened for writes; everything
// else is opened read-only.
//
// catalog maps a segment's BaseIndex to the durable id metadb last
// recorded for it; fallbackStart seeds placeholder ids for any file
// catalog doesn't know about yet (a brand new journal, or a segment
// rolled right before a crash that preempted the next catalog write).
func (st *Store) Load(catalog map[uint64]uint64, fallbackStart uint64) ([]*Segment, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, &types.ErrIO{Cause: err}
	}

	var files []found
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		base := strings.TrimSuffix(name, ".log")
		fi, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, found{fi, filepath.Join(st.dir, name)})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].firstIndex < files[j].firstIndex })

	loaded := make([]loadedSegment, 0, len(files))
	fallback := fallbackStart
	for i, fe := range files {
		isTail := i == len(files)-1
		id, known := catalog[fe.firstIndex]
		if !known {
			id = fallback
			fallback++
		}
		seg, lastIdx, err := st.loadOne(fe.firstIndex, id, fe.path, isTail)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, loadedSegment{seg: seg, lastIdx: lastIdx, fromCatalog: known})
	}

	resolved, err := st.resolveOverlaps(loaded)
	if err != nil {
		return nil, err
	}

	segs := make([]*Segment, 0, len(resolved))
	var expectedNext uint64
	for i, ls := range resolved {
		if i > 0 && ls.seg.Info().BaseIndex != expectedNext {
			return nil, types.ErrCorruptedLog
		}
		expectedNext = ls.lastIdx + 1
		segs = append(segs, ls.seg)
	}
	return segs, nil
}

// resolveOverlaps drops the superseded half of any pair of segments
// whose index ranges overlap — the layout a crash between
// compactor.RunMajor's ReplaceSegments and the store.Delete calls that
// reclaim the segments it replaced can leave on disk (spec.md §4.4:
// "when two segments cover overlapping ranges after crash, the newer
// (higher generation) is canonical"). A segment catalog still names is
// always newer than one it doesn't (the compactor records the
// replacement's catalog entry before deleting what it replaced); among
// two catalog-known segments, the higher id wins.
func (st *Store) resolveOverlaps(loaded []loadedSegment) ([]loadedSegment, error) {
	resolved := make([]loadedSegment, 0, len(loaded))
	i := 0
	for i < len(loaded) {
		cur := loaded[i]
		j := i + 1
		for j < len(loaded) && loaded[j].seg.Info().BaseIndex <= cur.lastIdx {
			if wins(loaded[j], cur) {
				if err := st.discardSuperseded(cur.seg); err != nil {
					return nil, err
				}
				cur = loaded[j]
			} else {
				if err := st.discardSuperseded(loaded[j].seg); err != nil {
					return nil, err
				}
			}
			j++
		}
		resolved = append(resolved, cur)
		i = j
	}
	return resolved, nil
}

// wins reports whether a supersedes b when their ranges overlap.
func wins(a, b loadedSegment) bool {
	if a.fromCatalog != b.fromCatalog {
		return a.fromCatalog
	}
	return a.seg.Info().ID > b.seg.Info().ID
}

// discardSuperseded closes and removes a segment file found to be
// covered by a higher-generation replacement during Load's overlap scan.
func (st *Store) discardSuperseded(seg *Segment) error {
	info := seg.Info()
	level.Warn(st.logger).Log("msg", "dropping segment superseded by a higher-generation replacement", "segment", info.BaseIndex, "id", info.ID)
	return st.Delete(seg)
}

func (st *Store) loadOne(firstIndex, id uint64, path string, isTail bool) (*Segment, uint64, error) {
	flag := os.O_RDONLY
	if isTail {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, 0, &types.ErrIO{Cause: err}
	}

	hdrBuf := make([]byte, fileHeaderLen)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()
		return nil, 0, &types.ErrIO{Cause: err}
	}
	if _, err := decodeFileHeader(hdrBuf); err != nil {
		f.Close()
		return nil, 0, err
	}

	seg := &Segment{
		info: types.SegmentInfo{
			ID:        id,
			BaseIndex: firstIndex,
			MinIndex:  firstIndex,
		},
		offsets:   make(map[uint64]uint32),
		lastIndex: firstIndex - 1,
	}

	// Scan forward from the header, validating CRCs, until we hit a
	// zero-length or corrupt record: that's the crash-recovery tail scan
	// spec.md §4.1 requires.
	offset := uint32(fileHeaderLen)
	for {
		hdrScratch := make([]byte, recordHeaderLen)
		n, rerr := f.ReadAt(hdrScratch, int64(offset))
		if n < recordHeaderLen || rerr != nil {
			break
		}
		h, derr := decodeRecordHeader(hdrScratch)
		if derr != nil {
			break
		}
		total := recordHeaderLen + h.payloadLen() + recordTrailerLen
		if h.payloadLen() < 0 || h.payloadLen() > MaxEntrySize {
			break
		}
		full := make([]byte, total)
		n2, rerr2 := f.ReadAt(full, int64(offset))
		if n2 < total || rerr2 != nil {
			break
		}
		if _, _, derr2 := decodeRecord(full); derr2 != nil {
			level.Warn(st.logger).Log("msg", "discarding unreadable tail record", "segment", firstIndex, "offset", offset, "err", derr2)
			break
		}
		seg.offsets[h.index] = offset
		seg.lastIndex = h.index
		offset += uint32(total)
	}

	if isTail {
		if err := f.Truncate(int64(offset)); err != nil {
			f.Close()
			return nil, 0, &types.ErrIO{Cause: err}
		}
		if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
			f.Close()
			return nil, 0, &types.ErrIO{Cause: err}
		}
		seg.wf = f
	} else {
		seg.info.SealTime = time.Now()
		seg.info.MaxIndex = seg.lastIndex
		seg.rf = f
	}
	seg.writeOffset = offset
	return seg, seg.lastIndex, nil
}

// Delete closes a segment and removes its file from disk. If a
// replacement has since been renamed over the segment's path (see
// CommitReplacement), the file there belongs to the replacement and is
// left in place; only the superseded handle is released.
func (st *Store) Delete(seg *Segment) error {
	info := seg.Info()
	path := segmentPath(st.dir, info.BaseIndex)
	seg.mu.RLock()
	var held interface{} = seg.rf
	if seg.wf != nil {
		held = seg.wf
	}
	seg.mu.RUnlock()
	replaced := false
	if sf, ok := held.(interface{ Stat() (os.FileInfo, error) }); ok {
		heldInfo, herr := sf.Stat()
		onDisk, derr := os.Stat(path)
		replaced = herr == nil && derr == nil && !os.SameFile(heldInfo, onDisk)
	}
	seg.Close()
	if replaced {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &types.ErrIO{Cause: err}
	}
	st.metrics.segmentsDeleted.Inc()
	return nil
}

// DeleteTmp removes a ".log.tmp" replacement file left by a compaction
// transaction that stopped before rename. The compactor does not call it
// when a pass fails; Load ignores ".log.tmp" files, and the next
// CreateReplacement for the same first index truncates and reuses one.
func (st *Store) DeleteTmp(firstIndex uint64) error {
	if err := os.Remove(tmpSegmentPath(st.dir, firstIndex)); err != nil && !os.IsNotExist(err) {
		return &types.ErrIO{Cause: err}
	}
	return nil
}

// CreateReplacement opens "<firstIndex>.log.tmp" for writing, used by the
// compactor to build a rewritten segment before the atomic rename.
func (st *Store) CreateReplacement(firstIndex, id uint64, sizeLimit uint32) (*Segment, error) {
	path := tmpSegmentPath(st.dir, firstIndex)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &types.ErrIO{Cause: err}
	}
	hdr := encodeFileHeader(firstIndex)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, &types.ErrIO{Cause: err}
	}
	return &Segment{
		info: types.SegmentInfo{
			ID:        id,
			BaseIndex: firstIndex,
			MinIndex:  firstIndex,
			SizeLimit: sizeLimit,
		},
		wf:          f,
		offsets:     make(map[uint64]uint32),
		writeOffset: uint32(len(hdr)),
		lastIndex:   firstIndex - 1,
	}, nil
}

// CommitReplacement fsyncs the rewritten segment, renames it over the
// original, fsyncs the directory, then seals it for reads. This is the
// write/fsync/rename/fsync-dir step of the compaction transaction
// (spec.md §4.4); deleting superseded segments is the caller's job.
func (st *Store) CommitReplacement(seg *Segment) error {
	if err := seg.Flush(); err != nil {
		return err
	}
	info := seg.Info()
	tmp := tmpSegmentPath(st.dir, info.BaseIndex)
	final := segmentPath(st.dir, info.BaseIndex)
	if err := os.Rename(tmp, final); err != nil {
		return &types.ErrIO{Cause: err}
	}
	if dirf, err := os.Open(st.dir); err == nil {
		dirf.Sync()
		dirf.Close()
	}
	seg.seal()
	return nil
}
