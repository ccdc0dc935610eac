// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package journal presents a directory of segments as one logical
// append-only array with positional access (spec.md §4.2). It keeps an
// immutable, atomically-swapped snapshot of the segment set so readers
// never block behind the single writer, the same discipline the teacher
// WAL uses for its segment state.
package journal

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xycpand/atomix/metadb"
	"github.com/xycpand/atomix/segment"
	"github.com/xycpand/atomix/types"
)

// state is one immutable snapshot of the segment set, keyed by each
// segment's BaseIndex for O(log n) resolution of an arbitrary index.
type state struct {
	segments *immutable.SortedMap[uint64, *segment.Segment]
	first    uint64
	last     uint64
	tail     *segment.Segment
}

func (s *state) clone() state {
	return state{segments: s.segments, first: s.first, last: s.last, tail: s.tail}
}

// Journal is the logical append-only array over a segment.Store.
type Journal struct {
	store       *segment.Store
	meta        *metadb.Store
	logger      log.Logger
	metrics     *journalMetrics
	segmentSize int
	nextID      uint64

	writeMu sync.Mutex
	s       atomic.Value // *state
}

// Open loads (or initializes) the journal rooted at dir. meta must
// already be open on the same directory; Open consults it to recover the
// segment catalog (so segment.Store.Load can tell a segment superseded by
// an interrupted major compaction from its replacement, spec.md §4.4) and
// keeps it current as the segment set changes.
func Open(dir string, segmentSize int, meta *metadb.Store, logger log.Logger, reg prometheus.Registerer) (*Journal, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	j := &Journal{
		store:       segment.NewStore(dir, logger, reg),
		meta:        meta,
		logger:      logger,
		metrics:     newJournalMetrics(reg),
		segmentSize: segmentSize,
	}

	persisted, err := meta.Load(dir)
	if err != nil {
		return nil, err
	}
	catalog := make(map[uint64]uint64, len(persisted.Segments))
	for _, si := range persisted.Segments {
		catalog[si.BaseIndex] = si.ID
	}
	fallbackStart := persisted.NextSegmentID
	if fallbackStart == 0 {
		fallbackStart = 1
	}

	segs, err := j.store.Load(catalog, fallbackStart)
	if err != nil {
		return nil, err
	}

	st := &state{segments: &immutable.SortedMap[uint64, *segment.Segment]{}}
	maxID := fallbackStart - 1
	for _, seg := range segs {
		info := seg.Info()
		st.segments = st.segments.Set(info.BaseIndex, seg)
		if info.ID > maxID {
			maxID = info.ID
		}
		if st.first == 0 || info.BaseIndex < st.first {
			st.first = info.BaseIndex
		}
		last := seg.LastIndex()
		if last > st.last {
			st.last = last
		}
	}
	j.nextID = maxID + 1

	if len(segs) == 0 {
		seg, err := j.store.Create(1, j.nextID, uint32(segmentSize))
		if err != nil {
			return nil, err
		}
		j.nextID++
		st.segments = st.segments.Set(1, seg)
		st.first = 1
		st.tail = seg
	} else {
		st.tail = segs[len(segs)-1]
	}

	j.s.Store(st)
	if err := j.persistCatalog(st); err != nil {
		return nil, err
	}
	return j, nil
}

// persistCatalog records the current segment set and next id with meta so
// a future Load can recover it; every structural mutation (roll, replace,
// truncate) calls this before returning.
func (j *Journal) persistCatalog(s *state) error {
	infos := make([]types.SegmentInfo, 0, s.segments.Len())
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		infos = append(infos, seg.Info())
	}
	return j.meta.CommitCatalog(infos, j.nextID, s.first, s.last)
}

func (j *Journal) load() *state { return j.s.Load().(*state) }

// FirstIndex returns the oldest retained index, 0 if the journal is empty.
func (j *Journal) FirstIndex() uint64 {
	s := j.load()
	if s.last < s.first {
		return 0
	}
	return s.first
}

// LastIndex returns the highest appended index, 0 if the journal is empty.
func (j *Journal) LastIndex() uint64 {
	s := j.load()
	if s.last < s.first {
		return 0
	}
	return s.last
}

// Append assigns the entry the next index (lastIndex+1), writes it to the
// active tail segment, rolling to a new segment first if the tail is
// full, and returns the assigned index.
func (j *Journal) Append(e types.Entry) (uint64, error) {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	s := j.load()
	nextIndex := s.last + 1
	if s.last < s.first {
		nextIndex = s.first
		if nextIndex == 0 {
			nextIndex = 1
		}
	}
	e.Index = nextIndex

	offset, err := s.tail.Append(e)
	if err == types.ErrSegmentFull {
		newTail, newState, rerr := j.rollLocked(s)
		if rerr != nil {
			return 0, rerr
		}
		offset, err = newTail.Append(e)
		if err != nil {
			return 0, err
		}
		s = newState
	} else if err != nil {
		return 0, err
	}
	_ = offset

	newSt := s.clone()
	if newSt.first == 0 {
		newSt.first = nextIndex
	}
	newSt.last = nextIndex
	j.s.Store(&newSt)
	j.metrics.appends.Inc()
	j.metrics.bytesWritten.Add(float64(len(e.Payload)))
	return nextIndex, nil
}

func (j *Journal) rollLocked(s *state) (*segment.Segment, *state, error) {
	nextBase := s.tail.LastIndex() + 1
	newSeg, err := j.store.Create(nextBase, j.nextID, uint32(j.segmentSize))
	if err != nil {
		return nil, nil, err
	}
	j.nextID++
	// The old tail stops taking writes the instant we roll past it: seal
	// it now rather than waiting for a reload to notice, so compaction
	// can act on it immediately.
	s.tail.Seal()
	newSt := s.clone()
	newSt.segments = newSt.segments.Set(nextBase, newSeg)
	newSt.tail = newSeg
	if err := j.persistCatalog(&newSt); err != nil {
		return nil, nil, err
	}
	j.s.Store(&newSt)
	j.metrics.rotations.Inc()
	return newSeg, &newSt, nil
}

// Read resolves index to the segment with the greatest first-index not
// above it and returns its entry. The lookup is a linear scan over the
// sorted segment map (see findSegment), not a binary search.
func (j *Journal) Read(index uint64) (types.Entry, error) {
	s := j.load()
	if s.last < s.first || index < s.first || index > s.last {
		return types.Entry{}, &types.ErrOutOfBounds{Index: index}
	}
	seg := findSegment(s.segments, index)
	if seg == nil {
		return types.Entry{}, &types.ErrOutOfBounds{Index: index}
	}
	return seg.ReadByIndex(index)
}

// findSegment returns the segment whose BaseIndex is the greatest one
// not exceeding index (a bounded binary search in spirit; the segment
// count is small enough in practice that a linear scan over the sorted
// map is simpler and just as fast).
func findSegment(segs *immutable.SortedMap[uint64, *segment.Segment], index uint64) *segment.Segment {
	it := segs.Iterator()
	var candidate *segment.Segment
	for !it.Done() {
		base, seg, _ := it.Next()
		if base > index {
			break
		}
		candidate = seg
	}
	return candidate
}

// Truncate removes all entries with index > newLast. Segments whose
// BaseIndex > newLast are deleted entirely; the segment that now
// contains newLast is truncated in place. Updates lastIndex = newLast.
func (j *Journal) Truncate(newLast uint64) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	s := j.load()
	if newLast >= s.last {
		return nil
	}

	var toDelete []*segment.Segment
	newSegs := s.segments
	it := s.segments.Iterator()
	it.Last()
	var headSeg *segment.Segment
	for !it.Done() {
		base, seg, _ := it.Prev()
		if base <= newLast {
			headSeg = seg
			break
		}
		toDelete = append(toDelete, seg)
		newSegs = newSegs.Delete(base)
	}

	if headSeg != nil && newLast >= headSeg.Info().BaseIndex {
		cutOffset, ok := headSeg.OffsetAfter(newLast)
		if !ok {
			return fmt.Errorf("truncate: cannot locate boundary entry %d in segment %d", newLast, headSeg.Info().ID)
		}
		if err := headSeg.Truncate(cutOffset, newLast); err != nil {
			return err
		}
	}

	for _, seg := range toDelete {
		if err := j.store.Delete(seg); err != nil {
			level.Error(j.logger).Log("msg", "failed to delete truncated segment", "err", err)
		}
	}

	newSt := s.clone()
	newSt.segments = newSegs
	newSt.last = newLast
	if headSeg != nil {
		newSt.tail = headSeg
	}
	if newLast < newSt.first {
		newSt.first = 0
	}
	if err := j.persistCatalog(&newSt); err != nil {
		return err
	}
	j.metrics.truncations.Inc()
	j.s.Store(&newSt)
	return nil
}

// Flush fsyncs the active tail segment.
func (j *Journal) Flush() error {
	s := j.load()
	if s.tail == nil {
		return nil
	}
	return s.tail.Flush()
}

// StoreHandle exposes the journal's underlying segment.Store so the
// compactor can build replacement segments through the same filesystem
// path the journal itself uses.
func (j *Journal) StoreHandle() *segment.Store { return j.store }

// NextSegmentID hands out the next segment id and advances the
// counter, used by the compactor when it creates replacement segments.
func (j *Journal) NextSegmentID() uint64 {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	id := j.nextID
	j.nextID++
	return id
}

// Segments returns a snapshot of the journal's segments, oldest first.
// Callers (the compactor) must not mutate the returned segments directly
// except through ReplaceSegments, which keeps the journal's view of the
// world consistent.
func (j *Journal) Segments() []*segment.Segment {
	s := j.load()
	out := make([]*segment.Segment, 0, s.segments.Len())
	it := s.segments.Iterator()
	for !it.Done() {
		_, seg, _ := it.Next()
		out = append(out, seg)
	}
	return out
}

// ReplaceSegments atomically swaps a contiguous run of old segments for
// one or more freshly-written replacement segments, used by the
// compactor's write/fsync/rename/fsync-dir/delete transaction. The
// replacements must already have been committed to disk (via
// segment.Store.CommitReplacement) before calling this; ReplaceSegments
// only updates the in-memory view. newFirst is the journal's firstIndex
// after the swap (it only ever increases).
func (j *Journal) ReplaceSegments(old []*segment.Segment, replacements []*segment.Segment, newFirst uint64) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	s := j.load()
	newSt := s.clone()
	for _, seg := range old {
		newSt.segments = newSt.segments.Delete(seg.Info().BaseIndex)
	}
	for _, seg := range replacements {
		newSt.segments = newSt.segments.Set(seg.Info().BaseIndex, seg)
	}
	if newFirst > newSt.first {
		newSt.first = newFirst
	}
	// Persist the catalog before the caller deletes the superseded
	// segments' files: if a crash lands between this call returning and
	// those deletes completing, Load's overlap resolution needs the
	// catalog to already name the replacements as canonical.
	if err := j.persistCatalog(&newSt); err != nil {
		return err
	}
	j.s.Store(&newSt)
	return nil
}

// Close releases all open segment file descriptors.
func (j *Journal) Close() error {
	s := j.load()
	it := s.segments.Iterator()
	var firstErr error
	for !it.Done() {
		_, seg, _ := it.Next()
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
