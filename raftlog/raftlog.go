// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package raftlog specializes journal.Journal with a commitIndex cursor,
// a flush-on-commit policy, and the invariant that committed entries are
// immutable (spec.md §4.3).
package raftlog

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xycpand/atomix/journal"
	"github.com/xycpand/atomix/metadb"
	"github.com/xycpand/atomix/segment"
	"github.com/xycpand/atomix/types"
)

// ErrDegraded is returned by Append/Commit once a durability failure has
// put the log into its read-only degraded mode (spec.md §7).
var ErrDegraded = errors.New("log is in degraded (read-only) mode after a write failure")

// ErrReaderInvalidated is returned by Reader.Next when a Truncate has
// removed an entry the reader had not yet advanced past.
var ErrReaderInvalidated = errors.New("reader invalidated by truncation")

// Log is the Raft-specialized journal: append/commit/truncate/flush plus
// forward read cursors, with a single mutex guarding commitIndex and the
// truncation bookkeeping readers check against (spec.md §5).
type Log struct {
	j             *journal.Journal
	meta          *metadb.Store
	flushOnCommit bool
	logger        log.Logger
	metrics       *logMetrics

	mu            sync.Mutex
	commitIndex   uint64
	degraded      uint32 // atomic-accessed via sync/atomic helpers below
	truncateSeq   uint64
	truncateBound uint64
}

// Open opens (or initializes) a raft log rooted at dir. commitIndex is
// not recoverable by scanning segment files (it is a logical cursor,
// never written into a segment), so it is loaded from the metadata
// store alongside the journal.
func Open(dir string, segmentSize int, flushOnCommit bool, logger log.Logger, reg prometheus.Registerer) (*Log, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	meta, err := metadb.Open(dir)
	if err != nil {
		return nil, err
	}
	j, err := journal.Open(dir, segmentSize, meta, logger, reg)
	if err != nil {
		return nil, err
	}
	persisted, err := meta.Load(dir)
	if err != nil {
		return nil, err
	}
	return &Log{
		j:             j,
		meta:          meta,
		flushOnCommit: flushOnCommit,
		logger:        logger,
		metrics:       newLogMetrics(reg),
		commitIndex:   persisted.CommitIndex,
	}, nil
}

func (l *Log) isDegraded() bool { return atomic.LoadUint32(&l.degraded) == 1 }
func (l *Log) setDegraded()     { atomic.StoreUint32(&l.degraded, 1) }

// FirstIndex, LastIndex delegate to the underlying journal.
func (l *Log) FirstIndex() uint64 { return l.j.FirstIndex() }
func (l *Log) LastIndex() uint64  { return l.j.LastIndex() }

// CommitIndex returns the highest index known durably committed.
func (l *Log) CommitIndex() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitIndex
}

// Append assigns the entry the next index and writes it to the journal.
// A write failure puts the log into degraded mode: no further appends or
// commits are accepted until the process restarts and recovers.
func (l *Log) Append(payload []byte, term uint64, timestamp int64) (uint64, error) {
	if l.isDegraded() {
		return 0, ErrDegraded
	}
	idx, err := l.j.Append(types.Entry{Term: term, Timestamp: timestamp, Payload: payload})
	if err != nil {
		l.setDegraded()
		return 0, err
	}
	l.metrics.appends.Inc()
	return idx, nil
}

// Read reads the entry at index, with no bound on its position relative
// to commitIndex (both committed and uncommitted entries are readable).
func (l *Log) Read(index uint64) (types.Entry, error) {
	return l.j.Read(index)
}

// Commit advances commitIndex to index if it is higher than the current
// value; lower or equal indices are a no-op. If the log is configured
// flushOnCommit, the active segment is fsynced before commitIndex moves,
// so a flush failure leaves commitIndex at its last durable value and
// puts the log into degraded mode (spec.md §7).
func (l *Log) Commit(index uint64) error {
	if l.isDegraded() {
		return ErrDegraded
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if index <= l.commitIndex {
		return nil
	}
	if l.flushOnCommit {
		if err := l.j.Flush(); err != nil {
			l.setDegraded()
			return err
		}
	}
	if err := l.meta.CommitIndex(index); err != nil {
		l.setDegraded()
		return err
	}
	l.commitIndex = index
	l.metrics.commitIndex.Set(float64(index))
	return nil
}

// Truncate removes all entries with index > newLast. It fails with
// ErrCannotTruncateCommitted if newLast is at or below commitIndex;
// committed entries are never rewritten by any path except compaction,
// which drops the committed entries the state machine's filter discards.
func (l *Log) Truncate(newLast uint64) error {
	if l.isDegraded() {
		return ErrDegraded
	}
	l.mu.Lock()
	if newLast <= l.commitIndex {
		l.mu.Unlock()
		return &types.ErrCannotTruncateCommitted{Index: newLast, CommitIndex: l.commitIndex}
	}
	l.mu.Unlock()

	if err := l.j.Truncate(newLast); err != nil {
		return err
	}

	l.mu.Lock()
	l.truncateSeq++
	l.truncateBound = newLast
	l.mu.Unlock()
	l.metrics.truncations.Inc()
	return nil
}

// Flush fsyncs the active segment.
func (l *Log) Flush() error {
	if err := l.j.Flush(); err != nil {
		l.setDegraded()
		return err
	}
	return nil
}

func (l *Log) truncateSnapshot() (seq, bound uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.truncateSeq, l.truncateBound
}

// Reader is a forward cursor over [startIndex, lastIndex].
type Reader struct {
	log          *Log
	next         uint64
	lastSeenSeq  uint64
	invalidated  bool
}

// Reader returns a forward cursor starting at startIndex.
func (l *Log) Reader(startIndex uint64) *Reader {
	seq, _ := l.truncateSnapshot()
	return &Reader{log: l, next: startIndex, lastSeenSeq: seq}
}

// NextIndex reports the index the reader will return on its next call to
// Next, without consuming it.
func (r *Reader) NextIndex() uint64 { return r.next }

// Next advances the cursor by one entry. It returns types.ErrOutOfBounds
// when the cursor has caught up to the tail (no error state, just "no
// more entries yet"); it returns ErrReaderInvalidated if a Truncate
// removed an entry at or after the cursor's position since it was last
// advanced.
func (r *Reader) Next() (types.Entry, error) {
	if r.invalidated {
		return types.Entry{}, ErrReaderInvalidated
	}
	seq, bound := r.log.truncateSnapshot()
	if seq != r.lastSeenSeq {
		if bound < r.next {
			r.invalidated = true
			return types.Entry{}, ErrReaderInvalidated
		}
		r.lastSeenSeq = seq
	}
	if r.next > r.log.LastIndex() {
		return types.Entry{}, &types.ErrOutOfBounds{Index: r.next}
	}
	e, err := r.log.Read(r.next)
	if err != nil {
		return types.Entry{}, err
	}
	r.next++
	return e, nil
}

// Close releases the underlying journal and metadata store. It should
// only be called once, by whoever owns the Log.
func (l *Log) Close() error {
	jerr := l.j.Close()
	merr := l.meta.Close()
	if jerr != nil {
		return jerr
	}
	return merr
}

// Segments and ReplaceSegments expose the underlying journal's segment
// set to the compactor; commitIndex stays under raftlog's own mutex so
// the compactor can safely ask "is this index committed?" mid-pass.
func (l *Log) Segments() []*segment.Segment { return l.j.Segments() }

func (l *Log) ReplaceSegments(old, replacements []*segment.Segment, newFirst uint64) error {
	return l.j.ReplaceSegments(old, replacements, newFirst)
}

// Store exposes the segment store for the compactor's rewrite/rename
// transaction (spec.md §4.4).
func (l *Log) Store() *segment.Store { return l.j.StoreHandle() }

// NextSegmentID hands out the next segment id for a replacement segment.
func (l *Log) NextSegmentID() uint64 { return l.j.NextSegmentID() }
