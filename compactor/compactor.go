// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package compactor reclaims space from segments whose entries have been
// superseded or filtered by the state machine, via minor and major
// compaction passes, without changing any externally-observable
// state-machine behavior (spec.md §4.4).
package compactor

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"

	"github.com/xycpand/atomix/segment"
	"github.com/xycpand/atomix/types"
)

// Policy is the compaction policy a command type is registered under.
type Policy int

const (
	// PolicyMinor is the default: the command's filter is only
	// consulted during minor (single-segment) compaction.
	PolicyMinor Policy = iota
	// PolicyMajor additionally makes the command eligible for removal
	// during major compaction once it is older than the watermark.
	PolicyMajor
)

// FilterContext is passed to Filterer.Filter during a major pass; it is
// the empty struct during a minor pass (no compactionIndex yet).
type FilterContext struct {
	Major           bool
	CompactionIndex uint64
}

// Filterer is implemented by the state-machine runtime (fsm.Runtime) and
// consulted for every entry a compaction pass considers removing.
// Filter handlers are pure; the compactor never mutates state-machine
// data and never relies on Filter for more than a keep/discard verdict
// plus the command's registered policy.
type Filterer interface {
	Filter(entry types.Entry, ctx FilterContext) (keep bool, policy Policy)
}

// Log is the subset of *raftlog.Log the compactor needs; declared here
// (rather than importing raftlog) to keep the dependency one-directional.
type Log interface {
	CommitIndex() uint64
	Segments() []*segment.Segment
	ReplaceSegments(old, replacements []*segment.Segment, newFirst uint64) error
	Store() *segment.Store
	NextSegmentID() uint64
}

// Compactor runs background minor and major compaction passes over a Log.
type Compactor struct {
	log      Log
	filterer Filterer
	cfg      types.Config
	logger   log.Logger
	metrics  *compactorMetrics
	limiter  *rate.Limiter
}

// New builds a Compactor. cfg.CompactionMajorInterval paces major passes
// via a token-bucket limiter (one token per interval, burst 1) so a busy
// caller can't run major compaction more often than configured.
func New(src Log, filterer Filterer, cfg types.Config, logger log.Logger, reg prometheus.Registerer) *Compactor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	rl := rate.Inf
	if cfg.CompactionMajorInterval > 0 {
		rl = rate.Every(cfg.CompactionMajorInterval)
	}
	return &Compactor{
		log:      src,
		filterer: filterer,
		cfg:      cfg,
		logger:   logger,
		metrics:  newCompactorMetrics(reg),
		limiter:  rate.NewLimiter(rl, 1),
	}
}

// RunMinor rewrites a single segment, keeping an entry iff the filter
// returns true for its command type, or the entry's index is above
// commitIndex (entries not yet committed are never touched by
// compaction). The new segment is written, fsynced, atomically renamed
// over the old one, and the old segment's handle is then released.
func (c *Compactor) RunMinor(seg *segment.Segment) error {
	info := seg.Info()
	if !info.Sealed() {
		return fmt.Errorf("segment %d is the open tail, cannot minor-compact", info.ID)
	}
	commitIndex := c.log.CommitIndex()

	store := c.log.Store()
	replacement, err := store.CreateReplacement(info.BaseIndex, c.log.NextSegmentID(), info.SizeLimit)
	if err != nil {
		return err
	}

	kept := 0
	for idx := info.MinIndex; idx <= info.MaxIndex; idx++ {
		entry, rerr := seg.ReadByIndex(idx)
		if rerr == types.ErrNotFound {
			continue // already removed by a prior pass
		}
		if rerr != nil {
			level.Error(c.logger).Log("msg", "minor compaction read error", "segment", info.ID, "index", idx, "err", rerr)
			return rerr
		}

		keep := idx > commitIndex
		if !keep {
			keep = c.filterKeep(entry, FilterContext{})
		}
		if !keep {
			c.metrics.entriesDropped.Inc()
			continue
		}
		if _, werr := replacement.Append(entry); werr != nil {
			return werr
		}
		kept++
	}

	if err := store.CommitReplacement(replacement); err != nil {
		return err
	}
	if err := c.log.ReplaceSegments([]*segment.Segment{seg}, []*segment.Segment{replacement}, 0); err != nil {
		return err
	}
	if err := store.Delete(seg); err != nil {
		level.Error(c.logger).Log("msg", "failed to delete superseded segment", "segment", info.ID, "err", err)
	}
	c.metrics.minorPasses.Inc()
	c.metrics.entriesKept.Add(float64(kept))
	return nil
}

// RunMajor runs a major compaction pass across the contiguous run of
// sealed segments ending at compactionIndex (which must be <=
// commitIndex). Commands registered PolicyMajor are eligible for removal
// once their index is <= compactionIndex and their filter (consulted
// with the compaction watermark) returns false. Sparse segments in the
// range are additionally merged to keep segment occupancy near the
// configured CompactionMinorThreshold.
func (c *Compactor) RunMajor(ctx context.Context, compactionIndex uint64) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	commitIndex := c.log.CommitIndex()
	if compactionIndex > commitIndex {
		return fmt.Errorf("compactionIndex %d exceeds commitIndex %d", compactionIndex, commitIndex)
	}

	all := c.log.Segments()
	sort.Slice(all, func(i, j int) bool { return all[i].Info().BaseIndex < all[j].Info().BaseIndex })

	var inRange []*segment.Segment
	occupancy := make([]float64, 0, len(all))
	for _, seg := range all {
		info := seg.Info()
		if !info.Sealed() || info.MaxIndex > compactionIndex {
			continue
		}
		inRange = append(inRange, seg)
		occupancy = append(occupancy, segmentOccupancy(seg))
	}
	if len(inRange) == 0 {
		return nil
	}

	merge := false
	if len(occupancy) > 1 {
		merge = stat.Mean(occupancy, nil) < c.cfg.CompactionMinorThreshold
	}

	store := c.log.Store()
	var replacements []*segment.Segment
	writeNewSegment := func(baseIndex uint64, sizeLimit uint32) (*segment.Segment, error) {
		return store.CreateReplacement(baseIndex, c.log.NextSegmentID(), sizeLimit)
	}

	var cur *segment.Segment
	flush := func() error {
		if cur == nil {
			return nil
		}
		if err := store.CommitReplacement(cur); err != nil {
			return err
		}
		replacements = append(replacements, cur)
		cur = nil
		return nil
	}

	for _, seg := range inRange {
		info := seg.Info()
		if cur == nil {
			var err error
			cur, err = writeNewSegment(info.BaseIndex, info.SizeLimit)
			if err != nil {
				return err
			}
		}
		for idx := info.MinIndex; idx <= info.MaxIndex; idx++ {
			entry, rerr := seg.ReadByIndex(idx)
			if rerr == types.ErrNotFound {
				continue
			}
			if rerr != nil {
				return rerr
			}
			keep := idx > compactionIndex
			if !keep {
				keep = c.filterKeepMajor(entry, compactionIndex)
			}
			if !keep {
				c.metrics.entriesDropped.Inc()
				continue
			}
			if _, werr := cur.Append(entry); werr != nil {
				return werr
			}
		}
		if !merge {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	newFirst := inRange[0].Info().BaseIndex
	if len(replacements) > 0 {
		newFirst = replacements[0].Info().BaseIndex
	}
	if err := c.log.ReplaceSegments(inRange, replacements, newFirst); err != nil {
		return err
	}
	for _, seg := range inRange {
		if err := store.Delete(seg); err != nil {
			level.Error(c.logger).Log("msg", "failed to delete superseded segment", "segment", seg.Info().ID, "err", err)
		}
	}
	c.metrics.majorPasses.Inc()
	return nil
}

// filterKeep consults the filter for a minor pass; filter handler errors
// (reported by the runtime as keep=true, policy irrelevant) already come
// back conservative from Filterer, so here we just honor the verdict.
func (c *Compactor) filterKeep(entry types.Entry, fc FilterContext) bool {
	keep, _ := c.filterer.Filter(entry, fc)
	return keep
}

// filterKeepMajor retains an entry unless it is registered PolicyMajor
// and the filter, consulted with the compaction watermark, says discard.
// This resolves the spec's flagged open question in favor of "only
// commits older than the compaction index are eligible for removal".
func (c *Compactor) filterKeepMajor(entry types.Entry, compactionIndex uint64) bool {
	keep, policy := c.filterer.Filter(entry, FilterContext{Major: true, CompactionIndex: compactionIndex})
	if policy != PolicyMajor {
		return true
	}
	return keep
}

// segmentOccupancy estimates how "full" a sealed segment's surviving
// entry count is relative to its original index span, used to decide
// whether adjacent segments should be merged during a major pass.
func segmentOccupancy(seg *segment.Segment) float64 {
	info := seg.Info()
	span := info.MaxIndex - info.MinIndex + 1
	if span == 0 {
		return 1
	}
	live := 0
	for idx := info.MinIndex; idx <= info.MaxIndex; idx++ {
		if _, err := seg.ReadByIndex(idx); err == nil {
			live++
		}
	}
	return float64(live) / float64(span)
}
