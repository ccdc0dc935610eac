// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package compactor

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/xycpand/atomix/segment"
)

// idlePause bounds how often Run re-walks the segment set when there is
// nothing new to compact; RunMajor's own rate limiter, not this, is what
// actually paces major passes.
const idlePause = 100 * time.Millisecond

// Run drives the compactor's background passes until ctx is cancelled:
// minor compaction walks sealed segments one at a time, and major
// compaction runs whenever the rate limiter admits it, targeting
// commitIndex as the compaction watermark. Background compaction errors
// are logged and the pass is abandoned; the log is left exactly as it
// was before the attempt, since rename is the transaction's commit point
// (spec.md §7).
func (c *Compactor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		for _, seg := range c.sealedSegments() {
			if ctx.Err() != nil {
				return
			}
			if err := c.RunMinor(seg); err != nil {
				level.Error(c.logger).Log("msg", "minor compaction pass failed", "segment", seg.Info().ID, "err", err)
			}
		}

		commitIndex := c.log.CommitIndex()
		if commitIndex > 0 {
			if err := c.RunMajor(ctx, commitIndex); err != nil && ctx.Err() == nil {
				level.Error(c.logger).Log("msg", "major compaction pass failed", "compactionIndex", commitIndex, "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idlePause):
		}
	}
}

func (c *Compactor) sealedSegments() []*segment.Segment {
	segs := c.log.Segments()
	out := make([]*segment.Segment, 0, len(segs))
	for _, seg := range segs {
		if seg.Info().Sealed() {
			out = append(out, seg)
		}
	}
	return out
}
