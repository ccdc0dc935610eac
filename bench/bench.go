// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package bench measures append/commit latency against a real
// raftlog.Log, generalizing the teacher's WAL-vs-Bolt comparison into a
// single-subject HdrHistogram-based harness. Apply latency through
// fsm.Runtime is not measured.
package bench

import (
	"fmt"

	"github.com/HdrHistogram/hdrhistogram-go"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"

	"github.com/go-kit/log"
	"github.com/xycpand/atomix/raftlog"
)

// Harness holds a raftlog.Log and the HdrHistograms that per-call append
// and commit latencies, in microseconds, are recorded into; the caller
// drives the appends and commits and times them.
type Harness struct {
	Log *raftlog.Log

	Append *hdrhistogram.Histogram
	Commit *hdrhistogram.Histogram
}

// NewHarness opens a raftlog.Log rooted at dir (flush-on-commit enabled)
// and wires up the histograms used by RecordAppend/RecordCommit. Both
// histograms record latencies from 1us to 10s (10_000_000us) at 3
// significant digits.
func NewHarness(dir string, segmentSize int) (*Harness, error) {
	l, err := raftlog.Open(dir, segmentSize, true, log.NewNopLogger(), nil)
	if err != nil {
		return nil, err
	}
	return &Harness{
		Log:    l,
		Append: hdrhistogram.New(1, 10_000_000, 3),
		Commit: hdrhistogram.New(1, 10_000_000, 3),
	}, nil
}

// RecordAppend records one append's latency, measured by the caller
// (so the timed section excludes payload construction).
func (h *Harness) RecordAppend(microseconds int64) error {
	return h.Append.RecordValue(microseconds)
}

// RecordCommit records one commit's latency.
func (h *Harness) RecordCommit(microseconds int64) error {
	return h.Commit.RecordValue(microseconds)
}

// WriteDistributions dumps both histograms as percentile distribution
// files (the ".hgrm" format gnuplot/HdrHistogram's plotFiles.sh expects),
// the same artifact the teacher's bench tooling produces for the
// append/GetLogs comparisons.
func (h *Harness) WriteDistributions(dir string) error {
	if err := hdrwriter.WriteDistributionFile(h.Append, hdrwriter.Percentiles, 1.0, fmt.Sprintf("%s/append.hgrm", dir)); err != nil {
		return fmt.Errorf("writing append distribution: %w", err)
	}
	if err := hdrwriter.WriteDistributionFile(h.Commit, hdrwriter.Percentiles, 1.0, fmt.Sprintf("%s/commit.hgrm", dir)); err != nil {
		return fmt.Errorf("writing commit distribution: %w", err)
	}
	return nil
}

// Close releases the underlying log.
func (h *Harness) Close() error { return h.Log.Close() }
