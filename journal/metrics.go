// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type journalMetrics struct {
	appends      prometheus.Counter
	bytesWritten prometheus.Counter
	rotations    prometheus.Counter
	truncations  prometheus.Counter
}

func newJournalMetrics(reg prometheus.Registerer) *journalMetrics {
	return &journalMetrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "journal_appends",
			Help: "journal_appends counts the number of entries appended to the journal.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "journal_entry_bytes_written",
			Help: "journal_entry_bytes_written counts payload bytes appended, before framing overhead.",
		}),
		rotations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "journal_segment_rotations",
			Help: "journal_segment_rotations counts how many times the active tail segment was rolled.",
		}),
		truncations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "journal_truncations",
			Help: "journal_truncations counts calls to Truncate.",
		}),
	}
}
