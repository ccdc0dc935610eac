// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package compactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type compactorMetrics struct {
	minorPasses    prometheus.Counter
	majorPasses    prometheus.Counter
	entriesDropped prometheus.Counter
	entriesKept    prometheus.Counter
}

func newCompactorMetrics(reg prometheus.Registerer) *compactorMetrics {
	return &compactorMetrics{
		minorPasses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_minor_passes",
			Help: "compactor_minor_passes counts completed single-segment compaction passes.",
		}),
		majorPasses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_major_passes",
			Help: "compactor_major_passes counts completed cross-segment compaction passes.",
		}),
		entriesDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_entries_dropped",
			Help: "compactor_entries_dropped counts entries removed by a filter verdict during compaction.",
		}),
		entriesKept: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_entries_kept",
			Help: "compactor_entries_kept counts entries rewritten forward by minor compaction.",
		}),
	}
}
