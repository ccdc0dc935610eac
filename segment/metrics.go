// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type storeMetrics struct {
	segmentsCreated prometheus.Counter
	segmentsDeleted prometheus.Counter
	crcFailures     prometheus.Counter
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		segmentsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_files_created",
			Help: "segment_files_created counts segment files allocated on disk.",
		}),
		segmentsDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_files_deleted",
			Help: "segment_files_deleted counts segment files removed from disk, by compaction or truncation.",
		}),
		crcFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "segment_crc_failures",
			Help: "segment_crc_failures counts records whose CRC32 trailer failed to validate on read.",
		}),
	}
}
