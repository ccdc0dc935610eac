// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package raftlog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type logMetrics struct {
	appends     prometheus.Counter
	commitIndex prometheus.Gauge
	truncations prometheus.Counter
}

func newLogMetrics(reg prometheus.Registerer) *logMetrics {
	return &logMetrics{
		appends: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_appends",
			Help: "raftlog_appends counts entries appended through the raft log.",
		}),
		commitIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "raftlog_commit_index",
			Help: "raftlog_commit_index is the highest index known durably committed.",
		}),
		truncations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "raftlog_truncations",
			Help: "raftlog_truncations counts calls to Truncate.",
		}),
	}
}
