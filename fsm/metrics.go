// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package fsm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type runtimeMetrics struct {
	applied            prometheus.Counter
	applyErrors        prometheus.Counter
	sessionsRegistered prometheus.Counter
	sessionTransitions *prometheus.CounterVec
}

func newRuntimeMetrics(reg prometheus.Registerer) *runtimeMetrics {
	return &runtimeMetrics{
		applied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fsm_commits_applied",
			Help: "fsm_commits_applied counts commits successfully handed to an apply handler.",
		}),
		applyErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fsm_apply_errors",
			Help: "fsm_apply_errors counts commits whose apply handler returned or panicked with an error.",
		}),
		sessionsRegistered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fsm_sessions_registered",
			Help: "fsm_sessions_registered counts sessions observed for the first time.",
		}),
		sessionTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsm_session_transitions",
				Help: "fsm_session_transitions counts session state transitions by target state.",
			},
			[]string{"to"},
		),
	}
}
