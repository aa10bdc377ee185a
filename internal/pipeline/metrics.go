// SPDX-License-Identifier: MIT

package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "pipeline_stage_total",
		Help:      "Stage executions by stage and result",
	}, []string{"stage", "result"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clipline",
		Name:      "pipeline_stage_duration_seconds",
		Help:      "Wall-clock stage duration",
		// Stages span from sub-second skips to quarter-hour encodes.
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600, 900},
	}, []string{"stage"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "pipeline_runs_total",
		Help:      "Completed orchestrations by terminal status",
	}, []string{"result"})
)
