// SPDX-License-Identifier: MIT

package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "api_requests_total",
		Help:      "HTTP requests by method and status code",
	}, []string{"method", "status"})

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "api_submissions_total",
		Help:      "Pipeline submissions by outcome",
	}, []string{"outcome"})

	objectsDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "api_object_requests_denied_total",
		Help:      "Signed object downloads denied by reason",
	}, []string{"reason"})
)
