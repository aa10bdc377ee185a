// SPDX-License-Identifier: MIT

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "worker_messages_total",
		Help:      "Stream entries handled by outcome",
	}, []string{"outcome"})

	staleClaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clipline",
		Name:      "worker_stale_claims_total",
		Help:      "Pending entries reclaimed from unresponsive consumers",
	})
)
