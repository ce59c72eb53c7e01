// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package metering

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_decisions_total",
			Help: "Total number of pre-call enforcement decisions by verdict",
		},
		[]string{"verdict"},
	)
	promDeniedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meterflow_denied_requests_total",
			Help: "Total number of requests denied before reaching a provider",
		},
	)
	promEventsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_usage_events_total",
			Help: "Total number of usage events recorded",
		},
		[]string{"provider", "outcome"},
	)
	promUnpricedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meterflow_unpriced_events_total",
			Help: "Total number of events costed at the fallback rate",
		},
	)
	promRecordDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meterflow_record_duration_milliseconds",
			Help:    "Duration of the record-and-aggregate write path in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)
	promAlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterflow_alerts_fired_total",
			Help: "Total number of usage alerts fired",
		},
		[]string{"severity"},
	)
)

func init() {
	prometheus.MustRegister(promDecisionsTotal)
	prometheus.MustRegister(promDeniedRequests)
	prometheus.MustRegister(promEventsRecorded)
	prometheus.MustRegister(promUnpricedEvents)
	prometheus.MustRegister(promRecordDuration)
	prometheus.MustRegister(promAlertsFired)
}
