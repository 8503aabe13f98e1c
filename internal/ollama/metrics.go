// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records request outcomes for a Client. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates client metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gemlet",
				Subsystem: "inference",
				Name:      "requests_total",
				Help:      "Generation requests by outcome.",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gemlet",
				Subsystem: "inference",
				Name:      "request_duration_seconds",
				Help:      "Generation round-trip time in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

// outcome returns the label value for err.
func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return KindOf(err).String()
}

// Observe records one request that finished with err after elapsed.
func (m *Metrics) Observe(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := outcome(err)
	m.requests.WithLabelValues(label).Inc()
	m.duration.WithLabelValues(label).Observe(elapsed.Seconds())
}
