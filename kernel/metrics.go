// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Invocation outcomes, the "outcome" label of the invocation counter.
const (
	OutcomeOK                = "ok"
	OutcomeTimeout           = "timeout"
	OutcomeExitedAbnormally  = "exited_abnormally"
	OutcomeSecurityViolation = "security_violation"
	OutcomeMisbehavior       = "misbehavior"
	OutcomeError             = "error"
)

// Metrics are the kernel's Prometheus collectors.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	overflows   *prometheus.CounterVec
	cache       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on registerer.
// A nil registerer leaves them unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metrics := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepkernel_invocations_total",
			Help: "Worker invocations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stepkernel_invocation_duration_seconds",
			Help:    "Wall-clock time from spawn to reap.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"operation"}),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepkernel_stream_overflows_total",
			Help: "Worker streams that exceeded their byte cap.",
		}, []string{"stream"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stepkernel_unit_cache_requests_total",
			Help: "Compiled unit cache lookups by result.",
		}, []string{"result"}),
	}
	if registerer != nil {
		registerer.MustRegister(metrics.invocations, metrics.duration, metrics.overflows, metrics.cache)
	}
	return metrics
}

func (m *Metrics) observeInvocation(operation, outcome string, elapsed time.Duration) {
	m.invocations.WithLabelValues(operation, outcome).Inc()
	m.duration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) observeOverflow(stream string) {
	m.overflows.WithLabelValues(stream).Inc()
}

func (m *Metrics) observeCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}
