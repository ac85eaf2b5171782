// Copyright ©2024 The GUDA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package convbench

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for benchmark runs. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	runs            *prometheus.CounterVec
	fallbacks       prometheus.Counter
	engineCalls     *prometheus.CounterVec
	allocatedBytes  *prometheus.CounterVec
	computeDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: "completed", "not_applicable", "fatal"
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convbench_runs_total",
			Help: "Negotiated convolution runs by outcome",
		}, []string{"outcome"}),

		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "convbench_strategy_fallbacks_total",
			Help: "Precompute requests that fell back to the compute strategy",
		}),

		engineCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convbench_engine_calls_total",
			Help: "Engine calls by protocol mode and returned status",
		}, []string{"mode", "status"}),

		allocatedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "convbench_allocated_bytes_total",
			Help: "Bytes allocated by the negotiator by buffer kind",
		}, []string{"kind"}),

		computeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convbench_compute_duration_seconds",
			Help:    "Wall time of the engine compute call",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12),
		}, []string{"algorithm"}),
	}
}

func (m *Metrics) observeRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeFallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) observeEngineCall(mode Mode, status Status) {
	if m == nil {
		return
	}
	m.engineCalls.WithLabelValues(mode.String(), status.String()).Inc()
}

func (m *Metrics) observeAllocation(kind BufferKind, size int) {
	if m == nil {
		return
	}
	m.allocatedBytes.WithLabelValues(kind.String()).Add(float64(size))
}

func (m *Metrics) observeCompute(algorithm Algorithm, d time.Duration) {
	if m == nil {
		return
	}
	m.computeDuration.WithLabelValues(algorithm.String()).Observe(d.Seconds())
}
