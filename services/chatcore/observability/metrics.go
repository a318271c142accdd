// Copyright (C) 2026 Lantern Contributors (dev@lanternhq.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat core.
//
// # Description
//
// Tracks stream lifecycle, token throughput, reconciliation health, and
// cancellation behavior. Metrics are registered against an injected
// registerer rather than the package-global default, so embedders and tests
// each get an isolated set.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "lantern"

// Subsystem for chat core metrics
const chatSubsystem = "chat"

// Outcome labels a finished stream.
type Outcome string

const (
	// OutcomeComplete means the stream ran to its done frame.
	OutcomeComplete Outcome = "complete"

	// OutcomeStopped means the user halted the stream.
	OutcomeStopped Outcome = "stopped"

	// OutcomeError means the stream ended on an error frame or transport
	// failure.
	OutcomeError Outcome = "error"
)

// ChatMetrics holds all Prometheus metrics for the chat core.
//
// # Fields
//
//   - StreamsTotal: Counter of finished streams by outcome
//   - TokensTotal: Counter of token fragments received
//   - TimeToFirstTokenSeconds: Histogram of send-to-first-token latency
//   - StreamDurationSeconds: Histogram of total stream duration by outcome
//   - ActiveStreams: Gauge of in-flight streams (0 or 1 per engine)
//   - StopsTotal: Counter of stop requests by result (converged, forced)
//   - ReconcileFailuresTotal: Counter of post-stream reconciliation failures
//   - DroppedFramesTotal: Counter of frames discarded for a dead message id
type ChatMetrics struct {
	StreamsTotal            *prometheus.CounterVec
	TokensTotal             prometheus.Counter
	TimeToFirstTokenSeconds prometheus.Histogram
	StreamDurationSeconds   *prometheus.HistogramVec
	ActiveStreams           prometheus.Gauge
	StopsTotal              *prometheus.CounterVec
	ReconcileFailuresTotal  prometheus.Counter
	DroppedFramesTotal      prometheus.Counter
}

// NewChatMetrics creates and registers the chat core metrics against reg.
//
// # Inputs
//
//   - reg: target registerer. Use prometheus.DefaultRegisterer in main and
//     prometheus.NewRegistry() in tests.
//
// # Limitations
//
//   - Panics on duplicate registration against the same registerer.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	factory := promauto.With(reg)

	return &ChatMetrics{
		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "streams_total",
				Help:      "Total finished streams by outcome",
			},
			[]string{"outcome"},
		),

		TokensTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_total",
				Help:      "Total token fragments received",
			},
		),

		TimeToFirstTokenSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from send to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds by outcome",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streams",
			},
		),

		StopsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stops_total",
				Help:      "Total stop requests by result",
			},
			[]string{"result"},
		),

		ReconcileFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "reconcile_failures_total",
				Help:      "Total reconciliation fetches that failed after a stream",
			},
		),

		DroppedFramesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "dropped_frames_total",
				Help:      "Total frames discarded because their message was no longer tracked",
			},
		),
	}
}

// =============================================================================
// Stop Results
// =============================================================================

// StopResult labels the stops_total counter.
type StopResult string

const (
	// StopResultConverged means the server acknowledged the stop.
	StopResultConverged StopResult = "converged"

	// StopResultForced means local convergence happened without a server
	// acknowledgement (detached channel, send failure).
	StopResultForced StopResult = "forced"
)
