// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package converge

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// -----------------------------------------------------------------------------
// Engine Metrics
// -----------------------------------------------------------------------------

// Metrics are write-only. The engine never reads them back, so they do not
// affect determinism.

var (
	// runsTotal counts finished runs.
	//
	// Labels:
	//   - outcome: "converged", or an ErrorKind, or "canceled"
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "converge",
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Total engine runs by outcome",
		},
		[]string{"outcome"},
	)

	// runDuration observes wall time per run.
	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "converge",
			Subsystem: "engine",
			Name:      "run_duration_seconds",
			Help:      "Duration of engine runs",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		},
	)

	// cyclesPerRun observes the final cycle index of each run.
	cyclesPerRun = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "converge",
			Subsystem: "engine",
			Name:      "cycles_per_run",
			Help:      "Final cycle index per engine run",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21, 34, 55, 101},
		},
	)

	// factsAddedTotal counts facts accepted into contexts, by key.
	factsAddedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "converge",
			Subsystem: "engine",
			Name:      "facts_added_total",
			Help:      "Total facts accepted by key",
		},
		[]string{"key"},
	)

	// agentExecutionsTotal counts agent executions by status.
	//
	// Labels:
	//   - status: "success" or "failure"
	agentExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "converge",
			Subsystem: "engine",
			Name:      "agent_executions_total",
			Help:      "Total agent executions by status",
		},
		[]string{"status"},
	)

	// invariantFailuresTotal counts failed invariant checks by class.
	invariantFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "converge",
			Subsystem: "engine",
			Name:      "invariant_failures_total",
			Help:      "Total failed invariant checks by class",
		},
		[]string{"class"},
	)
)

// -----------------------------------------------------------------------------
// OTel Instruments
// -----------------------------------------------------------------------------

// The OTel instruments resolve through the global MeterProvider, so they
// are no-ops until telemetry.Init installs one. A CLI run exports them with
// the stdout reader; `serve` exposes them next to the promauto collectors.
var (
	meter = otel.Meter("github.com/AleutianAI/converge/services/converge")

	runCounter, _ = meter.Int64Counter("converge.run.completed",
		metric.WithDescription("Engine runs finished, by outcome"),
		metric.WithUnit("{run}"),
	)
	cycleCounter, _ = meter.Int64Counter("converge.run.cycles",
		metric.WithDescription("Engine cycles executed"),
		metric.WithUnit("{cycle}"),
	)
	factCounter, _ = meter.Int64Counter("converge.run.facts_added",
		metric.WithDescription("Facts merged into run contexts"),
		metric.WithUnit("{fact}"),
	)
)

// recordRun records the outcome of a finished run.
func recordRun(ctx context.Context, outcome string, cycles uint32, elapsed time.Duration) {
	runsTotal.WithLabelValues(outcome).Inc()
	runDuration.Observe(elapsed.Seconds())
	cyclesPerRun.Observe(float64(cycles))
	runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// recordCycle records one executed cycle and the facts it merged.
func recordCycle(ctx context.Context, added int) {
	cycleCounter.Add(ctx, 1)
	if added > 0 {
		factCounter.Add(ctx, int64(added))
	}
}

func recordFactAdded(key ContextKey) {
	factsAddedTotal.WithLabelValues(key.String()).Inc()
}

func recordAgentExecution(ok bool) {
	if ok {
		agentExecutionsTotal.WithLabelValues("success").Inc()
		return
	}
	agentExecutionsTotal.WithLabelValues("failure").Inc()
}

func recordInvariantFailure(class InvariantClass) {
	invariantFailuresTotal.WithLabelValues(class.String()).Inc()
}
