// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for MC3 Runs
// =============================================================================

var (
	// swapAttempts counts proposed swaps. Labels: from, to (chain indices).
	swapAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mc3",
		Subsystem: "swap",
		Name:      "attempts_total",
		Help:      "Total proposed chain swaps",
	}, []string{"from", "to"})

	// swapAccepts counts accepted swaps. Labels: from, to.
	swapAccepts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mc3",
		Subsystem: "swap",
		Name:      "accepts_total",
		Help:      "Total accepted chain swaps",
	}, []string{"from", "to"})

	// roundDuration measures one swap round, barrier included.
	roundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mc3",
		Subsystem: "supervisor",
		Name:      "round_duration_seconds",
		Help:      "Duration of one swap round",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// roundsTotal counts completed rounds.
	roundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mc3",
		Subsystem: "supervisor",
		Name:      "rounds_total",
		Help:      "Total completed swap rounds",
	})

	// coldLogLikelihood is the log-likelihood of the cold chain after the
	// latest round.
	coldLogLikelihood = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mc3",
		Subsystem: "chain",
		Name:      "cold_log_likelihood",
		Help:      "Log-likelihood of the cold chain after the latest round",
	})

	// workerFailures counts fatal worker failures. Labels: command.
	workerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mc3",
		Subsystem: "worker",
		Name:      "failures_total",
		Help:      "Total worker failures by command in flight",
	}, []string{"command"})

	// clusterInitRetries counts failed cluster growth passes.
	clusterInitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mc3",
		Subsystem: "clusters",
		Name:      "init_retries_total",
		Help:      "Total failed cluster initialization passes",
	})
)

// RecordSwap counts one swap decision between chains a and b.
func RecordSwap(a, b int, accepted bool) {
	from, to := strconv.Itoa(a), strconv.Itoa(b)
	swapAttempts.WithLabelValues(from, to).Inc()
	if accepted {
		swapAccepts.WithLabelValues(from, to).Inc()
	}
}

// ObserveRound records a completed round.
func ObserveRound(d time.Duration) {
	roundDuration.Observe(d.Seconds())
	roundsTotal.Inc()
}

// SetColdLogLikelihood updates the cold chain gauge.
func SetColdLogLikelihood(v float64) {
	coldLogLikelihood.Set(v)
}

// RecordWorkerFailure counts a worker failure during command.
func RecordWorkerFailure(command string) {
	if command == "" {
		command = "unknown"
	}
	workerFailures.WithLabelValues(command).Inc()
}

// RecordClusterRetry counts a failed cluster growth pass.
func RecordClusterRetry() {
	clusterInitRetries.Inc()
}
