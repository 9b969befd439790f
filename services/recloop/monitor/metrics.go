// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// requestLatency is recorded on every observation.
	// Labels: artifact_version, target_id
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aleutian",
		Subsystem: "mlops",
		Name:      "request_latency_seconds",
		Help:      "Latency of served analyses in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"artifact_version", "target_id"})

	// requestsTotal counts observations.
	// Labels: artifact_version, target_id, status (ok, error)
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "mlops",
		Name:      "requests_total",
		Help:      "Total served analyses",
	}, []string{"artifact_version", "target_id", "status"})

	acceptanceRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aleutian",
		Subsystem: "mlops",
		Name:      "acceptance_rate",
		Help:      "Windowed recommendation acceptance rate",
	}, []string{"artifact_version", "target_id"})

	errorRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aleutian",
		Subsystem: "mlops",
		Name:      "error_rate",
		Help:      "Windowed error rate",
	}, []string{"artifact_version", "target_id"})

	latencyP95 = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "aleutian",
		Subsystem: "mlops",
		Name:      "latency_p95_seconds",
		Help:      "Windowed p95 latency in seconds",
	}, []string{"artifact_version", "target_id"})

	memoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aleutian",
		Subsystem: "mlops",
		Name:      "memory_bytes",
		Help:      "Heap bytes in use at the last collection",
	})

	goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aleutian",
		Subsystem: "mlops",
		Name:      "goroutines",
		Help:      "Goroutines at the last collection",
	})

	// alertsTotal counts raised alerts.
	// Labels: alert (acceptance_drop, error_rate, latency_p95)
	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aleutian",
		Subsystem: "mlops",
		Name:      "alerts_total",
		Help:      "Total monitor alerts raised",
	}, []string{"alert"})
)
