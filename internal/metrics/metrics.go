// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cdb"

// Metrics are the prometheus collectors updated by builds, merges and
// updates.  A nil *Metrics is valid and records nothing.
type Metrics struct {
	OperationTotal   *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec

	// MergedRecords counts records by where they ended up during a merge.
	MergedRecords *prometheus.CounterVec
	// BuiltRecords counts records written into finished files.
	BuiltRecords prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		OperationTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of cdb file operations",
			},
			[]string{"operation", "status"}, // operation: build/merge/update, status: success/error
		),
		OperationLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_latency_seconds",
				Help:      "Latency of cdb file operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		MergedRecords: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merged_records_total",
				Help:      "Records seen while merging, by outcome",
			},
			[]string{"outcome"}, // primary/secondary/shadowed/failed
		),
		BuiltRecords: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "built_records_total",
				Help:      "Records written into finished cdb files",
			},
		),
	}
}

// ObserveOperation records the outcome and latency of one operation started
// at start.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.OperationTotal.WithLabelValues(operation, status).Inc()
	m.OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) AddMerged(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MergedRecords.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) AddBuilt(n int64) {
	if m == nil || n == 0 {
		return
	}
	m.BuiltRecords.Add(float64(n))
}
