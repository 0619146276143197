// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SnapshotTotal tracks still capture attempts by result.
	SnapshotTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picam_snapshot_total",
		Help: "Total number of still capture attempts by result",
	}, []string{"result"})

	// SnapshotDuration tracks the full pause-capture-resume cycle duration.
	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "picam_snapshot_duration_seconds",
		Help:    "Duration of the pause-capture-resume snapshot cycle",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 20, 30},
	})

	// TelemetryPublishTotal tracks telemetry publish attempts by topic and result.
	TelemetryPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picam_telemetry_publish_total",
		Help: "Total number of telemetry publish attempts by topic and result",
	}, []string{"topic", "result"})
)

// IncSnapshot records a still capture outcome.
func IncSnapshot(result string) {
	SnapshotTotal.WithLabelValues(result).Inc()
}

// ObserveSnapshotDuration records a snapshot cycle duration.
func ObserveSnapshotDuration(d time.Duration) {
	SnapshotDuration.Observe(d.Seconds())
}

// IncTelemetryPublish records a telemetry publish outcome.
func IncTelemetryPublish(topic, result string) {
	TelemetryPublishTotal.WithLabelValues(topic, result).Inc()
}
