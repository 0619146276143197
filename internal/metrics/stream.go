// SPDX-License-Identifier: MIT

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamStartTotal tracks the outcome of pipeline start attempts.
	StreamStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picam_stream_start_total",
		Help: "Total number of pipeline start attempts by result",
	}, []string{"result"})

	// StreamRestartTotal tracks pipeline restarts by trigger.
	StreamRestartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picam_stream_restart_total",
		Help: "Total number of pipeline restarts by trigger",
	}, []string{"trigger"})

	// StreamCrashTotal counts unexpected child exits while streaming.
	StreamCrashTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "picam_stream_crash_total",
		Help: "Total number of unexpected pipeline process exits",
	})

	// StreamStartupLatency tracks the time from start request to a ready playlist.
	StreamStartupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "picam_stream_startup_latency_seconds",
		Help:    "Time from start request to playlist availability",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 20, 30},
	})

	// StreamState reports the current supervisor state as a one-hot gauge.
	StreamState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "picam_stream_state",
		Help: "Current supervisor state (1 for the active state, 0 otherwise)",
	}, []string{"state"})

	// SegmentWindowFiles reports the number of segment files currently on disk.
	SegmentWindowFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picam_segment_window_files",
		Help: "Number of HLS segment files currently retained",
	})
)

// IncStreamStart records a pipeline start attempt outcome.
func IncStreamStart(result string) {
	StreamStartTotal.WithLabelValues(result).Inc()
}

// IncStreamRestart records a pipeline restart by trigger ("user" or "crash").
func IncStreamRestart(trigger string) {
	StreamRestartTotal.WithLabelValues(trigger).Inc()
}

// ObserveStartupLatency records the time until the playlist became available.
func ObserveStartupLatency(d time.Duration) {
	StreamStartupLatency.Observe(d.Seconds())
}

// SetStreamState flips the one-hot state gauge to the given state.
func SetStreamState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		StreamState.WithLabelValues(s).Set(v)
	}
}
