// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus collectors for the camera supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProcTerminateTotal tracks termination signals sent to managed process groups.
	ProcTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picam_proc_terminate_total",
		Help: "Total number of termination signals sent to managed process groups",
	}, []string{"signal", "result"})

	// ProcWaitTotal tracks reaped child exits by outcome.
	ProcWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picam_proc_wait_total",
		Help: "Total number of reaped child process exits by outcome",
	}, []string{"result"})

	// ProcSpawnTotal tracks child process spawns by role and result.
	ProcSpawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picam_proc_spawn_total",
		Help: "Total number of child process spawns by role and result",
	}, []string{"role", "result"})
)

// IncProcTerminate records a termination signal outcome.
func IncProcTerminate(signal, result string) {
	ProcTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncProcWait records a reaped child exit outcome.
func IncProcWait(result string) {
	ProcWaitTotal.WithLabelValues(result).Inc()
}

// IncProcSpawn records a child spawn attempt.
func IncProcSpawn(role, result string) {
	ProcSpawnTotal.WithLabelValues(role, result).Inc()
}
