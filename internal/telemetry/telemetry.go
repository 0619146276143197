// SPDX-License-Identifier: MIT

// Package telemetry publishes device status, lifecycle events, and periodic
// metrics to an MQTT broker. Publishing is best-effort: failures are logged
// and counted, never surfaced into stream control flow.
package telemetry

import (
	"context"
	"time"

	"github.com/picamctl/picamctl/internal/config"
)

// StatusPayload is the retained device status document.
type StatusPayload struct {
	DeviceID  string                `json:"device_id"`
	State     string                `json:"state"`
	Streaming bool                  `json:"streaming"`
	Settings  config.CameraSettings `json:"settings"`
	Timestamp time.Time             `json:"timestamp"`
}

// Event is a one-shot lifecycle notification such as stream_started or
// snapshot_taken.
type Event struct {
	Type      string         `json:"type"`
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// MetricsPayload is the periodic runtime metrics document.
type MetricsPayload struct {
	DeviceID      string    `json:"device_id"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	Streaming     bool      `json:"streaming"`
	CrashCount    int       `json:"crash_count"`
	SegmentCount  int       `json:"segment_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher delivers telemetry documents to the outside world.
type Publisher interface {
	PublishState(ctx context.Context, p StatusPayload) error
	PublishEvent(ctx context.Context, e Event) error
	PublishMetrics(ctx context.Context, p MetricsPayload) error
	Close(ctx context.Context) error
}

// NopPublisher discards everything. Used when MQTT is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishState(context.Context, StatusPayload) error    { return nil }
func (NopPublisher) PublishEvent(context.Context, Event) error            { return nil }
func (NopPublisher) PublishMetrics(context.Context, MetricsPayload) error { return nil }
func (NopPublisher) Close(context.Context) error                          { return nil }
