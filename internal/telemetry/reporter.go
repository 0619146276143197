// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/picamctl/picamctl/internal/log"
)

// Reporter periodically publishes status and metrics documents built by the
// supplied callbacks. Publish failures are logged and the loop keeps going.
type Reporter struct {
	pub    Publisher
	logger zerolog.Logger

	statusInterval  time.Duration
	metricsInterval time.Duration

	statusFn  func() StatusPayload
	metricsFn func() MetricsPayload
}

// NewReporter wires the periodic publish loop.
func NewReporter(pub Publisher, statusInterval, metricsInterval time.Duration,
	statusFn func() StatusPayload, metricsFn func() MetricsPayload) *Reporter {
	return &Reporter{
		pub:             pub,
		logger:          log.WithComponent("telemetry"),
		statusInterval:  statusInterval,
		metricsInterval: metricsInterval,
		statusFn:        statusFn,
		metricsFn:       metricsFn,
	}
}

// Run publishes on both intervals until the context is canceled. An initial
// status is published immediately so the retained topic is populated at boot.
func (r *Reporter) Run(ctx context.Context) error {
	if err := r.pub.PublishState(ctx, r.statusFn()); err != nil {
		r.logger.Warn().Err(err).Msg("initial status publish failed")
	}

	statusTicker := time.NewTicker(r.statusInterval)
	defer statusTicker.Stop()
	metricsTicker := time.NewTicker(r.metricsInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-statusTicker.C:
			if err := r.pub.PublishState(ctx, r.statusFn()); err != nil {
				r.logger.Warn().Err(err).Msg("status publish failed")
			}
		case <-metricsTicker.C:
			if err := r.pub.PublishMetrics(ctx, r.metricsFn()); err != nil {
				r.logger.Warn().Err(err).Msg("metrics publish failed")
			}
		}
	}
}
