// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/picamctl/picamctl/internal/config"
	"github.com/picamctl/picamctl/internal/log"
	"github.com/picamctl/picamctl/internal/metrics"
)

// ConnState is the publisher's explicit connection state. Transitions are
// driven by ensureConnected and the paho connection-lost callback, never
// inferred from publish errors.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	topicStatus  = "status"
	topicEvents  = "events"
	topicMetrics = "metrics"

	connectTimeout = 5 * time.Second
	publishTimeout = 5 * time.Second
)

// MQTTPublisher publishes telemetry documents over MQTT. Status messages are
// retained so subscribers see the latest state immediately.
type MQTTPublisher struct {
	client    mqtt.Client
	baseTopic string
	logger    zerolog.Logger

	mu    sync.Mutex
	state ConnState
}

// NewMQTT builds a publisher for the given broker configuration. The broker
// connection is established lazily on first publish so a slow or absent
// broker never delays daemon startup.
func NewMQTT(cfg config.MQTTRuntime, deviceID string) *MQTTPublisher {
	p := &MQTTPublisher{
		baseTopic: cfg.BaseTopic,
		logger:    log.WithComponent("telemetry"),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID("picamctld-" + deviceID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setState(Disconnected)
		p.logger.Warn().Err(err).Msg("mqtt connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.setState(Connected)
		p.logger.Info().Str("broker", cfg.BrokerURL).Msg("mqtt connected")
	})

	p.client = mqtt.NewClient(opts)
	return p
}

// State returns the current connection state.
func (p *MQTTPublisher) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *MQTTPublisher) setState(s ConnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// ensureConnected brings the client to Connected, or reports why it cannot.
// Calling it while already connected is a no-op, so every publish path can
// run it unconditionally.
func (p *MQTTPublisher) ensureConnected(ctx context.Context) error {
	p.mu.Lock()
	if p.state == Connected && p.client.IsConnectionOpen() {
		p.mu.Unlock()
		return nil
	}
	if p.state == Connecting {
		p.mu.Unlock()
		return fmt.Errorf("mqtt connect already in progress")
	}
	p.state = Connecting
	p.mu.Unlock()

	token := p.client.Connect()
	if !waitToken(ctx, token, connectTimeout) {
		p.setState(Disconnected)
		return fmt.Errorf("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		p.setState(Disconnected)
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.setState(Connected)
	return nil
}

// PublishState publishes the retained status document.
func (p *MQTTPublisher) PublishState(ctx context.Context, payload StatusPayload) error {
	return p.publish(ctx, topicStatus, payload, true)
}

// PublishEvent publishes a one-shot lifecycle event.
func (p *MQTTPublisher) PublishEvent(ctx context.Context, e Event) error {
	return p.publish(ctx, topicEvents, e, false)
}

// PublishMetrics publishes the periodic metrics document.
func (p *MQTTPublisher) PublishMetrics(ctx context.Context, payload MetricsPayload) error {
	return p.publish(ctx, topicMetrics, payload, false)
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, v any, retained bool) error {
	if err := p.ensureConnected(ctx); err != nil {
		metrics.IncTelemetryPublish(topic, "connect_error")
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		metrics.IncTelemetryPublish(topic, "encode_error")
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}

	full := p.baseTopic + "/" + topic
	token := p.client.Publish(full, 1, retained, data)
	if !waitToken(ctx, token, publishTimeout) {
		metrics.IncTelemetryPublish(topic, "timeout")
		return fmt.Errorf("publish %s timed out", full)
	}
	if err := token.Error(); err != nil {
		metrics.IncTelemetryPublish(topic, "error")
		return fmt.Errorf("publish %s: %w", full, err)
	}

	metrics.IncTelemetryPublish(topic, "ok")
	return nil
}

// Close flushes outstanding messages and disconnects.
func (p *MQTTPublisher) Close(context.Context) error {
	if p.client.IsConnectionOpen() {
		p.client.Disconnect(uint(publishTimeout.Milliseconds()))
	}
	p.setState(Disconnected)
	return nil
}

// waitToken waits for a paho token bounded by both the context and a fixed
// timeout. Paho tokens have no context support of their own.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-token.Done():
		return true
	case <-ctx.Done():
		return false
	case <-deadline.C:
		return false
	}
}
