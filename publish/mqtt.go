package publish

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the decision topic.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Retained bool
	Timeout  time.Duration
}

// MQTTSink publishes records as JSON to an MQTT topic. With Retained set the
// broker keeps the latest decision for late subscribers such as the heater.
type MQTTSink struct {
	client  mqtt.Client
	cfg     MQTTConfig
	timeout time.Duration
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt broker and topic are required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.QoS)
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	sink := newMQTTSink(client, cfg)
	token := client.Connect()
	if !token.WaitTimeout(sink.timeout) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.Broker, err)
	}
	return sink, nil
}

func newMQTTSink(client mqtt.Client, cfg MQTTConfig) *MQTTSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTSink{client: client, cfg: cfg, timeout: timeout}
}

// Publish implements Sink.
func (s *MQTTSink) Publish(ctx context.Context, r Record) error {
	payload, err := encode(r)
	if err != nil {
		return err
	}

	token := s.client.Publish(s.cfg.Topic, s.cfg.QoS, s.cfg.Retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.timeout):
		return fmt.Errorf("timed out publishing to %s", s.cfg.Topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.cfg.Topic, err)
	}
	return nil
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
