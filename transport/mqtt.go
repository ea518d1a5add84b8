// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Compile-time interface checks.
var (
	_ Broker = (*MQTTBroker)(nil)
	_ Conn   = (*mqttConn)(nil)
)

const (
	defaultKeepAlive    = 30 * time.Second
	disconnectQuiesceMS = 250
)

// MQTTConfig configures an MQTTBroker.
type MQTTConfig struct {
	// URL is the broker address, e.g. "tcp://host:1883" or
	// "ssl://host:8883".
	URL string

	// KeepAlive is the MQTT keepalive interval. Defaults to 30s.
	KeepAlive time.Duration

	// Logger receives connection events and Paho's own error output.
	// Nil discards.
	Logger *slog.Logger
}

// MQTTBroker dials an MQTT 3.1.1 broker with Paho.
type MQTTBroker struct {
	url       string
	tls       bool
	keepAlive time.Duration
	logger    *slog.Logger
}

var pahoLoggerOnce sync.Once

// NewMQTTBroker validates cfg and returns a Broker.
func NewMQTTBroker(cfg MQTTConfig) (*MQTTBroker, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid broker URL %q: %w", cfg.URL, err)
	}
	var useTLS bool
	switch parsed.Scheme {
	case "tcp", "mqtt":
	case "ssl", "tls", "mqtts":
		useTLS = true
	default:
		return nil, fmt.Errorf("transport: unsupported broker scheme %q", parsed.Scheme)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	// Paho logs through package-level loggers.
	pahoLoggerOnce.Do(func() {
		mqtt.ERROR = slog.NewLogLogger(logger.Handler(), slog.LevelError)
		mqtt.CRITICAL = slog.NewLogLogger(logger.Handler(), slog.LevelError)
	})

	return &MQTTBroker{url: cfg.URL, tls: useTLS, keepAlive: keepAlive, logger: logger}, nil
}

// Dial connects with options. Auto-reconnect is disabled; the caller
// handles OnConnectionLost.
func (b *MQTTBroker) Dial(ctx context.Context, options DialOptions) (Conn, error) {
	conn := &mqttConn{logger: b.logger.With("client_id", options.ClientID)}

	clientOptions := mqtt.NewClientOptions().
		AddBroker(b.url).
		SetClientID(options.ClientID).
		SetUsername(options.Username).
		SetPassword(options.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(b.keepAlive).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			conn.logger.Warn("mqtt connection lost", "error", err)
			if options.OnConnectionLost != nil {
				options.OnConnectionLost(err)
			}
		})
	if options.ConnectTimeout > 0 {
		clientOptions.SetConnectTimeout(options.ConnectTimeout)
	}
	if b.tls {
		// Deployed brokers present self-signed certificates.
		clientOptions.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec
	}

	client := mqtt.NewClient(clientOptions)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, classifyConnectError(err)
	}
	conn.client = client
	b.logger.Info("mqtt connected", "broker", b.url, "client_id", options.ClientID)
	return conn, nil
}

// classifyConnectError maps CONNACK refusals caused by credentials to
// ErrAuthRejected.
func classifyConnectError(err error) error {
	if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return fmt.Errorf("%w: %w", ErrAuthRejected, err)
	}
	return fmt.Errorf("transport: mqtt connect: %w", err)
}

// wait blocks until token completes or ctx ends.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttConn struct {
	client mqtt.Client
	logger *slog.Logger
}

func (c *mqttConn) Publish(ctx context.Context, message Message) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if len(message.Properties) > 0 {
		c.logger.Debug("mqtt 3.1.1 cannot carry message properties",
			"topic", message.Topic,
			"properties", len(message.Properties),
		)
	}
	if err := wait(ctx, c.client.Publish(message.Topic, message.QoS, false, message.Payload)); err != nil {
		return fmt.Errorf("transport: publish %s: %w", message.Topic, err)
	}
	return nil
}

func (c *mqttConn) Subscribe(ctx context.Context, filter string, qos byte, handler Handler) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	callback := func(_ mqtt.Client, received mqtt.Message) {
		handler(Message{
			Topic:   received.Topic(),
			Payload: received.Payload(),
			QoS:     received.Qos(),
		})
	}
	if err := wait(ctx, c.client.Subscribe(filter, qos, callback)); err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", filter, err)
	}
	return nil
}

func (c *mqttConn) Close() error {
	c.client.Disconnect(disconnectQuiesceMS)
	return nil
}
