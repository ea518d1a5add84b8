// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrAuthRejected means the broker refused the username or token.
	ErrAuthRejected = errors.New("transport: credentials rejected")

	// ErrNotConnected is returned by operations on a closed or lost
	// connection.
	ErrNotConnected = errors.New("transport: not connected")
)

// Message is one published payload.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte

	// Properties is application metadata sent alongside the payload
	// where the transport supports it. MQTT 3.1.1 has no header for
	// it, so MQTTBroker drops it on publish and never sets it on
	// receipt.
	Properties map[string]string
}

// Handler receives messages for a subscription. It runs on the
// transport's goroutine and must not block.
type Handler func(Message)

// DialOptions are the per-connection parameters.
type DialOptions struct {
	ClientID string
	Username string
	Password string

	// ConnectTimeout bounds the handshake. Zero means the context's
	// deadline alone.
	ConnectTimeout time.Duration

	// OnConnectionLost is called at most once, from a transport
	// goroutine, when the connection drops without Close having been
	// called.
	OnConnectionLost func(error)
}

// Broker opens connections.
type Broker interface {
	Dial(ctx context.Context, options DialOptions) (Conn, error)
}

// Conn is one live broker connection.
type Conn interface {
	// Publish sends message and waits for the broker to accept it
	// (or for ctx to end).
	Publish(ctx context.Context, message Message) error

	// Subscribe registers handler for topics matching filter, which
	// may contain MQTT + and # wildcards.
	Subscribe(ctx context.Context, filter string, qos byte, handler Handler) error

	// Close disconnects. OnConnectionLost is not called.
	Close() error
}

// MatchTopic reports whether topic matches the MQTT subscription
// filter. '+' matches exactly one level; '#' as the last level
// matches any number of remaining levels, including none.
func MatchTopic(filter, topic string) bool {
	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")
	for i, level := range filterLevels {
		if level == "#" {
			return i == len(filterLevels)-1
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != "+" && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}
