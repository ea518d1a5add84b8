// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/turnstile-access/turnstile/lib/clock"
	"github.com/turnstile-access/turnstile/protocol"
	"github.com/turnstile-access/turnstile/session"
	"github.com/turnstile-access/turnstile/transport"
)

const recordTimeout = 5 * time.Second

// Watcher records device_info broadcasts into a Directory.
type Watcher struct {
	directory Directory
	clock     clock.Clock
	logger    *slog.Logger
}

// NewWatcher returns a Watcher writing to directory.
func NewWatcher(directory Directory, clk clock.Clock, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{directory: directory, clock: clk, logger: logger}
}

// Subscription returns the session subscription that feeds the
// watcher.
func (w *Watcher) Subscription() session.Subscription {
	return session.Subscription{Filter: protocol.TopicDeviceInfo, QoS: 1, Handler: w.Handle}
}

// Handle decodes one device_info message and records it. Malformed
// messages are logged and dropped.
func (w *Watcher) Handle(message transport.Message) {
	var info protocol.DeviceInfo
	if err := json.Unmarshal(message.Payload, &info); err != nil {
		w.logger.Warn("malformed device_info", "error", err)
		return
	}
	if info.Room == "" || info.MacAddress == "" {
		w.logger.Warn("device_info without room or address", "room", info.Room, "device_id", info.MacAddress)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := w.directory.Record(ctx, Announcement{
		Room:     info.Room,
		DeviceID: info.MacAddress,
		SeenAt:   w.clock.Now(),
	})
	if err != nil {
		w.logger.Warn("recording device_info", "room", info.Room, "device_id", info.MacAddress, "error", err)
		return
	}
	w.logger.Debug("device announced", "room", info.Room, "device_id", info.MacAddress)
}
