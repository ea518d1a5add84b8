// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/turnstile-access/turnstile/discovery"
	"github.com/turnstile-access/turnstile/lib/clock"
	"github.com/turnstile-access/turnstile/lib/config"
	"github.com/turnstile-access/turnstile/lib/sealed"
	"github.com/turnstile-access/turnstile/lib/sqlitepool"
	"github.com/turnstile-access/turnstile/outbox"
	"github.com/turnstile-access/turnstile/protocol"
	"github.com/turnstile-access/turnstile/session"
	"github.com/turnstile-access/turnstile/transport"
)

// resolvePoll is how often a room lookup is retried while waiting for
// the device to announce itself.
const resolvePoll = 250 * time.Millisecond

type stationOptions struct {
	Config     *config.Config
	Pool       *sqlitepool.Pool
	Broker     transport.Broker
	HTTPClient *http.Client
	Sealer     *sealed.Sealer
	Directory  discovery.Directory
	Clock      clock.Clock
	Logger     *slog.Logger

	// Closers run, in order, when the station closes.
	Closers []func() error
}

// station is an enrollment station's connection to the broker. It
// authenticates like a device, under its own identity, and keeps its
// own outbox so commands survive an unreachable broker.
type station struct {
	session   *session.Session
	queue     *outbox.Queue
	directory discovery.Directory
	clock     clock.Clock
	logger    *slog.Logger
	closers   []func() error
}

func newStation(options stationOptions) (*station, error) {
	cfg := options.Config
	queue, err := outbox.Open(outbox.Config{Pool: options.Pool, Clock: options.Clock, Logger: options.Logger})
	if err != nil {
		return nil, err
	}
	watcher := discovery.NewWatcher(options.Directory, options.Clock, options.Logger)

	stationSession, err := session.New(session.Config{
		DeviceID:       cfg.Device.ID,
		Salt:           cfg.Device.Salt,
		TokenURL:       cfg.TokenURL(),
		HTTPClient:     options.HTTPClient,
		Broker:         options.Broker,
		Outbox:         queue,
		Subscriptions:  []session.Subscription{watcher.Subscription()},
		StateFile:      cfg.Session.StateFile,
		Sealer:         options.Sealer,
		Clock:          options.Clock,
		Logger:         options.Logger,
		ReconnectDelay: cfg.Session.ReconnectDelay,
		ConnectTimeout: cfg.Session.ConnectTimeout,
		PublishTimeout: cfg.Session.PublishTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &station{
		session:   stationSession,
		queue:     queue,
		directory: options.Directory,
		clock:     options.Clock,
		logger:    options.Logger,
		closers:   options.Closers,
	}, nil
}

// connect makes one connection attempt. A failure is reported, not
// returned: commands are queued instead.
func (s *station) connect(ctx context.Context) bool {
	if err := s.session.Start(ctx); err != nil {
		s.logger.Warn("broker unreachable; commands will be queued", "error", err)
		return false
	}
	return true
}

func (s *station) close() error {
	s.session.Disconnect()
	var errs []error
	for _, closer := range s.closers {
		errs = append(errs, closer())
	}
	return errors.Join(errs...)
}

// resolve returns deviceID, or looks up room in the directory. When
// the room is unknown it keeps looking for up to wait, so that a
// device connecting meanwhile can announce itself.
func (s *station) resolve(ctx context.Context, deviceID, room string, wait time.Duration) (string, error) {
	switch {
	case deviceID != "" && room != "":
		return "", errors.New("--device and --room are mutually exclusive")
	case deviceID != "":
		return deviceID, nil
	case room == "":
		return "", errors.New("a target is required: --device or --room")
	}

	deadline := s.clock.Now().Add(wait)
	for {
		resolved, err := s.directory.Resolve(ctx, room)
		if err == nil {
			return resolved, nil
		}
		if !errors.Is(err, discovery.ErrUnknownRoom) || !s.clock.Now().Before(deadline) {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.clock.After(resolvePoll):
		}
	}
}

// send publishes commands to deviceID as one push_biometric message,
// or queues them.
func (s *station) send(ctx context.Context, deviceID string, commands []protocol.Command) (session.Delivery, error) {
	payload, err := protocol.EncodeCommands(commands)
	if err != nil {
		return 0, err
	}
	delivery, err := s.session.PublishOrQueue(ctx, outbox.Message{
		Topic:   protocol.PushBiometricTopic(deviceID),
		Payload: payload,
		QoS:     1,
		Properties: map[string]string{
			"device":   deviceID,
			"commands": strconv.Itoa(len(commands)),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sending to %s: %w", deviceID, err)
	}
	s.logger.Info("commands sent", "device_id", deviceID, "count", len(commands), "delivery", delivery.String())
	return delivery, nil
}
