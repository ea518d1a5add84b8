// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turnstile-access/turnstile/access"
	"github.com/turnstile-access/turnstile/credential"
	"github.com/turnstile-access/turnstile/lib/clock"
	"github.com/turnstile-access/turnstile/lib/config"
	"github.com/turnstile-access/turnstile/lib/sealed"
	"github.com/turnstile-access/turnstile/lib/sqlitepool"
	"github.com/turnstile-access/turnstile/outbox"
	"github.com/turnstile-access/turnstile/protocol"
	"github.com/turnstile-access/turnstile/sensor"
	"github.com/turnstile-access/turnstile/session"
	"github.com/turnstile-access/turnstile/transport"
)

// outboxRetention is how long sent outbox rows are kept.
const outboxRetention = 24 * time.Hour

// deviceOptions are the collaborators a Device is built from. main
// supplies real ones; tests supply in-memory ones.
type deviceOptions struct {
	Config     *config.Config
	Pool       *sqlitepool.Pool
	Broker     transport.Broker
	HTTPClient *http.Client
	Sealer     *sealed.Sealer
	Relay      Relay
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Device is one access device's running state.
type Device struct {
	id                  string
	room                string
	healthcheckInterval time.Duration
	unlockDuration      time.Duration
	scanTimeout         time.Duration

	store     *credential.Store
	queue     *outbox.Queue
	session   *session.Session
	loop      *session.Loop
	evaluator *access.Evaluator
	relay     Relay
	door      *sensor.Debouncer[bool]
	scans     *scanner
	clock     clock.Clock
	logger    *slog.Logger
	startedAt time.Time

	mu           sync.Mutex
	lastDecision *access.Decision
	lastCommand  time.Time
}

func newDevice(options deviceOptions) (*Device, error) {
	cfg := options.Config
	logger := options.Logger.With("device_id", cfg.Device.ID)

	store, err := credential.Open(credential.Config{
		Pool:           options.Pool,
		Clock:          options.Clock,
		Logger:         logger,
		FaceDimensions: cfg.Access.FaceDimensions,
		SlotCapacity:   cfg.Access.FingerCapacity,
	})
	if err != nil {
		return nil, err
	}
	queue, err := outbox.Open(outbox.Config{Pool: options.Pool, Clock: options.Clock, Logger: logger})
	if err != nil {
		return nil, err
	}
	evaluator, err := access.NewEvaluator(access.Config{
		Reader:        store,
		FaceThreshold: cfg.Access.FaceThreshold,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	device := &Device{
		id:                  cfg.Device.ID,
		room:                cfg.Device.Room,
		healthcheckInterval: cfg.Healthcheck.Interval,
		unlockDuration:      cfg.Access.UnlockDuration,
		scanTimeout:         cfg.Access.ScanTimeout,
		store:               store,
		queue:               queue,
		loop:                session.NewLoop(),
		evaluator:           evaluator,
		relay:               options.Relay,
		clock:               options.Clock,
		logger:              logger,
		startedAt:           options.Clock.Now(),
	}
	if device.relay == nil {
		device.relay = loggingRelay{logger: logger}
	}
	device.door = sensor.NewDebouncer(options.Clock, cfg.Access.DoorDebounce, device.doorChanged)
	device.scans = newScanner(device)

	device.session, err = session.New(session.Config{
		DeviceID:   cfg.Device.ID,
		Salt:       cfg.Device.Salt,
		TokenURL:   cfg.TokenURL(),
		HTTPClient: options.HTTPClient,
		Broker:     options.Broker,
		Outbox:     queue,
		Subscriptions: []session.Subscription{
			{Filter: protocol.PushBiometricTopic(cfg.Device.ID), QoS: 1, Handler: device.handlePush},
			{Filter: protocol.TopicRegisterDeviceResponse, QoS: 1, Handler: device.handleRegisterResponse},
		},
		Observer:       device,
		Loop:           device.loop,
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
	return device, nil
}

// Run drives the device until ctx ends.
func (d *Device) Run(ctx context.Context) error {
	group, groupContext := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := d.loop.Run(groupContext)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	group.Go(func() error {
		if err := d.session.Start(groupContext); err != nil {
			// Start has already scheduled a retry.
			d.logger.Warn("initial connection failed", "error", err)
		}
		return nil
	})
	group.Go(func() error {
		d.healthcheckLoop(groupContext)
		return nil
	})
	group.Go(func() error {
		<-groupContext.Done()
		d.scans.cancelAll()
		d.door.Stop()
		d.session.Disconnect()
		return nil
	})
	return group.Wait()
}

// OnStatusChanged announces the device on every connect. It runs on
// the session loop.
func (d *Device) OnStatusChanged(connected bool) {
	if !connected {
		d.logger.Warn("broker connection down; events will be queued")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d.publishJSON(ctx, protocol.TopicRegisterDevice, protocol.RegisterDevice{
		MacAddress:     d.id,
		HashedPassword: d.session.Password(),
	})
	d.publishJSON(ctx, protocol.TopicDeviceInfo, protocol.DeviceInfo{
		Room:       d.room,
		MacAddress: d.id,
	})
}

// publishJSON publishes directly; announcements are useless once stale
// so they are never queued.
func (d *Device) publishJSON(ctx context.Context, topic string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		d.logger.Error("encoding message", "topic", topic, "error", err)
		return
	}
	if err := d.session.Publish(ctx, transport.Message{Topic: topic, Payload: payload, QoS: 1}); err != nil {
		d.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}

// publishEvent publishes or queues value on topic.
func (d *Device) publishEvent(ctx context.Context, topic string, value any, properties map[string]string) {
	payload, err := json.Marshal(value)
	if err != nil {
		d.logger.Error("encoding event", "topic", topic, "error", err)
		return
	}
	delivery, err := d.session.PublishOrQueue(ctx, outbox.Message{
		Topic:      topic,
		Payload:    payload,
		QoS:        1,
		Properties: properties,
	})
	if err != nil {
		d.logger.Error("event lost", "topic", topic, "error", err)
		return
	}
	d.logger.Debug("event delivered", "topic", topic, "delivery", delivery.String())
}

func (d *Device) handleRegisterResponse(message transport.Message) {
	var response protocol.RegisterDeviceResponse
	if err := json.Unmarshal(message.Payload, &response); err != nil {
		d.logger.Warn("malformed register_device_resp", "error", err)
		return
	}
	if response.MacAddress != d.id {
		return
	}
	d.logger.Info("registration acknowledged", "status", response.Status)
}

// healthcheckLoop publishes a healthcheck every interval while
// connected. A tick that finds a backlog also retries the outbox, so
// a message whose flush failed is not stuck until the next reconnect.
func (d *Device) healthcheckLoop(ctx context.Context) {
	ticker := d.clock.NewTicker(d.healthcheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.healthcheck(ctx)
		}
	}
}

func (d *Device) healthcheck(ctx context.Context) {
	if !d.session.Connected() {
		healthchecksTotal.WithLabelValues("skipped").Inc()
		return
	}
	pending, err := d.queue.PendingCount(ctx)
	if err != nil {
		d.logger.Warn("reading outbox backlog", "error", err)
	}
	digest, err := d.store.Digest(ctx, d.id)
	if err != nil {
		d.logger.Warn("computing credential digest", "error", err)
	}
	_, token := d.session.Credentials()

	payload, err := json.Marshal(protocol.Healthcheck{
		MacAddress:       d.id,
		DeviceTime:       protocol.FormatDeviceTime(d.clock.Now()),
		Token:            token,
		CredentialDigest: digest,
		Pending:          &pending,
	})
	if err != nil {
		d.logger.Error("encoding healthcheck", "error", err)
		return
	}
	if err := d.session.Publish(ctx, transport.Message{Topic: protocol.TopicHealthcheck, Payload: payload}); err != nil {
		healthchecksTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("healthcheck publish failed", "error", err)
		return
	}
	healthchecksTotal.WithLabelValues("sent").Inc()

	if pending > 0 {
		if sent, err := d.session.FlushOutbox(ctx); err != nil {
			d.logger.Warn("outbox retry stopped", "sent", sent, "error", err)
		}
	}
	if _, err := d.queue.PurgeSent(ctx, outboxRetention); err != nil {
		d.logger.Warn("purging sent outbox rows", "error", err)
	}
}

// decide acts on an access decision: a grant pulses the relay, and
// every decision becomes a recognition event.
func (d *Device) decide(ctx context.Context, decision access.Decision) {
	d.mu.Lock()
	d.lastDecision = &decision
	d.mu.Unlock()

	if decision.Granted {
		if err := d.relay.Unlock(ctx, d.unlockDuration); err != nil {
			d.logger.Error("relay failed", "bio_id", decision.BioID, "error", err)
		}
	}
	d.publishEvent(ctx, protocol.TopicRecognition, protocol.RecognitionEvent{
		EventID:    protocol.NewEventID(),
		MacAddress: d.id,
		Method:     decision.Method,
		BioID:      decision.BioID,
		PersonName: decision.PersonName,
		Granted:    decision.Granted,
		Score:      decision.Score,
		Reason:     string(decision.Reason),
		Time:       protocol.FormatDeviceTime(decision.At),
	}, map[string]string{"method": string(decision.Method)})
}

// doorChanged receives debounced door contact states.
func (d *Device) doorChanged(open bool) {
	doorEventsTotal.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.publishEvent(ctx, protocol.TopicDoorEvent, protocol.DoorEvent{
		EventID:    protocol.NewEventID(),
		MacAddress: d.id,
		Open:       open,
		Time:       protocol.FormatDeviceTime(d.clock.Now()),
	}, nil)
}

func (d *Device) lastDecisionCopy() *access.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastDecision == nil {
		return nil
	}
	decision := *d.lastDecision
	return &decision
}
