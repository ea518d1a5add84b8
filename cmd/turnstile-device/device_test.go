// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/turnstile-access/turnstile/credential"
	"github.com/turnstile-access/turnstile/lib/clock"
	"github.com/turnstile-access/turnstile/lib/config"
	"github.com/turnstile-access/turnstile/lib/testutil"
	"github.com/turnstile-access/turnstile/protocol"
	"github.com/turnstile-access/turnstile/transport"
)

const (
	testDevice = "AA:BB:CC:DD:EE:FF"
	testToken  = "broker-token"
	waitFor    = 5 * time.Second
)

// Monday 2024-01-15 09:00 UTC.
var testEpoch = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

// recordingRelay records unlock pulses.
type recordingRelay struct {
	mu      sync.Mutex
	unlocks []time.Duration
}

func (r *recordingRelay) Unlock(_ context.Context, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlocks = append(r.unlocks, duration)
	return nil
}

func (r *recordingRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unlocks)
}

type deviceHarness struct {
	device *Device
	broker *transport.MemoryBroker
	clock  *clock.FakeClock
	relay  *recordingRelay
	config *config.Config

	cancel context.CancelFunc
	done   chan error
}

// newTokenService answers every token request with testToken.
func newTokenService(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.TokenPath {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(protocol.TokenResponse{
			Code: protocol.TokenCodeOK,
			Data: &protocol.TokenData{Username: "device-user", Token: testToken},
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, tokenService *httptest.Server) *config.Config {
	t.Helper()
	parsed, err := url.Parse(tokenService.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portText, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Device = config.DeviceConfig{ID: testDevice, Room: "Lab 3", Salt: "pepper"}
	cfg.Broker.Host = "broker.test"
	cfg.TokenService.Host = host
	cfg.TokenService.Port = port
	cfg.Session.StateFile = ""
	cfg.Access.FaceDimensions = 3
	cfg.Access.FaceThreshold = 0.8
	cfg.Access.FingerCapacity = 10
	cfg.Access.ScanTimeout = time.Hour
	cfg.Healthcheck.Interval = time.Hour
	return cfg
}

func newDeviceHarness(t *testing.T) *deviceHarness {
	t.Helper()
	fakeClock := clock.Fake(testEpoch)
	h := &deviceHarness{
		broker: transport.NewMemoryBroker(),
		clock:  fakeClock,
		relay:  &recordingRelay{},
		config: testConfig(t, newTokenService(t)),
	}
	device, err := newDevice(deviceOptions{
		Config: h.config,
		Pool:   testutil.OpenPool(t),
		Broker: h.broker,
		Relay:  h.relay,
		Clock:  fakeClock,
		Logger: testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("newDevice: %v", err)
	}
	h.device = device
	return h
}

// run starts the device and waits until it is connected.
func (h *deviceHarness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.device.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, h.done, waitFor, "device shutdown"); err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	testutil.Eventually(t, waitFor, h.device.session.Connected, "device connected")
}

func (h *deviceHarness) push(t *testing.T, commands ...protocol.Command) {
	t.Helper()
	payload, err := protocol.EncodeCommands(commands)
	if err != nil {
		t.Fatal(err)
	}
	h.pushRaw(payload)
}

func (h *deviceHarness) pushRaw(payload []byte) {
	h.broker.Publish(transport.Message{Topic: protocol.PushBiometricTopic(testDevice), Payload: payload, QoS: 1})
}

func (h *deviceHarness) count(t *testing.T) int {
	t.Helper()
	count, err := h.device.store.Count(context.Background(), testDevice)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return count
}

func (h *deviceHarness) waitPublished(t *testing.T, topic string, n int) []transport.Message {
	t.Helper()
	testutil.Eventually(t, waitFor, func() bool {
		return len(h.broker.PublishedOn(topic)) >= n
	}, "%d message(s) on %s", n, topic)
	return h.broker.PublishedOn(topic)
}

func faceTemplate(vector ...float32) string {
	return base64.StdEncoding.EncodeToString(credential.EncodeVector(vector))
}

func decodeJSON[T any](t *testing.T, data []byte) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		t.Fatalf("decoding %s: %v", data, err)
	}
	return value
}

func TestConnectAnnouncesDevice(t *testing.T) {
	h := newDeviceHarness(t)
	h.run(t)

	registered := decodeJSON[protocol.RegisterDevice](t, h.waitPublished(t, protocol.TopicRegisterDevice, 1)[0].Payload)
	if registered.MacAddress != testDevice {
		t.Errorf("register MacAddress = %q", registered.MacAddress)
	}
	if registered.HashedPassword != protocol.HashPassword(testDevice, "pepper") {
		t.Errorf("register HashedPassword = %q", registered.HashedPassword)
	}

	info := decodeJSON[protocol.DeviceInfo](t, h.waitPublished(t, protocol.TopicDeviceInfo, 1)[0].Payload)
	if info.Room != "Lab 3" || info.MacAddress != testDevice {
		t.Errorf("device_info = %+v", info)
	}
}

func TestReconnectAnnouncesAgain(t *testing.T) {
	h := newDeviceHarness(t)
	h.run(t)
	h.waitPublished(t, protocol.TopicRegisterDevice, 1)

	h.broker.Drop(transport.ErrNotConnected)
	h.clock.WaitForTimers(2)
	h.clock.Advance(h.config.Session.ReconnectDelay)
	h.waitPublished(t, protocol.TopicRegisterDevice, 2)
}

func TestPushCommandsApplied(t *testing.T) {
	h := newDeviceHarness(t)
	h.run(t)

	h.push(t,
		protocol.Command{
			BioID:      "bio-1",
			PersonName: "Ada",
			CmdType:    protocol.PushNewBio,
			BioDatas: []protocol.BioData{
				{BioType: credential.PayloadFace, Template: faceTemplate(1, 0, 0)},
				{BioType: credential.PayloadIDCard, Template: "CARD-1"},
			},
		},
		protocol.Command{
			BioID:    "bio-2",
			CmdType:  protocol.PushNewBio,
			BioDatas: []protocol.BioData{{BioType: credential.PayloadFinger, Template: base64.StdEncoding.EncodeToString([]byte("minutiae"))}},
		},
	)
	testutil.Eventually(t, waitFor, func() bool { return h.count(t) == 2 }, "two credentials stored")

	h.push(t, protocol.Command{BioID: "bio-1", PersonName: "Ada L.", CmdType: protocol.PushUpdateBio})
	h.push(t, protocol.Command{BioID: "bio-2", CmdType: protocol.PushDeleteBio})
	testutil.Eventually(t, waitFor, func() bool { return h.count(t) == 1 }, "bio-2 deleted")

	stored, err := h.device.store.CredentialByBioID(context.Background(), "bio-1")
	if err != nil {
		t.Fatalf("CredentialByBioID: %v", err)
	}
	if stored.PersonName != "Ada L." {
		t.Errorf("PersonName = %q, want updated name", stored.PersonName)
	}
	if stored.HasFace() || stored.RFID != "" {
		t.Error("update without payloads kept the old payloads")
	}
}

func TestSyncAllReplacesDeviceSet(t *testing.T) {
	h := newDeviceHarness(t)
	h.run(t)

	h.push(t,
		protocol.Command{BioID: "bio-1", CmdType: protocol.PushNewBio},
		protocol.Command{BioID: "bio-2", CmdType: protocol.PushNewBio},
	)
	testutil.Eventually(t, waitFor, func() bool { return h.count(t) == 2 }, "two credentials stored")

	h.push(t, protocol.Command{BioID: "bio-3", CmdType: protocol.SyncAll})
	testutil.Eventually(t, waitFor, func() bool { return h.count(t) == 1 }, "device wiped and reseeded")

	credentials, err := h.device.store.List(context.Background(), testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if len(credentials) != 1 || credentials[0].BioID != "bio-3" {
		t.Errorf("credentials after SYNC_ALL = %+v", credentials)
	}
}

func TestMalformedEntriesSkipped(t *testing.T) {
	h := newDeviceHarness(t)
	h.run(t)

	h.pushRaw([]byte(`[
		{"bioId": "bio-1", "cmdType": "PUSH_NEW_BIO"},
		{"bioId": "bio-2", "cmdType": "PUSH_SIDEWAYS"},
		{"cmdType": "PUSH_NEW_BIO"},
		{"bioId": "bio-4", "cmdType": "PUSH_NEW_BIO", "fromTime": "25:00:00"},
		{"bioId": "bio-5", "cmdType": "PUSH_NEW_BIO"}
	]`))
	testutil.Eventually(t, waitFor, func() bool { return h.count(t) == 2 }, "valid entries stored")

	h.pushRaw([]byte(`not json`))
	h.push(t, protocol.Command{BioID: "bio-6", CmdType: protocol.PushNewBio})
	testutil.Eventually(t, waitFor, func() bool { return h.count(t) == 3 }, "device still applies commands")
}

func TestHealthcheckWhileConnected(t *testing.T) {
	h := newDeviceHarness(t)
	h.run(t)

	h.clock.WaitForTimers(1)
	h.clock.Advance(h.config.Healthcheck.Interval)
	messages := h.waitPublished(t, protocol.TopicHealthcheck, 1)

	healthcheck := decodeJSON[protocol.Healthcheck](t, messages[0].Payload)
	if healthcheck.MacAddress != testDevice {
		t.Errorf("MacAddress = %q", healthcheck.MacAddress)
	}
	if healthcheck.Token != testToken {
		t.Errorf("Token = %q, want %q", healthcheck.Token, testToken)
	}
	if healthcheck.DeviceTime != protocol.FormatDeviceTime(testEpoch.Add(time.Hour)) {
		t.Errorf("DeviceTime = %q", healthcheck.DeviceTime)
	}
	if healthcheck.Pending == nil || *healthcheck.Pending != 0 {
		t.Errorf("Pending = %v, want 0", healthcheck.Pending)
	}
	digest, _ := h.device.store.Digest(context.Background(), testDevice)
	if healthcheck.CredentialDigest != digest {
		t.Errorf("CredentialDigest = %q, want %q", healthcheck.CredentialDigest, digest)
	}
}

func TestHealthcheckSkippedWhileDisconnected(t *testing.T) {
	h := newDeviceHarness(t)
	h.device.healthcheck(context.Background())
	if published := h.broker.Published(); len(published) != 0 {
		t.Errorf("published %d messages while disconnected", len(published))
	}
}

func TestEventsQueuedUntilConnected(t *testing.T) {
	h := newDeviceHarness(t)

	h.device.doorChanged(true)
	pending, err := h.device.queue.PendingCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 {
		t.Fatalf("pending = %d, want 1 queued door event", pending)
	}

	h.run(t)
	event := decodeJSON[protocol.DoorEvent](t, h.waitPublished(t, protocol.TopicDoorEvent, 1)[0].Payload)
	if !event.Open || event.MacAddress != testDevice || event.EventID == "" {
		t.Errorf("door event = %+v", event)
	}
	testutil.Eventually(t, waitFor, func() bool {
		pending, _ := h.device.queue.PendingCount(context.Background())
		return pending == 0
	}, "outbox drained")
}
