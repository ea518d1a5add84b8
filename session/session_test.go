// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turnstile-access/turnstile/lib/clock"
	"github.com/turnstile-access/turnstile/lib/testutil"
	"github.com/turnstile-access/turnstile/outbox"
	"github.com/turnstile-access/turnstile/protocol"
	"github.com/turnstile-access/turnstile/transport"
)

const (
	testDevice = "AA:BB:CC:DD:EE:FF"
	testSalt   = "pepper"
	testDelay  = 5 * time.Second
	waitFor    = 5 * time.Second
)

var testEpoch = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

// tokenServer is a fake identity service. Each request is answered by
// respond, which defaults to issuing "user-N" / a JWT valid for an hour.
type tokenServer struct {
	t        *testing.T
	server   *httptest.Server
	requests atomic.Int32

	mu      sync.Mutex
	respond func(n int, request protocol.TokenRequest) (int, any)
	last    protocol.TokenRequest
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{t: t}
	ts.server = httptest.NewServer(http.HandlerFunc(ts.serve))
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *tokenServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != protocol.TokenPath || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var request protocol.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n := int(ts.requests.Add(1))

	ts.mu.Lock()
	ts.last = request
	respond := ts.respond
	ts.mu.Unlock()

	status, body := http.StatusOK, any(issue(ts.t, n, testEpoch.Add(time.Hour)))
	if respond != nil {
		status, body = respond(n, request)
	}
	w.WriteHeader(status)
	if text, ok := body.(string); ok {
		w.Write([]byte(text))
		return
	}
	json.NewEncoder(w).Encode(body)
}

func (ts *tokenServer) setResponder(respond func(n int, request protocol.TokenRequest) (int, any)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.respond = respond
}

func (ts *tokenServer) lastRequest() protocol.TokenRequest {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.last
}

// issue returns a successful token response whose token is a JWT
// expiring at expires.
func issue(t *testing.T, n int, expires time.Time) protocol.TokenResponse {
	t.Helper()
	return protocol.TokenResponse{
		Code: protocol.TokenCodeOK,
		Data: &protocol.TokenData{
			Username: fmt.Sprintf("user-%d", n),
			Token:    signToken(t, n, expires),
		},
	}
}

func signToken(t *testing.T, n int, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   fmt.Sprintf("user-%d", n),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

type harness struct {
	session  *Session
	broker   *transport.MemoryBroker
	tokens   *tokenServer
	queue    *outbox.Queue
	clock    *clock.FakeClock
	statuses chan bool
}

type harnessOption func(*Config)

func withStateFile(path string) harnessOption {
	return func(cfg *Config) { cfg.StateFile = path }
}

func withSubscription(filter string, handler transport.Handler) harnessOption {
	return func(cfg *Config) {
		cfg.Subscriptions = append(cfg.Subscriptions, Subscription{Filter: filter, QoS: 1, Handler: handler})
	}
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	fakeClock := clock.Fake(testEpoch)
	queue, err := outbox.Open(outbox.Config{
		Pool:   testutil.OpenPool(t),
		Clock:  fakeClock,
		Logger: testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("outbox.Open: %v", err)
	}
	h := &harness{
		broker:   transport.NewMemoryBroker(),
		tokens:   newTokenServer(t),
		queue:    queue,
		clock:    fakeClock,
		statuses: make(chan bool, 16),
	}
	cfg := Config{
		DeviceID:       testDevice,
		Salt:           testSalt,
		TokenURL:       h.tokens.server.URL + "/",
		Broker:         h.broker,
		Outbox:         queue,
		Observer:       ObserverFunc(func(connected bool) { h.statuses <- connected }),
		Clock:          fakeClock,
		Logger:         testutil.Logger(t),
		ReconnectDelay: testDelay,
	}
	for _, option := range options {
		option(&cfg)
	}
	h.session, err = New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(h.session.Disconnect)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.session.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := testutil.RequireReceive(t, h.statuses, waitFor, "connected notification"); !got {
		t.Fatal("first status notification = false, want true")
	}
}

func (h *harness) enqueue(t *testing.T, topic string) {
	t.Helper()
	if _, err := h.queue.Enqueue(context.Background(), outbox.Message{Topic: topic, Payload: []byte(topic), QoS: 1}); err != nil {
		t.Fatalf("Enqueue(%s): %v", topic, err)
	}
}

func (h *harness) pending(t *testing.T) []string {
	t.Helper()
	messages, err := h.queue.Pending(context.Background(), 0)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	var topics []string
	for _, message := range messages {
		topics = append(topics, message.Topic)
	}
	return topics
}

func publishedTopics(broker *transport.MemoryBroker) []string {
	var topics []string
	for _, message := range broker.Published() {
		topics = append(topics, message.Topic)
	}
	return topics
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestNewValidatesConfig(t *testing.T) {
	for name, cfg := range map[string]Config{
		"no device": {TokenURL: "http://x", Broker: transport.NewMemoryBroker(), Outbox: &outbox.Queue{}},
		"no url":    {DeviceID: testDevice, Broker: transport.NewMemoryBroker(), Outbox: &outbox.Queue{}},
		"no broker": {DeviceID: testDevice, TokenURL: "http://x", Outbox: &outbox.Queue{}},
		"no outbox": {DeviceID: testDevice, TokenURL: "http://x", Broker: transport.NewMemoryBroker()},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := New(cfg); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}
}

func TestFetchTokenStoresCredentials(t *testing.T) {
	h := newHarness(t)
	if err := h.session.FetchToken(context.Background()); err != nil {
		t.Fatalf("FetchToken: %v", err)
	}
	username, token := h.session.Credentials()
	if username != "user-1" || token == "" {
		t.Errorf("Credentials() = %q, %q; want user-1 and a token", username, token)
	}
	request := h.tokens.lastRequest()
	if request.MacAddress != testDevice {
		t.Errorf("macAddress = %q, want %q", request.MacAddress, testDevice)
	}
	if want := protocol.HashPassword(testDevice, testSalt); request.Password != want {
		t.Errorf("password = %q, want %q", request.Password, want)
	}
}

func TestFetchTokenFailureKeepsCredentials(t *testing.T) {
	h := newHarness(t)
	if err := h.session.FetchToken(context.Background()); err != nil {
		t.Fatalf("FetchToken: %v", err)
	}
	wantUser, wantToken := h.session.Credentials()

	cases := []struct {
		name       string
		status     int
		body       any
		wantStatus int
		wantCode   string
	}{
		{"json error", http.StatusForbidden, protocol.TokenResponse{Code: "DEVICE_UNKNOWN"}, http.StatusForbidden, "DEVICE_UNKNOWN"},
		{"plain error", http.StatusInternalServerError, "boom", http.StatusInternalServerError, ""},
		{"non-OK code", http.StatusOK, protocol.TokenResponse{Code: "LOCKED"}, http.StatusOK, "LOCKED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.tokens.setResponder(func(int, protocol.TokenRequest) (int, any) { return tc.status, tc.body })
			err := h.session.FetchToken(context.Background())
			var tokenErr *TokenError
			if !errors.As(err, &tokenErr) {
				t.Fatalf("FetchToken error = %v, want *TokenError", err)
			}
			if tokenErr.StatusCode != tc.wantStatus || tokenErr.Code != tc.wantCode {
				t.Errorf("TokenError = %+v, want status %d code %q", tokenErr, tc.wantStatus, tc.wantCode)
			}
			if tc.wantCode == "" && tokenErr.Body != "boom" {
				t.Errorf("TokenError.Body = %q, want boom", tokenErr.Body)
			}
			username, token := h.session.Credentials()
			if username != wantUser || token != wantToken {
				t.Errorf("credentials changed after failed fetch: %q, %q", username, token)
			}
		})
	}
}

func TestFetchTokenMissingData(t *testing.T) {
	h := newHarness(t)
	h.tokens.setResponder(func(int, protocol.TokenRequest) (int, any) {
		return http.StatusOK, protocol.TokenResponse{Code: protocol.TokenCodeOK}
	})
	if err := h.session.FetchToken(context.Background()); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("FetchToken error = %v, want ErrMalformedToken", err)
	}
	if username, _ := h.session.Credentials(); username != "" {
		t.Errorf("username = %q after malformed response, want empty", username)
	}
}

func TestConnectWithoutCredentials(t *testing.T) {
	h := newHarness(t)
	if err := h.session.Connect(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("Connect error = %v, want ErrNoCredentials", err)
	}
	if h.broker.Dials() != 0 {
		t.Errorf("broker dialed %d times without credentials", h.broker.Dials())
	}
}

func TestStartConnectsAndNotifies(t *testing.T) {
	var dialed transport.DialOptions
	h := newHarness(t)
	h.broker.SetAuthorizer(func(options transport.DialOptions) error {
		dialed = options
		return nil
	})
	h.start(t)

	if !h.session.Connected() {
		t.Fatalf("State() = %v, want connected", h.session.State())
	}
	username, token := h.session.Credentials()
	if dialed.ClientID != testDevice || dialed.Username != username || dialed.Password != token {
		t.Errorf("dial options = %+v, want client %s with held credentials", dialed, testDevice)
	}

	h.session.Disconnect()
	if got := testutil.RequireReceive(t, h.statuses, waitFor, "disconnected notification"); got {
		t.Error("status after Disconnect = true, want false")
	}
}

func TestSubscriptionsDeliverOnLoop(t *testing.T) {
	received := make(chan transport.Message, 1)
	h := newHarness(t, withSubscription("iot/devices/+/push", func(message transport.Message) {
		received <- message
	}))
	h.start(t)

	h.broker.Publish(transport.Message{Topic: "iot/devices/" + testDevice + "/push", Payload: []byte("[]")})
	message := testutil.RequireReceive(t, received, waitFor, "subscribed message")
	if string(message.Payload) != "[]" {
		t.Errorf("payload = %q, want []", message.Payload)
	}
}

func TestConnectionLostReconnectsWithFreshToken(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	_, firstToken := h.session.Credentials()

	h.broker.Drop(fmt.Errorf("%w: token revoked", transport.ErrAuthRejected))

	if h.session.State() != Disconnected {
		t.Fatalf("State() = %v after drop, want disconnected", h.session.State())
	}
	if username, token := h.session.Credentials(); username != "" || token != "" {
		t.Errorf("credentials kept after drop: %q, %q", username, token)
	}
	if got := testutil.RequireReceive(t, h.statuses, waitFor, "lost notification"); got {
		t.Error("status after drop = true, want false")
	}
	if pending := h.clock.PendingCount(); pending != 1 {
		t.Fatalf("pending timers = %d, want one reconnect", pending)
	}

	h.clock.Advance(testDelay)
	testutil.Eventually(t, waitFor, h.session.Connected, "reconnected")

	if requests := h.tokens.requests.Load(); requests != 2 {
		t.Errorf("token requests = %d, want 2", requests)
	}
	if _, token := h.session.Credentials(); token == firstToken {
		t.Error("reconnected with the revoked token")
	}
	if h.broker.Dials() != 2 {
		t.Errorf("dials = %d, want 2", h.broker.Dials())
	}
}

func TestRejectedDialSchedulesOneRetry(t *testing.T) {
	h := newHarness(t)
	var rejecting atomic.Bool
	rejecting.Store(true)
	h.broker.SetAuthorizer(func(transport.DialOptions) error {
		if rejecting.Load() {
			return errors.New("bad token")
		}
		return nil
	})

	err := h.session.Start(t.Context())
	if !errors.Is(err, transport.ErrAuthRejected) {
		t.Fatalf("Start error = %v, want ErrAuthRejected", err)
	}
	if _, token := h.session.Credentials(); token != "" {
		t.Error("rejected token still held")
	}

	// Further triggers while a retry is armed do not add timers.
	h.session.scheduleReconnect()
	h.session.scheduleReconnect()
	if pending := h.clock.PendingCount(); pending != 1 {
		t.Fatalf("pending timers = %d, want 1", pending)
	}

	rejecting.Store(false)
	h.clock.Advance(testDelay)
	testutil.Eventually(t, waitFor, h.session.Connected, "connected after retry")
	if requests := h.tokens.requests.Load(); requests != 2 {
		t.Errorf("token requests = %d, want 2", requests)
	}
}

func TestTokenFailureRetries(t *testing.T) {
	h := newHarness(t)
	h.tokens.setResponder(func(n int, _ protocol.TokenRequest) (int, any) {
		if n == 1 {
			return http.StatusServiceUnavailable, "down"
		}
		return http.StatusOK, issue(t, n, testEpoch.Add(time.Hour))
	})

	var tokenErr *TokenError
	if err := h.session.Start(t.Context()); !errors.As(err, &tokenErr) {
		t.Fatalf("Start error = %v, want *TokenError", err)
	}
	if h.broker.Dials() != 0 {
		t.Error("dialed without a token")
	}
	h.clock.Advance(testDelay)
	testutil.Eventually(t, waitFor, h.session.Connected, "connected after token retry")
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.broker.Drop(errors.New("network down"))
	if h.clock.PendingCount() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.PendingCount())
	}

	h.session.Disconnect()
	if h.clock.PendingCount() != 0 {
		t.Errorf("pending timers after Disconnect = %d, want 0", h.clock.PendingCount())
	}
	h.clock.Advance(10 * testDelay)
	if h.broker.Dials() != 1 {
		t.Errorf("dials = %d after Disconnect, want 1", h.broker.Dials())
	}
}

func TestExplicitDisconnectDoesNotReconnect(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.session.Disconnect()
	if h.session.State() != Disconnected {
		t.Errorf("State() = %v, want disconnected", h.session.State())
	}
	if h.broker.Connections() != 0 {
		t.Errorf("broker connections = %d, want 0", h.broker.Connections())
	}
	if h.clock.PendingCount() != 0 {
		t.Errorf("pending timers = %d, want 0", h.clock.PendingCount())
	}
}

func TestSingleSequenceInFlight(t *testing.T) {
	h := newHarness(t)
	requested := make(chan struct{}, 1)
	release := make(chan struct{})
	h.tokens.setResponder(func(n int, _ protocol.TokenRequest) (int, any) {
		requested <- struct{}{}
		<-release
		return http.StatusOK, issue(t, n, testEpoch.Add(time.Hour))
	})

	started := make(chan error, 1)
	go func() { started <- h.session.Start(t.Context()) }()
	testutil.RequireReceive(t, requested, waitFor, "first token request")

	if err := h.session.connectSequence(t.Context(), false); err != nil {
		t.Errorf("overlapping connectSequence = %v, want nil no-op", err)
	}
	close(release)
	if err := testutil.RequireReceive(t, started, waitFor, "Start returns"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if requests := h.tokens.requests.Load(); requests != 1 {
		t.Errorf("token requests = %d, want 1", requests)
	}
}

func TestConnectionLostDuringFlushStillReconnects(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "backlog")
	flushing := make(chan struct{}, 1)
	release := make(chan struct{})
	var blocked atomic.Bool
	h.broker.SetPublishFilter(func(transport.Message) error {
		if blocked.CompareAndSwap(false, true) {
			flushing <- struct{}{}
			<-release
		}
		return nil
	})

	started := make(chan error, 1)
	go func() { started <- h.session.Start(t.Context()) }()
	testutil.RequireReceive(t, flushing, waitFor, "flush publish")

	h.session.mu.Lock()
	generation := h.session.generation
	h.session.mu.Unlock()
	h.session.connectionLost(generation, errors.New("network down"))
	if pending := h.clock.PendingCount(); pending != 1 {
		t.Fatalf("pending timers after loss = %d, want 1", pending)
	}

	// The retry fires while the first sequence is still flushing.
	h.clock.Advance(testDelay)
	testutil.Eventually(t, waitFor, func() bool {
		h.session.mu.Lock()
		defer h.session.mu.Unlock()
		return h.session.retryWanted
	}, "retry recorded against the running sequence")

	close(release)
	if err := testutil.RequireReceive(t, started, waitFor, "Start returns"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.session.State() != Disconnected {
		t.Fatalf("State() = %v, want disconnected", h.session.State())
	}
	if pending := h.clock.PendingCount(); pending != 1 {
		t.Fatalf("pending timers after sequence = %d, want one retry", pending)
	}

	h.clock.Advance(testDelay)
	testutil.Eventually(t, waitFor, h.session.Connected, "reconnected")
	if h.broker.Dials() != 2 {
		t.Errorf("dials = %d, want 2", h.broker.Dials())
	}
}

func TestPublishRequiresConnection(t *testing.T) {
	h := newHarness(t)
	err := h.session.Publish(context.Background(), transport.Message{Topic: protocol.TopicHealthcheck})
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Publish error = %v, want ErrNotConnected", err)
	}

	h.start(t)
	if err := h.session.Publish(context.Background(), transport.Message{Topic: protocol.TopicHealthcheck}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := h.broker.PublishedOn(protocol.TopicHealthcheck); len(got) != 1 {
		t.Errorf("healthchecks published = %d, want 1", len(got))
	}
	if h.pending(t) != nil {
		t.Error("Publish touched the outbox")
	}
}

func TestPublishOrQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	delivery, err := h.session.PublishOrQueue(ctx, outbox.Message{Topic: "a", QoS: 1})
	if err != nil || delivery != Queued {
		t.Fatalf("PublishOrQueue while disconnected = %v, %v; want Queued", delivery, err)
	}

	// Connecting flushes the backlog.
	h.start(t)
	if got := publishedTopics(h.broker); !equalStrings(got, []string{"a"}) {
		t.Fatalf("published after connect = %v, want [a]", got)
	}
	if h.pending(t) != nil {
		t.Fatalf("pending after connect = %v, want none", h.pending(t))
	}

	delivery, err = h.session.PublishOrQueue(ctx, outbox.Message{Topic: "b", QoS: 1})
	if err != nil || delivery != Published {
		t.Fatalf("PublishOrQueue while connected = %v, %v; want Published", delivery, err)
	}

	h.broker.SetPublishFilter(func(transport.Message) error { return errors.New("broker busy") })
	delivery, err = h.session.PublishOrQueue(ctx, outbox.Message{Topic: "c", QoS: 1})
	if err != nil || delivery != Queued {
		t.Fatalf("PublishOrQueue with failing publish = %v, %v; want Queued", delivery, err)
	}

	// With c waiting, d must queue behind it even though publishing works.
	h.broker.SetPublishFilter(nil)
	delivery, err = h.session.PublishOrQueue(ctx, outbox.Message{Topic: "d", QoS: 1})
	if err != nil || delivery != Queued {
		t.Fatalf("PublishOrQueue with backlog = %v, %v; want Queued", delivery, err)
	}

	sent, err := h.session.FlushOutbox(ctx)
	if err != nil || sent != 2 {
		t.Fatalf("FlushOutbox = %d, %v; want 2", sent, err)
	}
	if got := publishedTopics(h.broker); !equalStrings(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("published = %v, want [a b c d]", got)
	}
}

func TestPropertiesReachBroker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	queued := map[string]string{"method": "face"}
	if _, err := h.session.PublishOrQueue(ctx, outbox.Message{Topic: "queued", QoS: 1, Properties: queued}); err != nil {
		t.Fatalf("PublishOrQueue while disconnected: %v", err)
	}
	h.start(t)

	direct := map[string]string{"device": testDevice}
	if delivery, err := h.session.PublishOrQueue(ctx, outbox.Message{Topic: "direct", QoS: 1, Properties: direct}); err != nil || delivery != Published {
		t.Fatalf("PublishOrQueue while connected = %v, %v; want Published", delivery, err)
	}

	published := h.broker.Published()
	if len(published) != 2 {
		t.Fatalf("published %d messages, want 2", len(published))
	}
	if !reflect.DeepEqual(published[0].Properties, queued) {
		t.Errorf("flushed properties = %v, want %v", published[0].Properties, queued)
	}
	if !reflect.DeepEqual(published[1].Properties, direct) {
		t.Errorf("direct properties = %v, want %v", published[1].Properties, direct)
	}
}

func TestFlushStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t)
	for _, topic := range []string{"a", "b", "c"} {
		h.enqueue(t, topic)
	}
	h.broker.SetPublishFilter(func(message transport.Message) error {
		if message.Topic == "b" {
			return errors.New("rejected")
		}
		return nil
	})
	h.start(t)

	if got := publishedTopics(h.broker); !equalStrings(got, []string{"a"}) {
		t.Errorf("published = %v, want [a]", got)
	}
	if got := h.pending(t); !equalStrings(got, []string{"b", "c"}) {
		t.Errorf("pending = %v, want [b c]", got)
	}
	messages, err := h.queue.Pending(context.Background(), 1)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if messages[0].Attempts != 1 || messages[0].LastError == "" {
		t.Errorf("head after failed flush: attempts %d, last error %q", messages[0].Attempts, messages[0].LastError)
	}

	h.broker.SetPublishFilter(nil)
	sent, err := h.session.FlushOutbox(context.Background())
	if err != nil || sent != 2 {
		t.Fatalf("FlushOutbox = %d, %v; want 2", sent, err)
	}
	if got := publishedTopics(h.broker); !equalStrings(got, []string{"a", "b", "c"}) {
		t.Errorf("published = %v, want [a b c]", got)
	}
}

func TestFlushWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "a")
	sent, err := h.session.FlushOutbox(context.Background())
	if !errors.Is(err, transport.ErrNotConnected) || sent != 0 {
		t.Fatalf("FlushOutbox = %d, %v; want 0, ErrNotConnected", sent, err)
	}
	if got := h.pending(t); !equalStrings(got, []string{"a"}) {
		t.Errorf("pending = %v, want [a]", got)
	}
}

func TestPersistedTokenReused(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state", "session.cbor")

	first := newHarness(t, withStateFile(stateFile))
	if err := first.session.FetchToken(context.Background()); err != nil {
		t.Fatalf("FetchToken: %v", err)
	}
	wantUser, wantToken := first.session.Credentials()
	if info, err := os.Stat(stateFile); err != nil {
		t.Fatalf("state file not written: %v", err)
	} else if info.Mode().Perm() != 0o600 {
		t.Errorf("state file mode = %v, want 0600", info.Mode().Perm())
	}

	second := newHarness(t, withStateFile(stateFile))
	second.start(t)
	if requests := second.tokens.requests.Load(); requests != 0 {
		t.Errorf("token requests = %d, want persisted token reused", requests)
	}
	if username, token := second.session.Credentials(); username != wantUser || token != wantToken {
		t.Errorf("Credentials() = %q, %q; want persisted %q", username, token, wantUser)
	}
}

func TestExpiredPersistedTokenRefetched(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "session.cbor")
	store := &tokenStore{path: stateFile}
	if err := store.save(persistedToken{
		Username:  "stale",
		Token:     signToken(t, 0, testEpoch.Add(-time.Minute)),
		FetchedAt: testEpoch.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	h := newHarness(t, withStateFile(stateFile))
	h.start(t)
	if requests := h.tokens.requests.Load(); requests != 1 {
		t.Errorf("token requests = %d, want 1", requests)
	}
	if username, _ := h.session.Credentials(); username != "user-1" {
		t.Errorf("username = %q, want user-1", username)
	}
}

func TestConnectionLostRemovesStateFile(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "session.cbor")
	h := newHarness(t, withStateFile(stateFile))
	h.start(t)
	if _, err := os.Stat(stateFile); err != nil {
		t.Fatalf("state file missing after connect: %v", err)
	}
	h.broker.Drop(errors.New("gone"))
	if _, err := os.Stat(stateFile); !os.IsNotExist(err) {
		t.Errorf("state file after drop: %v, want removed", err)
	}
}

func TestTokenExpired(t *testing.T) {
	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"future exp", signToken(t, 1, testEpoch.Add(time.Minute)), false},
		{"past exp", signToken(t, 1, testEpoch.Add(-time.Minute)), true},
		{"exp now", signToken(t, 1, testEpoch), true},
		{"opaque", "not-a-jwt", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tokenExpired(tc.token, testEpoch); got != tc.want {
				t.Errorf("tokenExpired = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLoopRunsInOrder(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	var order []int
	for i := range 100 {
		loop.Post(func() { order = append(order, i) })
	}
	loop.Post(func() {
		loop.Post(func() { order = append(order, 100) })
	})
	if err := loop.Call(ctx, func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if err := loop.Call(ctx, func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(order) != 101 {
		t.Fatalf("ran %d functions, want 101", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d", i, got)
		}
	}
}

func TestLoopCallHonoursContext(t *testing.T) {
	loop := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := loop.Call(ctx, func() {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Call on stopped loop = %v, want context.Canceled", err)
	}
}
