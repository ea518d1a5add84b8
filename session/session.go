// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/turnstile-access/turnstile/lib/clock"
	"github.com/turnstile-access/turnstile/lib/netutil"
	"github.com/turnstile-access/turnstile/lib/sealed"
	"github.com/turnstile-access/turnstile/outbox"
	"github.com/turnstile-access/turnstile/protocol"
	"github.com/turnstile-access/turnstile/transport"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	defaultHTTPTimeout    = 10 * time.Second
	flushBatchSize        = 64
)

// Subscription is an inbound topic filter and the handler that
// receives its messages on the Loop.
type Subscription struct {
	Filter  string
	QoS     byte
	Handler transport.Handler
}

// Config holds the parameters for a Session.
type Config struct {
	// DeviceID is the MAC address. It is the MQTT client ID and the
	// token request's macAddress. Required.
	DeviceID string

	// Salt is appended to DeviceID before hashing the password.
	Salt string

	// TokenURL is the identity service base URL, e.g.
	// "http://identity:8080". Required.
	TokenURL string

	// HTTPClient calls the identity service. Defaults to a client with
	// a 10s timeout.
	HTTPClient *http.Client

	// Broker dials the message broker. Required.
	Broker transport.Broker

	// Outbox holds messages that could not be published. Required.
	Outbox *outbox.Queue

	// Subscriptions are (re)established on every connect.
	Subscriptions []Subscription

	// Observer, if set, is told about connection changes on Loop.
	Observer ConnectionObserver

	// Loop runs Observer and Subscription callbacks. If nil the
	// session creates one and runs it between Start and Disconnect.
	Loop *Loop

	// StateFile persists the last fetched credentials. Empty disables
	// persistence.
	StateFile string

	// Sealer encrypts StateFile. Nil stores it unencrypted.
	Sealer *sealed.Sealer

	// Clock drives the reconnect delay. Defaults to clock.Real().
	Clock clock.Clock

	// Logger is optional.
	Logger *slog.Logger

	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Session is a device's broker connection. It is safe for concurrent
// use.
type Session struct {
	deviceID       string
	password       string
	tokenURL       string
	httpClient     *http.Client
	broker         transport.Broker
	outbox         *outbox.Queue
	subscriptions  []Subscription
	observer       ConnectionObserver
	loop           *Loop
	ownLoop        bool
	tokens         *tokenStore
	clock          clock.Clock
	logger         *slog.Logger
	reconnectDelay time.Duration
	connectTimeout time.Duration
	publishTimeout time.Duration

	mu             sync.Mutex
	state          State
	username       string
	token          string
	conn           transport.Conn
	generation     uint64
	connecting     bool
	retryWanted    bool
	started        bool
	closed         bool
	reconnectTimer *clock.Timer
	ctx            context.Context
	cancel         context.CancelFunc
	stopLoop       context.CancelFunc

	// flushMu serializes FlushOutbox.
	flushMu sync.Mutex
}

// New validates cfg and returns a disconnected Session.
func New(cfg Config) (*Session, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("session: DeviceID is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("session: TokenURL is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("session: Broker is required")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("session: Outbox is required")
	}

	s := &Session{
		deviceID:       cfg.DeviceID,
		password:       protocol.HashPassword(cfg.DeviceID, cfg.Salt),
		tokenURL:       strings.TrimRight(cfg.TokenURL, "/"),
		httpClient:     cfg.HTTPClient,
		broker:         cfg.Broker,
		outbox:         cfg.Outbox,
		subscriptions:  cfg.Subscriptions,
		observer:       cfg.Observer,
		loop:           cfg.Loop,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		reconnectDelay: cfg.ReconnectDelay,
		connectTimeout: cfg.ConnectTimeout,
		publishTimeout: cfg.PublishTimeout,
		ctx:            context.Background(),
		cancel:         func() {},
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if s.loop == nil {
		s.loop = NewLoop()
		s.ownLoop = true
	}
	if cfg.StateFile != "" {
		s.tokens = &tokenStore{path: cfg.StateFile, sealer: cfg.Sealer}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.logger = s.logger.With("device_id", cfg.DeviceID)
	if s.reconnectDelay <= 0 {
		s.reconnectDelay = defaultReconnectDelay
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = defaultConnectTimeout
	}
	if s.publishTimeout <= 0 {
		s.publishTimeout = defaultPublishTimeout
	}
	return s, nil
}

// DeviceID returns the device this session authenticates as.
func (s *Session) DeviceID() string { return s.deviceID }

// Password returns the hashed device password sent to the identity
// service and in the register_device handshake.
func (s *Session) Password() string { return s.password }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether State is Connected.
func (s *Session) Connected() bool { return s.State() == Connected }

// Credentials returns the broker username and token currently held.
// Both are empty after a disconnect.
func (s *Session) Credentials() (username, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username, s.token
}

// Start begins the connection sequence. A persisted, unexpired token
// is tried first; otherwise a token is fetched. If the first attempt
// fails its error is returned and a retry is already scheduled.
// Background work stops when ctx is cancelled or Disconnect is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session: already started")
	}
	s.started = true
	s.closed = false
	s.ctx, s.cancel = context.WithCancel(ctx)
	runContext := s.ctx
	if s.ownLoop {
		var loopContext context.Context
		loopContext, s.stopLoop = context.WithCancel(ctx)
		go s.loop.Run(loopContext)
	}
	s.mu.Unlock()

	return s.connectSequence(runContext, s.restorePersisted())
}

// restorePersisted loads a still-valid persisted token into memory
// and reports whether it did.
func (s *Session) restorePersisted() bool {
	if s.tokens == nil {
		return false
	}
	state, err := s.tokens.load()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("ignoring unreadable session state", "path", s.tokens.path, "error", err)
		}
		return false
	}
	if tokenExpired(state.Token, s.clock.Now()) {
		s.logger.Info("persisted broker token expired", "fetched_at", state.FetchedAt)
		return false
	}
	s.mu.Lock()
	s.username, s.token = state.Username, state.Token
	s.mu.Unlock()
	s.logger.Info("reusing persisted broker token", "username", state.Username)
	return true
}

// connectSequence runs FetchToken then Connect unless another
// sequence is in flight or the session is already connected. A
// request that arrives while a sequence is in flight is remembered.
// If the session is not connected when the sequence ends, one retry
// is scheduled.
func (s *Session) connectSequence(ctx context.Context, useStored bool) error {
	s.mu.Lock()
	if s.closed || s.state == Connected {
		s.mu.Unlock()
		return nil
	}
	if s.connecting {
		s.retryWanted = true
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.retryWanted = false
	s.mu.Unlock()

	err := s.runSequence(ctx, useStored)

	s.mu.Lock()
	s.connecting = false
	wanted := s.retryWanted
	s.retryWanted = false
	closed := s.closed
	connected := s.state == Connected
	s.mu.Unlock()

	if closed || ctx.Err() != nil {
		return err
	}
	switch {
	case err != nil:
		s.logger.Warn("connection attempt failed",
			"error", err,
			"retry_in", s.reconnectDelay,
		)
		s.scheduleReconnect()
	case !connected:
		s.logger.Warn("connection lost while connecting",
			"retry_requested", wanted,
			"retry_in", s.reconnectDelay,
		)
		s.scheduleReconnect()
	}
	return err
}

func (s *Session) runSequence(ctx context.Context, useStored bool) error {
	if !useStored {
		if err := s.FetchToken(ctx); err != nil {
			s.setState(Disconnected)
			return err
		}
	}
	if err := s.Connect(ctx); err != nil {
		// The next attempt must not reuse these credentials.
		s.clearCredentials()
		return err
	}
	return nil
}

// FetchToken asks the identity service for broker credentials. On
// success they replace the held credentials and are persisted; on any
// failure the held credentials are left untouched.
func (s *Session) FetchToken(ctx context.Context) error {
	s.setState(FetchingToken)
	username, token, err := s.requestToken(ctx)
	if err != nil {
		tokenFetchTotal.WithLabelValues("failed").Inc()
		return err
	}
	tokenFetchTotal.WithLabelValues("ok").Inc()

	s.mu.Lock()
	s.username, s.token = username, token
	s.mu.Unlock()

	if s.tokens != nil {
		state := persistedToken{Username: username, Token: token, FetchedAt: s.clock.Now()}
		if err := s.tokens.save(state); err != nil {
			s.logger.Warn("persisting broker token failed", "path", s.tokens.path, "error", err)
		}
	}
	s.logger.Info("broker token fetched", "username", username)
	return nil
}

func (s *Session) requestToken(ctx context.Context) (username, token string, err error) {
	body, err := json.Marshal(protocol.TokenRequest{MacAddress: s.deviceID, Password: s.password})
	if err != nil {
		return "", "", fmt.Errorf("session: encoding token request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL+protocol.TokenPath, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("session: creating token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.httpClient.Do(request)
	if err != nil {
		return "", "", fmt.Errorf("session: token request failed: %w", err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return "", "", fmt.Errorf("session: reading token response: %w", err)
	}

	var decoded protocol.TokenResponse
	jsonErr := json.Unmarshal(responseBody, &decoded)
	if response.StatusCode != http.StatusOK {
		tokenErr := &TokenError{StatusCode: response.StatusCode}
		if jsonErr == nil && decoded.Code != "" {
			tokenErr.Code = decoded.Code
		} else {
			tokenErr.Body = string(responseBody)
		}
		return "", "", tokenErr
	}
	if jsonErr != nil {
		return "", "", fmt.Errorf("%w: %w", ErrMalformedToken, jsonErr)
	}
	if decoded.Code != protocol.TokenCodeOK {
		return "", "", &TokenError{StatusCode: response.StatusCode, Code: decoded.Code}
	}
	if decoded.Data == nil || decoded.Data.Token == "" || decoded.Data.Username == "" {
		return "", "", fmt.Errorf("%w: missing token or username", ErrMalformedToken)
	}
	return decoded.Data.Username, decoded.Data.Token, nil
}

// Connect dials the broker with the held credentials, subscribes, and
// flushes the outbox.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	username, token := s.username, s.token
	if token == "" {
		s.mu.Unlock()
		return ErrNoCredentials
	}
	s.generation++
	generation := s.generation
	s.mu.Unlock()

	s.setState(Connecting)
	conn, err := s.broker.Dial(ctx, transport.DialOptions{
		ClientID:       s.deviceID,
		Username:       username,
		Password:       token,
		ConnectTimeout: s.connectTimeout,
		OnConnectionLost: func(cause error) {
			s.connectionLost(generation, cause)
		},
	})
	if err != nil {
		s.setState(Disconnected)
		return fmt.Errorf("session: connect: %w", err)
	}

	for _, subscription := range s.subscriptions {
		handler := subscription.Handler
		deliver := func(message transport.Message) {
			s.loop.Post(func() { handler(message) })
		}
		if err := conn.Subscribe(ctx, subscription.Filter, subscription.QoS, deliver); err != nil {
			conn.Close()
			s.setState(Disconnected)
			return fmt.Errorf("session: subscribe %s: %w", subscription.Filter, err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	if generation != s.generation {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("session: connection lost while subscribing: %w", transport.ErrNotConnected)
	}
	s.conn = conn
	// Under mu so a concurrent connectionLost is never overwritten.
	s.setStateLocked(Connected)
	s.mu.Unlock()
	s.logger.Info("connected to broker", "username", username)

	if _, err := s.FlushOutbox(ctx); err != nil {
		s.logger.Warn("outbox flush stopped", "error", err)
	}
	return nil
}

// connectionLost handles a transport-reported drop. Callbacks from a
// connection that has already been replaced are ignored.
func (s *Session) connectionLost(generation uint64, cause error) {
	s.mu.Lock()
	if s.closed || generation != s.generation {
		s.mu.Unlock()
		return
	}
	s.generation++
	s.conn = nil
	s.username, s.token = "", ""
	s.mu.Unlock()

	if s.tokens != nil {
		if err := s.tokens.remove(); err != nil {
			s.logger.Warn("removing session state failed", "error", err)
		}
	}
	s.setState(Disconnected)
	s.logger.Warn("broker connection lost",
		"error", cause,
		"auth_rejected", errors.Is(cause, transport.ErrAuthRejected),
	)
	s.scheduleReconnect()
}

func (s *Session) clearCredentials() {
	s.mu.Lock()
	s.username, s.token = "", ""
	s.mu.Unlock()
	if s.tokens != nil {
		if err := s.tokens.remove(); err != nil {
			s.logger.Warn("removing session state failed", "error", err)
		}
	}
}

// scheduleReconnect arms the reconnect timer unless one is already
// armed or the session was explicitly disconnected.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.started || s.reconnectTimer != nil {
		return
	}
	reconnectsTotal.Inc()
	s.reconnectTimer = s.clock.AfterFunc(s.reconnectDelay, func() {
		go s.reconnect()
	})
}

func (s *Session) reconnect() {
	s.mu.Lock()
	s.reconnectTimer = nil
	ctx := s.ctx
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.logger.Info("reconnecting with a fresh token")
	s.connectSequence(ctx, false)
}

// Disconnect closes the connection on request. No reconnection is
// scheduled, and a pending one is cancelled. Start may be called
// again afterwards.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	s.started = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	s.conn = nil
	s.generation++
	cancel := s.cancel
	stopLoop := s.stopLoop
	s.stopLoop = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Warn("closing broker connection", "error", err)
		}
	}
	s.setState(Disconnected)
	cancel()
	if stopLoop != nil {
		// Queued after the final notification so the observer sees it.
		s.loop.Post(stopLoop)
	}
}

// setState records a transition and tells the observer when the
// connected bit flips.
func (s *Session) setState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(next)
}

func (s *Session) setStateLocked(next State) {
	previous := s.state
	if previous == next {
		return
	}
	s.state = next
	stateGauge.Set(float64(next))
	s.logger.Debug("session state", "from", previous.String(), "to", next.String())

	wasConnected, isConnected := previous == Connected, next == Connected
	if wasConnected != isConnected && s.observer != nil {
		observer := s.observer
		s.loop.Post(func() { observer.OnStatusChanged(isConnected) })
	}
}

func (s *Session) currentConn() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil
	}
	return s.conn
}

// Publish sends message directly, without queueing. It returns
// transport.ErrNotConnected when disconnected. Use it for traffic
// that is worthless once stale, such as healthchecks.
func (s *Session) Publish(ctx context.Context, message transport.Message) error {
	conn := s.currentConn()
	if conn == nil {
		return transport.ErrNotConnected
	}
	publishContext, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	return conn.Publish(publishContext, message)
}

// PublishOrQueue publishes message if connected with an empty outbox,
// and otherwise (or on failure) appends it to the outbox. The error is
// non-nil only if the message could not be queued either.
func (s *Session) PublishOrQueue(ctx context.Context, message outbox.Message) (Delivery, error) {
	if conn := s.currentConn(); conn != nil {
		// A backlog means older messages are waiting; publishing now
		// would overtake them.
		pending, err := s.outbox.PendingCount(ctx)
		switch {
		case err != nil:
			s.logger.Warn("outbox unreadable, queueing", "topic", message.Topic, "error", err)
		case pending == 0:
			publishContext, cancel := context.WithTimeout(ctx, s.publishTimeout)
			err = conn.Publish(publishContext, wireMessage(message))
			cancel()
			if err == nil {
				publishTotal.WithLabelValues("direct").Inc()
				return Published, nil
			}
			s.logger.Warn("direct publish failed, queueing", "topic", message.Topic, "error", err)
		}
	}

	if _, err := s.outbox.Enqueue(ctx, message); err != nil {
		publishTotal.WithLabelValues("failed").Inc()
		return 0, fmt.Errorf("session: queueing %s: %w", message.Topic, err)
	}
	publishTotal.WithLabelValues("queued").Inc()
	return Queued, nil
}

// wireMessage converts a queued message for the transport.
func wireMessage(message outbox.Message) transport.Message {
	return transport.Message{
		Topic:      message.Topic,
		Payload:    message.Payload,
		QoS:        message.QoS,
		Properties: message.Properties,
	}
}

// FlushOutbox publishes pending messages oldest first and marks each
// sent. It stops at the first failure, leaving that message and
// everything after it queued, and returns how many were sent. Calls
// are serialized.
func (s *Session) FlushOutbox(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	sent := 0
	for {
		batch, err := s.outbox.Pending(ctx, flushBatchSize)
		if err != nil {
			return sent, err
		}
		if len(batch) == 0 {
			if sent > 0 {
				s.logger.Info("outbox flushed", "sent", sent)
			}
			return sent, nil
		}
		for _, message := range batch {
			conn := s.currentConn()
			if conn == nil {
				return sent, transport.ErrNotConnected
			}
			publishContext, cancel := context.WithTimeout(ctx, s.publishTimeout)
			err := conn.Publish(publishContext, wireMessage(message))
			cancel()
			if err != nil {
				if markErr := s.outbox.MarkFailed(ctx, message.ID, err); markErr != nil {
					s.logger.Warn("recording flush failure", "outbox_id", message.ID, "error", markErr)
				}
				return sent, fmt.Errorf("session: flushing message %d on %s: %w", message.ID, message.Topic, err)
			}
			if err := s.outbox.MarkSent(ctx, message.ID); err != nil {
				return sent, err
			}
			sent++
		}
	}
}
