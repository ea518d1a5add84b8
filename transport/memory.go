// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface checks.
var (
	_ Broker = (*MemoryBroker)(nil)
	_ Conn   = (*memoryConn)(nil)
)

// MemoryBroker is an in-process Broker. Messages published by any
// connection are delivered synchronously to every matching
// subscription of every open connection, including the publisher's.
type MemoryBroker struct {
	mu        sync.Mutex
	conns     map[*memoryConn]struct{}
	authorize func(DialOptions) error
	reject    func(Message) error
	published []Message
	dials     int
}

// NewMemoryBroker returns a broker that accepts every credential.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{conns: make(map[*memoryConn]struct{})}
}

// SetAuthorizer installs a credential check run on every Dial. A
// non-nil error rejects the connection with ErrAuthRejected.
func (b *MemoryBroker) SetAuthorizer(authorize func(DialOptions) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authorize = authorize
}

// SetPublishFilter installs a check run on every publish. A non-nil
// error fails that publish and the message is not delivered. Pass nil
// to accept everything again.
func (b *MemoryBroker) SetPublishFilter(reject func(Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reject = reject
}

// Dial opens a connection if the authorizer accepts options.
func (b *MemoryBroker) Dial(ctx context.Context, options DialOptions) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.authorize != nil {
		if err := b.authorize(options); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthRejected, err)
		}
	}
	conn := &memoryConn{broker: b, options: options}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// Drop severs every open connection as a network failure would,
// calling each one's OnConnectionLost with cause.
func (b *MemoryBroker) Drop(cause error) {
	b.mu.Lock()
	var dropped []*memoryConn
	for conn := range b.conns {
		conn.closed = true
		dropped = append(dropped, conn)
	}
	clear(b.conns)
	b.mu.Unlock()

	for _, conn := range dropped {
		if conn.options.OnConnectionLost != nil {
			conn.options.OnConnectionLost(cause)
		}
	}
}

// Publish delivers message as if a server-side client had sent it.
func (b *MemoryBroker) Publish(message Message) {
	b.mu.Lock()
	b.published = append(b.published, message)
	handlers := b.matchingLocked(message.Topic)
	b.mu.Unlock()
	for _, handler := range handlers {
		handler(message)
	}
}

// Published returns every message the broker accepted, in order.
func (b *MemoryBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedOn returns accepted messages whose topic matches filter.
func (b *MemoryBroker) PublishedOn(filter string) []Message {
	var matched []Message
	for _, message := range b.Published() {
		if MatchTopic(filter, message.Topic) {
			matched = append(matched, message)
		}
	}
	return matched
}

// Dials returns the number of Dial calls, successful or not.
func (b *MemoryBroker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of open connections.
func (b *MemoryBroker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *MemoryBroker) matchingLocked(topic string) []Handler {
	var handlers []Handler
	for conn := range b.conns {
		for _, subscription := range conn.subscriptions {
			if MatchTopic(subscription.filter, topic) {
				handlers = append(handlers, subscription.handler)
			}
		}
	}
	return handlers
}

type subscription struct {
	filter  string
	handler Handler
}

type memoryConn struct {
	broker        *MemoryBroker
	options       DialOptions
	subscriptions []subscription // guarded by broker.mu
	closed        bool           // guarded by broker.mu
}

func (c *memoryConn) Publish(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	broker := c.broker
	broker.mu.Lock()
	if c.closed {
		broker.mu.Unlock()
		return ErrNotConnected
	}
	if broker.reject != nil {
		if err := broker.reject(message); err != nil {
			broker.mu.Unlock()
			return err
		}
	}
	broker.published = append(broker.published, message)
	handlers := broker.matchingLocked(message.Topic)
	broker.mu.Unlock()

	for _, handler := range handlers {
		handler(message)
	}
	return nil
}

func (c *memoryConn) Subscribe(ctx context.Context, filter string, qos byte, handler Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	c.subscriptions = append(c.subscriptions, subscription{filter: filter, handler: handler})
	return nil
}

func (c *memoryConn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.closed = true
	delete(c.broker.conns, c)
	return nil
}
