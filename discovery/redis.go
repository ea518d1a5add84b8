// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turnstile-access/turnstile/lib/clock"
)

// DefaultKeyPrefix namespaces directory keys.
const DefaultKeyPrefix = "turnstile:room:"

// RedisDirectory is a Directory shared through Redis. Each room is one
// key holding the JSON announcement, expiring after the TTL.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  clock.Clock
}

// RedisOption configures a RedisDirectory.
type RedisOption func(*RedisDirectory)

// WithKeyPrefix replaces DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(d *RedisDirectory) { d.prefix = prefix }
}

// WithTTL replaces DefaultTTL.
func WithTTL(ttl time.Duration) RedisOption {
	return func(d *RedisDirectory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithClock stamps announcements recorded without a SeenAt.
func WithClock(clk clock.Clock) RedisOption {
	return func(d *RedisDirectory) { d.clock = clk }
}

// NewRedisDirectory wraps client.
func NewRedisDirectory(client *redis.Client, options ...RedisOption) *RedisDirectory {
	directory := &RedisDirectory{client: client, prefix: DefaultKeyPrefix, ttl: DefaultTTL, clock: clock.Real()}
	for _, option := range options {
		if option != nil {
			option(directory)
		}
	}
	return directory
}

// DialRedis parses a redis:// URL and verifies the server answers.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("discovery: parsing redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("discovery: redis ping: %w", err)
	}
	return client, nil
}

func (d *RedisDirectory) key(room string) string { return d.prefix + room }

func (d *RedisDirectory) Record(ctx context.Context, announcement Announcement) error {
	if announcement.SeenAt.IsZero() {
		announcement.SeenAt = d.clock.Now()
	}
	data, err := json.Marshal(announcement)
	if err != nil {
		return err
	}
	if err := d.client.Set(ctx, d.key(announcement.Room), data, d.ttl).Err(); err != nil {
		return fmt.Errorf("discovery: recording %s: %w", announcement.Room, err)
	}
	return nil
}

func (d *RedisDirectory) Resolve(ctx context.Context, room string) (string, error) {
	data, err := d.client.Get(ctx, d.key(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownRoom
	}
	if err != nil {
		return "", fmt.Errorf("discovery: resolving %s: %w", room, err)
	}
	var announcement Announcement
	if err := json.Unmarshal(data, &announcement); err != nil {
		return "", fmt.Errorf("discovery: decoding %s: %w", room, err)
	}
	return announcement.DeviceID, nil
}

func (d *RedisDirectory) List(ctx context.Context) ([]Announcement, error) {
	var keys []string
	iterator := d.client.Scan(ctx, 0, d.prefix+"*", 100).Iterator()
	for iterator.Next(ctx) {
		keys = append(keys, iterator.Val())
	}
	if err := iterator.Err(); err != nil {
		return nil, fmt.Errorf("discovery: scanning rooms: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("discovery: reading rooms: %w", err)
	}
	var announcements []Announcement
	for _, value := range values {
		// Keys can expire between SCAN and MGET.
		text, ok := value.(string)
		if !ok {
			continue
		}
		var announcement Announcement
		if err := json.Unmarshal([]byte(text), &announcement); err != nil {
			continue
		}
		announcements = append(announcements, announcement)
	}
	sortByRoom(announcements)
	return announcements, nil
}
