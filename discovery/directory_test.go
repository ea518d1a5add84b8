// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/turnstile-access/turnstile/lib/clock"
	"github.com/turnstile-access/turnstile/lib/testutil"
	"github.com/turnstile-access/turnstile/protocol"
	"github.com/turnstile-access/turnstile/transport"
)

var testEpoch = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func TestMemoryDirectoryResolve(t *testing.T) {
	fake := clock.Fake(testEpoch)
	directory := NewMemoryDirectory(fake, time.Minute)
	ctx := context.Background()

	if _, err := directory.Resolve(ctx, "lobby"); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("Resolve(empty) = %v, want ErrUnknownRoom", err)
	}

	directory.Record(ctx, Announcement{Room: "lobby", DeviceID: "AA:00"})
	fake.Advance(30 * time.Second)
	directory.Record(ctx, Announcement{Room: "lobby", DeviceID: "AA:01"})
	directory.Record(ctx, Announcement{Room: "annex", DeviceID: "BB:00"})

	deviceID, err := directory.Resolve(ctx, "lobby")
	if err != nil || deviceID != "AA:01" {
		t.Errorf("Resolve(lobby) = %q, %v; want latest announcement AA:01", deviceID, err)
	}
	list, err := directory.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Room != "annex" || list[1].Room != "lobby" {
		t.Errorf("List = %+v, want annex then lobby", list)
	}
	if !list[1].SeenAt.Equal(testEpoch.Add(30 * time.Second)) {
		t.Errorf("lobby SeenAt = %v, want clock time of the record", list[1].SeenAt)
	}
}

func TestMemoryDirectoryExpires(t *testing.T) {
	fake := clock.Fake(testEpoch)
	directory := NewMemoryDirectory(fake, time.Minute)
	ctx := context.Background()

	directory.Record(ctx, Announcement{Room: "lobby", DeviceID: "AA:00"})
	fake.Advance(59 * time.Second)
	if _, err := directory.Resolve(ctx, "lobby"); err != nil {
		t.Fatalf("Resolve before TTL: %v", err)
	}
	fake.Advance(time.Second)
	if _, err := directory.Resolve(ctx, "lobby"); !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("Resolve at TTL = %v, want ErrUnknownRoom", err)
	}
	if list, _ := directory.List(ctx); len(list) != 0 {
		t.Errorf("List after TTL = %+v, want empty", list)
	}
}

func TestWatcherRecordsDeviceInfo(t *testing.T) {
	fake := clock.Fake(testEpoch)
	directory := NewMemoryDirectory(fake, 0)
	watcher := NewWatcher(directory, fake, testutil.Logger(t))

	payload, _ := json.Marshal(protocol.DeviceInfo{Room: "lobby", MacAddress: "AA:BB:CC:DD:EE:FF"})
	watcher.Handle(transport.Message{Topic: protocol.TopicDeviceInfo, Payload: payload})
	watcher.Handle(transport.Message{Topic: protocol.TopicDeviceInfo, Payload: []byte("{not json")})
	watcher.Handle(transport.Message{Topic: protocol.TopicDeviceInfo, Payload: []byte(`{"Room":"annex"}`)})

	deviceID, err := directory.Resolve(context.Background(), "lobby")
	if err != nil || deviceID != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Resolve(lobby) = %q, %v", deviceID, err)
	}
	if _, err := directory.Resolve(context.Background(), "annex"); !errors.Is(err, ErrUnknownRoom) {
		t.Errorf("announcement without address was recorded: %v", err)
	}

	subscription := watcher.Subscription()
	if subscription.Filter != protocol.TopicDeviceInfo || subscription.Handler == nil {
		t.Errorf("Subscription() = %+v", subscription)
	}
}

func TestWatcherThroughBroker(t *testing.T) {
	fake := clock.Fake(testEpoch)
	directory := NewMemoryDirectory(fake, 0)
	watcher := NewWatcher(directory, fake, testutil.Logger(t))

	broker := transport.NewMemoryBroker()
	conn, err := broker.Dial(context.Background(), transport.DialOptions{ClientID: "station"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	subscription := watcher.Subscription()
	if err := conn.Subscribe(context.Background(), subscription.Filter, subscription.QoS, subscription.Handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	payload, _ := json.Marshal(protocol.DeviceInfo{Room: "annex", MacAddress: "BB:00"})
	broker.Publish(transport.Message{Topic: protocol.TopicDeviceInfo, Payload: payload})
	if deviceID, err := directory.Resolve(context.Background(), "annex"); err != nil || deviceID != "BB:00" {
		t.Errorf("Resolve(annex) = %q, %v", deviceID, err)
	}
}
