// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/turnstile-access/turnstile/lib/clock"
)

// ErrUnknownRoom is returned by Resolve when no live announcement
// names the room.
var ErrUnknownRoom = errors.New("discovery: unknown room")

// DefaultTTL is how long an announcement stays resolvable.
const DefaultTTL = 10 * time.Minute

// Announcement is one device_info broadcast.
type Announcement struct {
	Room     string    `json:"room"`
	DeviceID string    `json:"device_id"`
	SeenAt   time.Time `json:"seen_at"`
}

// Directory records announcements and resolves rooms. The latest
// announcement for a room wins.
type Directory interface {
	Record(ctx context.Context, announcement Announcement) error
	Resolve(ctx context.Context, room string) (deviceID string, err error)

	// List returns live announcements sorted by room.
	List(ctx context.Context) ([]Announcement, error)
}

var (
	_ Directory = (*MemoryDirectory)(nil)
	_ Directory = (*RedisDirectory)(nil)
)

// MemoryDirectory is a Directory held in process memory.
type MemoryDirectory struct {
	clock clock.Clock
	ttl   time.Duration

	mu    sync.Mutex
	rooms map[string]Announcement
}

// NewMemoryDirectory returns an empty directory. A ttl <= 0 uses
// DefaultTTL.
func NewMemoryDirectory(clk clock.Clock, ttl time.Duration) *MemoryDirectory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryDirectory{clock: clk, ttl: ttl, rooms: make(map[string]Announcement)}
}

func (d *MemoryDirectory) Record(_ context.Context, announcement Announcement) error {
	if announcement.SeenAt.IsZero() {
		announcement.SeenAt = d.clock.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[announcement.Room] = announcement
	return nil
}

func (d *MemoryDirectory) Resolve(_ context.Context, room string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	announcement, ok := d.rooms[room]
	if !ok || d.expiredLocked(announcement) {
		return "", ErrUnknownRoom
	}
	return announcement.DeviceID, nil
}

func (d *MemoryDirectory) List(context.Context) ([]Announcement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var live []Announcement
	for room, announcement := range d.rooms {
		if d.expiredLocked(announcement) {
			delete(d.rooms, room)
			continue
		}
		live = append(live, announcement)
	}
	sortByRoom(live)
	return live, nil
}

func (d *MemoryDirectory) expiredLocked(announcement Announcement) bool {
	return !d.clock.Now().Before(announcement.SeenAt.Add(d.ttl))
}

func sortByRoom(announcements []Announcement) {
	sort.Slice(announcements, func(i, j int) bool {
		return announcements[i].Room < announcements[j].Room
	})
}
