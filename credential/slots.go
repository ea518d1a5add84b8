// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// NextFreeSlot returns the lowest slot in [1, capacity] that no
// credential on deviceID is bound to, or ErrSlotsExhausted.
func (s *Store) NextFreeSlot(ctx context.Context, deviceID string, capacity int) (int, error) {
	var slot int
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		slot, err = lowestFreeSlot(conn, deviceID, "", capacity)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("credential: next free slot on %s: %w", deviceID, err)
	}
	return slot, nil
}

// resolveSlot picks the slot bioID's fingerprint goes into: preferred
// if it is in range and free (or already bioID's), otherwise the
// lowest free slot.
func (s *Store) resolveSlot(conn *sqlite.Conn, deviceID, bioID string, preferred int) (int, error) {
	if preferred >= 1 && preferred <= s.slotCapacity {
		holder, err := slotHolder(conn, deviceID, preferred)
		if err != nil {
			return 0, err
		}
		if holder == "" || holder == bioID {
			return preferred, nil
		}
		s.logger.Info("fingerprint slot taken, reallocating",
			"bio_id", bioID,
			"requested_slot", preferred,
			"holder", holder,
		)
	}
	return lowestFreeSlot(conn, deviceID, bioID, s.slotCapacity)
}

func slotHolder(conn *sqlite.Conn, deviceID string, slot int) (string, error) {
	var holder string
	err := sqlitex.Execute(conn,
		"SELECT bio_id FROM credentials WHERE device_id = ? AND finger_slot = ?",
		&sqlitex.ExecOptions{
			Args: []any{deviceID, slot},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				holder = stmt.ColumnText(0)
				return nil
			},
		})
	return holder, err
}

// lowestFreeSlot scans bound slots in ascending order for the first
// gap. A slot held by ignoreBioID counts as free, since that record is
// about to be replaced.
func lowestFreeSlot(conn *sqlite.Conn, deviceID, ignoreBioID string, capacity int) (int, error) {
	candidate := 1
	err := sqlitex.Execute(conn, `
		SELECT finger_slot FROM credentials
		WHERE device_id = ? AND finger_slot IS NOT NULL AND bio_id != ?
		ORDER BY finger_slot`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID, ignoreBioID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnInt(0) == candidate {
					candidate++
				}
				return nil
			},
		})
	if err != nil {
		return 0, err
	}
	if candidate > capacity {
		return 0, ErrSlotsExhausted
	}
	return candidate, nil
}
