// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// digestKey separates credential-set digests from any other BLAKE3
// use of the same bytes.
var digestKey = [32]byte{
	't', 'u', 'r', 'n', 's', 't', 'i', 'l', 'e', '.', 'c', 'r', 'e', 'd', 'e', 'n',
	't', 'i', 'a', 'l', '.', 's', 'e', 't', 0, 0, 0, 0, 0, 0, 0, 0,
}

// Digest returns a hex BLAKE3 digest of the sorted set of BioIDs on
// deviceID. Two devices with the same credential set report the same
// digest, which lets an enrollment station spot a device that missed
// a push without listing its records.
func (s *Store) Digest(ctx context.Context, deviceID string) (string, error) {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		return "", fmt.Errorf("credential: digest: %w", err)
	}
	var lengthPrefix [binary.MaxVarintLen64]byte
	err = s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT bio_id FROM credentials WHERE device_id = ? ORDER BY bio_id",
			&sqlitex.ExecOptions{
				Args: []any{deviceID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					bioID := stmt.ColumnText(0)
					written := binary.PutUvarint(lengthPrefix[:], uint64(len(bioID)))
					hasher.Write(lengthPrefix[:written])
					hasher.WriteString(bioID)
					return nil
				},
			})
	})
	if err != nil {
		return "", fmt.Errorf("credential: digest %s: %w", deviceID, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
