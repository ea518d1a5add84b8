// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/turnstile-access/turnstile/lib/codec"
	"github.com/turnstile-access/turnstile/lib/sealed"
)

// persistedToken is the on-disk form of the last fetched credentials.
type persistedToken struct {
	Username  string    `cbor:"username"`
	Token     string    `cbor:"token"`
	FetchedAt time.Time `cbor:"fetched_at"`
}

// tokenStore reads and writes the state file. A nil sealer stores
// plain CBOR.
type tokenStore struct {
	path   string
	sealer *sealed.Sealer
}

func (ts *tokenStore) load() (*persistedToken, error) {
	data, err := os.ReadFile(ts.path)
	if err != nil {
		return nil, err
	}
	if ts.sealer != nil {
		if data, err = ts.sealer.Open(data); err != nil {
			return nil, err
		}
	}
	var state persistedToken
	if err := codec.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", ts.path, err)
	}
	if state.Username == "" || state.Token == "" {
		return nil, fmt.Errorf("%s: %w", ts.path, ErrMalformedToken)
	}
	return &state, nil
}

// save writes state through a temporary file and rename so a crash
// never leaves a truncated file behind.
func (ts *tokenStore) save(state persistedToken) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return err
	}
	if ts.sealer != nil {
		if data, err = ts.sealer.Seal(data); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(ts.path), 0o700); err != nil {
		return err
	}
	temporary := ts.path + ".tmp"
	if err := os.WriteFile(temporary, data, 0o600); err != nil {
		return err
	}
	return os.Rename(temporary, ts.path)
}

func (ts *tokenStore) remove() error {
	err := os.Remove(ts.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// tokenExpired reports whether token is a JWT whose exp is at or
// before now. Tokens that are not JWTs, or carry no exp, are treated
// as unexpired; the broker is the final judge.
func tokenExpired(token string, now time.Time) bool {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}
