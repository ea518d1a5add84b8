// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// Sealer encrypts to, and decrypts with, a single X25519 identity.
type Sealer struct {
	identity *age.X25519Identity
}

// New returns a Sealer for identity.
func New(identity *age.X25519Identity) *Sealer {
	return &Sealer{identity: identity}
}

// Generate returns a Sealer with a fresh identity.
func Generate() (*Sealer, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating identity: %w", err)
	}
	return New(identity), nil
}

// LoadOrCreate reads an age identity file, creating it if missing.
// Blank lines and lines starting with '#' are ignored, matching the
// format age-keygen writes.
func LoadOrCreate(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("sealed: reading %s: %w", path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing %s: %w", path, err)
		}
		return New(identity), nil
	}
	return nil, fmt.Errorf("sealed: %s contains no identity", path)
}

func create(path string) (*Sealer, error) {
	sealer, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sealed: creating directory for %s: %w", path, err)
	}
	contents := fmt.Sprintf("# public key: %s\n%s\n", sealer.Recipient(), sealer.identity.String())
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		return nil, fmt.Errorf("sealed: writing %s: %w", path, err)
	}
	return sealer, nil
}

// Recipient returns the public half of the identity (age1...).
func (s *Sealer) Recipient() string {
	return s.identity.Recipient().String()
}

// Seal encrypts plaintext to the identity's recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	return plaintext, nil
}
