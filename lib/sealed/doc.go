// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts small device-local secrets with age.
//
// The device session persists the broker username and token it
// received from the identity service so a restart can reconnect
// without a token round trip. When the configuration names an
// identity file, that state is sealed to the identity's X25519
// recipient before it touches disk. The identity file is created
// with mode 0600 on first use if it does not exist.
//
//	sealer, err := sealed.LoadOrCreate("/var/lib/turnstile/device.agekey")
//	ciphertext, err := sealer.Seal(plaintext)
//	plaintext, err := sealer.Open(ciphertext)
package sealed
