// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredentials is returned by Connect before any token has
	// been fetched, or after a disconnect cleared it.
	ErrNoCredentials = errors.New("session: no broker credentials")

	// ErrClosed is returned when the session was explicitly
	// disconnected while an operation was in flight.
	ErrClosed = errors.New("session: disconnected")

	// ErrMalformedToken means the identity service answered OK
	// without usable credentials.
	ErrMalformedToken = errors.New("session: malformed token response")
)

// TokenError is a failure reported by the identity service. Callers
// can use errors.As to inspect it:
//
//	var tokenErr *TokenError
//	if errors.As(err, &tokenErr) && tokenErr.StatusCode == http.StatusForbidden { ... }
type TokenError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int

	// Code is the service's code field, if the body was JSON.
	Code string

	// Body is the raw response for non-JSON errors.
	Body string
}

func (e *TokenError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("session: token service: %s (%d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("session: token service: unexpected %d response: %s", e.StatusCode, e.Body)
}
