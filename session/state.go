// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "fmt"

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	FetchingToken
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case FetchingToken:
		return "fetching_token"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Delivery reports what PublishOrQueue did with a message.
type Delivery int

const (
	// Published means the broker accepted the message directly.
	Published Delivery = iota + 1

	// Queued means the message is in the outbox awaiting a flush.
	Queued
)

func (d Delivery) String() string {
	switch d {
	case Published:
		return "published"
	case Queued:
		return "queued"
	default:
		return fmt.Sprintf("delivery(%d)", int(d))
	}
}
