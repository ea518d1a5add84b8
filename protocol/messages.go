// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"time"

	"github.com/google/uuid"
)

// DeviceTimeLayout formats DeviceTime and event timestamps.
const DeviceTimeLayout = "2006-01-02 15:04:05"

// FormatDeviceTime renders t in DeviceTimeLayout.
func FormatDeviceTime(t time.Time) string {
	return t.Format(DeviceTimeLayout)
}

// RegisterDevice is the device's handshake, sent on every connect.
type RegisterDevice struct {
	MacAddress     string `json:"MacAddress"`
	HashedPassword string `json:"HashedPassword"`
}

// RegisterDeviceResponse is the server's reply to RegisterDevice.
type RegisterDeviceResponse struct {
	MacAddress  string `json:"MacAddress"`
	AccessToken string `json:"AccessToken"`
	Status      string `json:"Status"`
}

// Healthcheck is the periodic heartbeat.
type Healthcheck struct {
	MacAddress string `json:"MacAddress"`
	DeviceTime string `json:"DeviceTime"`
	Token      string `json:"Token,omitempty"`

	// CredentialDigest is the device's credential set digest, which
	// lets a station notice a device that missed a push.
	CredentialDigest string `json:"CredentialDigest,omitempty"`

	// Pending is the device's outbox depth.
	Pending *int `json:"Pending,omitempty"`
}

// DeviceInfo advertises which room a device is installed in.
type DeviceInfo struct {
	Room       string `json:"Room"`
	MacAddress string `json:"MacAddress"`
}

// AccessMethod is how a person presented themselves.
type AccessMethod string

const (
	MethodFace   AccessMethod = "FACE"
	MethodFinger AccessMethod = "FINGER"
	MethodRFID   AccessMethod = "IDCARD"
)

// RecognitionEvent reports one access decision.
type RecognitionEvent struct {
	EventID    string       `json:"EventId"`
	MacAddress string       `json:"MacAddress"`
	Method     AccessMethod `json:"Method"`
	BioID      string       `json:"BioId,omitempty"`
	PersonName string       `json:"PersonName,omitempty"`
	Granted    bool         `json:"Granted"`
	Score      float64      `json:"Score,omitempty"`
	Reason     string       `json:"Reason,omitempty"`
	Time       string       `json:"Time"`
}

// DoorEvent reports a debounced door state change.
type DoorEvent struct {
	EventID    string `json:"EventId"`
	MacAddress string `json:"MacAddress"`
	Open       bool   `json:"Open"`
	Time       string `json:"Time"`
}

// NewEventID returns a fresh identifier for an event. Consumers use
// it to drop duplicates redelivered from the outbox.
func NewEventID() string {
	return uuid.NewString()
}
