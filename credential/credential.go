// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by single-record lookups that match
	// nothing.
	ErrNotFound = errors.New("credential: not found")

	// ErrSlotsExhausted means every fingerprint slot on the device is
	// bound. It is not retried.
	ErrSlotsExhausted = errors.New("credential: fingerprint slots exhausted")

	// ErrFaceDimensions means a face vector had the wrong length.
	ErrFaceDimensions = errors.New("credential: face vector has wrong dimensions")

	// ErrEmptyPayload means a payload carried no template.
	ErrEmptyPayload = errors.New("credential: empty payload")

	// ErrUnknownPayload means a payload kind is not recognized.
	ErrUnknownPayload = errors.New("credential: unknown payload kind")
)

// Credential is one enrolled person on one device.
type Credential struct {
	BioID      string
	IDNumber   string
	PersonName string
	DeviceID   string
	Window     Window

	// Face is the embedding vector, nil if no face is enrolled.
	Face []float32

	// FaceImage is the enrollment photo, if one was supplied.
	FaceImage []byte

	// FingerTemplate is the sensor-specific template. FingerSlot is
	// the sensor memory index it is loaded into; 0 means no slot.
	FingerTemplate []byte
	FingerSlot     int

	// RFID is the card UID, "" if none.
	RFID string

	UpdatedAt time.Time
}

// HasFace reports whether c carries a face embedding.
func (c *Credential) HasFace() bool { return len(c.Face) > 0 }

// HasFinger reports whether c is bound to a fingerprint slot.
func (c *Credential) HasFinger() bool { return c.FingerSlot > 0 }

// PayloadKind names a biometric payload type.
type PayloadKind string

const (
	PayloadFace   PayloadKind = "FACE"
	PayloadFinger PayloadKind = "FINGER"
	PayloadIDCard PayloadKind = "IDCARD"
)

// Payload is one biometric entry of an enrollment, still in wire form.
type Payload struct {
	Kind PayloadKind

	// Template is base64 for FACE (little-endian float32 vector) and
	// FINGER. For IDCARD it is the card UID itself.
	Template string

	// Image is an optional base64 photo (FACE only).
	Image string

	// Slot is the requested fingerprint slot; 0 keeps the record's
	// current slot or allocates one.
	Slot int
}

// Enrollment is the full desired state of one credential. Applying it
// replaces whatever the store held for BioID.
type Enrollment struct {
	BioID      string
	IDNumber   string
	PersonName string
	DeviceID   string
	Window     Window
	Payloads   []Payload
}

// SkippedPayload records a payload Upsert could not apply.
type SkippedPayload struct {
	Kind PayloadKind
	Err  error
}

// UpsertResult reports what Upsert did with each payload.
type UpsertResult struct {
	BioID   string
	Created bool
	Applied []PayloadKind
	Skipped []SkippedPayload

	// FingerSlot is the slot the fingerprint was bound to, 0 if none.
	FingerSlot int
}

// SkippedErr returns the error recorded for kind, or nil.
func (r *UpsertResult) SkippedErr(kind PayloadKind) error {
	for _, skipped := range r.Skipped {
		if skipped.Kind == kind {
			return skipped.Err
		}
	}
	return nil
}

// FaceCandidate is the subset of a credential face matching needs.
type FaceCandidate struct {
	BioID      string
	PersonName string
	Vector     []float32
}
