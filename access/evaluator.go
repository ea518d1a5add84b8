// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/turnstile-access/turnstile/credential"
	"github.com/turnstile-access/turnstile/protocol"
)

// DefaultFaceThreshold is the minimum cosine similarity for a face
// match when Config leaves it unset.
const DefaultFaceThreshold = 0.8

// Reason explains a refusal. It is empty for granted decisions.
type Reason string

const (
	ReasonNoCandidates  Reason = "no_candidates"
	ReasonNoMatch       Reason = "no_match"
	ReasonUnknownSlot   Reason = "unknown_slot"
	ReasonUnknownCard   Reason = "unknown_card"
	ReasonOutsideWindow Reason = "outside_window"
)

// Reader is the subset of credential.Store the evaluator reads.
type Reader interface {
	ActiveFaceCredentials(ctx context.Context, deviceID string, now time.Time) ([]credential.FaceCandidate, error)
	CredentialByFingerSlot(ctx context.Context, deviceID string, slot int) (*credential.Credential, error)
	CredentialByRFID(ctx context.Context, deviceID, uid string, at time.Time) (*credential.Credential, error)
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Method     protocol.AccessMethod
	DeviceID   string
	At         time.Time
	Granted    bool
	BioID      string
	PersonName string

	// Score is the face similarity; zero for other methods.
	Score  float64
	Reason Reason
}

// Config holds the parameters for an Evaluator.
type Config struct {
	// Reader supplies credentials. Required.
	Reader Reader

	// FaceThreshold is the minimum similarity to grant. Defaults to
	// DefaultFaceThreshold.
	FaceThreshold float64

	Logger *slog.Logger
}

// Evaluator builds snapshots. It holds no per-device state.
type Evaluator struct {
	reader    Reader
	threshold float64
	logger    *slog.Logger
}

// NewEvaluator returns an Evaluator reading from cfg.Reader.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("access: Reader is required")
	}
	evaluator := &Evaluator{
		reader:    cfg.Reader,
		threshold: cfg.FaceThreshold,
		logger:    cfg.Logger,
	}
	if evaluator.threshold <= 0 {
		evaluator.threshold = DefaultFaceThreshold
	}
	if evaluator.logger == nil {
		evaluator.logger = slog.New(slog.DiscardHandler)
	}
	return evaluator, nil
}

// Threshold returns the face similarity threshold in use.
func (e *Evaluator) Threshold() float64 { return e.threshold }

// Snapshot is the evaluation context for one device at one instant.
// Faces holds the candidates whose windows admitted At when the
// snapshot was taken.
type Snapshot struct {
	DeviceID string
	At       time.Time
	Faces    []credential.FaceCandidate

	evaluator *Evaluator
}

// Snapshot loads the face candidates active on deviceID at now.
func (e *Evaluator) Snapshot(ctx context.Context, deviceID string, now time.Time) (*Snapshot, error) {
	faces, err := e.reader.ActiveFaceCredentials(ctx, deviceID, now)
	if err != nil {
		return nil, fmt.Errorf("access: snapshot %s: %w", deviceID, err)
	}
	return &Snapshot{DeviceID: deviceID, At: now, Faces: faces, evaluator: e}, nil
}

// EvaluateFace matches probe against the snapshot's candidates.
func (s *Snapshot) EvaluateFace(probe []float32) Decision {
	decision := s.decision(protocol.MethodFace)
	if len(s.Faces) == 0 {
		decision.Reason = ReasonNoCandidates
		return s.record(decision)
	}
	match, ok := MatchFace(probe, s.Faces, s.evaluator.threshold)
	if !ok {
		decision.Reason = ReasonNoMatch
		return s.record(decision)
	}
	decision.Granted = true
	decision.BioID = match.BioID
	decision.PersonName = match.PersonName
	decision.Score = match.Score
	return s.record(decision)
}

// EvaluateFinger resolves a slot reported by the sensor and checks
// that its credential is valid at the snapshot's instant.
func (s *Snapshot) EvaluateFinger(ctx context.Context, slot int) (Decision, error) {
	found, err := s.evaluator.reader.CredentialByFingerSlot(ctx, s.DeviceID, slot)
	return s.resolve(protocol.MethodFinger, found, err, ReasonUnknownSlot)
}

// EvaluateRFID resolves a card UID and checks its credential's window.
func (s *Snapshot) EvaluateRFID(ctx context.Context, uid string) (Decision, error) {
	found, err := s.evaluator.reader.CredentialByRFID(ctx, s.DeviceID, uid, s.At)
	return s.resolve(protocol.MethodRFID, found, err, ReasonUnknownCard)
}

func (s *Snapshot) resolve(method protocol.AccessMethod, found *credential.Credential, err error, missing Reason) (Decision, error) {
	decision := s.decision(method)
	if errors.Is(err, credential.ErrNotFound) {
		decision.Reason = missing
		return s.record(decision), nil
	}
	if err != nil {
		decisionsTotal.WithLabelValues(string(method), "error").Inc()
		return decision, fmt.Errorf("access: evaluate %s on %s: %w", method, s.DeviceID, err)
	}
	decision.BioID = found.BioID
	decision.PersonName = found.PersonName
	if !found.Window.Active(s.At) {
		decision.Reason = ReasonOutsideWindow
		return s.record(decision), nil
	}
	decision.Granted = true
	return s.record(decision), nil
}

func (s *Snapshot) decision(method protocol.AccessMethod) Decision {
	return Decision{Method: method, DeviceID: s.DeviceID, At: s.At}
}

func (s *Snapshot) record(decision Decision) Decision {
	result := "granted"
	if !decision.Granted {
		result = string(decision.Reason)
	}
	decisionsTotal.WithLabelValues(string(decision.Method), result).Inc()
	s.evaluator.logger.Info("access decision",
		"device_id", decision.DeviceID,
		"method", string(decision.Method),
		"granted", decision.Granted,
		"bio_id", decision.BioID,
		"score", decision.Score,
		"reason", string(decision.Reason),
	)
	return decision
}
