// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"time"

	"github.com/turnstile-access/turnstile/credential"
	"github.com/turnstile-access/turnstile/protocol"
	"github.com/turnstile-access/turnstile/transport"
)

const commandTimeout = 30 * time.Second

// handlePush applies a push_biometric payload. It runs on the session
// loop, so commands from one payload, and payloads from successive
// messages, are applied in arrival order.
func (d *Device) handlePush(message transport.Message) {
	if target, ok := protocol.DeviceFromPushTopic(message.Topic); !ok || target != d.id {
		d.logger.Warn("push for another device ignored", "topic", message.Topic)
		return
	}
	commands, err := protocol.DecodeCommands(message.Payload)
	if err != nil {
		// Entries that decoded are still applied.
		d.logDecodeErrors(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	for _, command := range commands {
		d.apply(ctx, command)
	}

	d.mu.Lock()
	d.lastCommand = d.clock.Now()
	d.mu.Unlock()
}

func (d *Device) logDecodeErrors(err error) {
	var decodeErr *protocol.DecodeError
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		d.logger.Warn("malformed push_biometric payload", "error", err)
		commandsTotal.WithLabelValues("unknown", "malformed").Inc()
		return
	}
	for _, entry := range joined.Unwrap() {
		if errors.As(entry, &decodeErr) {
			d.logger.Warn("malformed command skipped",
				"index", decodeErr.Index,
				"bio_id", decodeErr.BioID,
				"error", decodeErr.Err,
			)
		}
		commandsTotal.WithLabelValues("unknown", "malformed").Inc()
	}
}

// apply executes one validated command against the store.
func (d *Device) apply(ctx context.Context, command protocol.Command) {
	logger := d.logger.With("bio_id", command.BioID, "cmd_type", string(command.CmdType))
	result := "ok"
	defer func() { commandsTotal.WithLabelValues(string(command.CmdType), result).Inc() }()

	switch command.CmdType {
	case protocol.PushNewBio, protocol.PushUpdateBio:
		if !d.upsert(ctx, command) {
			result = "failed"
		}

	case protocol.PushDeleteBio:
		removed, err := d.store.Delete(ctx, command.BioID)
		if err != nil {
			logger.Error("delete failed", "error", err)
			result = "failed"
			return
		}
		logger.Info("credential deleted", "removed", removed)

	case protocol.SyncAll:
		removed, err := d.store.DeleteAllForDevice(ctx, d.id)
		if err != nil {
			logger.Error("device wipe failed", "error", err)
			result = "failed"
			return
		}
		logger.Info("device credentials wiped", "removed", removed)
		if command.BioID != "" && !d.upsert(ctx, command) {
			result = "failed"
		}
	}
}

func (d *Device) upsert(ctx context.Context, command protocol.Command) bool {
	logger := d.logger.With("bio_id", command.BioID)
	enrollment, err := command.Enrollment(d.id)
	if err != nil {
		logger.Warn("command rejected", "error", err)
		return false
	}
	result, err := d.store.Upsert(ctx, enrollment)
	if err != nil {
		logger.Error("upsert failed", "error", err)
		return false
	}
	if errors.Is(result.SkippedErr(credential.PayloadFinger), credential.ErrSlotsExhausted) {
		logger.Error("fingerprint sensor full; finger payload not enrolled")
	}
	logger.Info("credential stored",
		"created", result.Created,
		"applied", len(result.Applied),
		"skipped", len(result.Skipped),
		"finger_slot", result.FingerSlot,
	)
	return true
}
