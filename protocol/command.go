// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/turnstile-access/turnstile/credential"
)

// CommandType is the credential operation a Command requests.
type CommandType string

const (
	PushNewBio    CommandType = "PUSH_NEW_BIO"
	PushUpdateBio CommandType = "PUSH_UPDATE_BIO"
	PushDeleteBio CommandType = "PUSH_DELETE_BIO"

	// SyncAll wipes every credential on the device. If the command
	// also carries a bioId, that credential is enrolled afterwards.
	SyncAll CommandType = "SYNC_ALL"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	switch t {
	case PushNewBio, PushUpdateBio, PushDeleteBio, SyncAll:
		return true
	}
	return false
}

// Command is one entry of a push_biometric array.
type Command struct {
	BioID      string      `json:"bioId"`
	IDNumber   string      `json:"idNumber,omitempty"`
	PersonName string      `json:"personName,omitempty"`
	CmdType    CommandType `json:"cmdType"`
	BioDatas   []BioData   `json:"bioDatas,omitempty"`

	// FromDate and ToDate are YYYY-MM-DD; empty is unbounded.
	FromDate string `json:"fromDate,omitempty"`
	ToDate   string `json:"toDate,omitempty"`

	// FromTime and ToTime are HH:MM:SS. Empty FromTime is midnight;
	// empty ToTime is end of day.
	FromTime string `json:"fromTime,omitempty"`
	ToTime   string `json:"toTime,omitempty"`

	// ActiveDays is seven '0'/'1' characters starting Monday. Empty
	// means every day.
	ActiveDays string `json:"activeDays,omitempty"`
}

// BioData is one biometric payload of a Command.
type BioData struct {
	BioType  credential.PayloadKind `json:"BioType"`
	Template string                 `json:"Template"`
	Img      string                 `json:"Img,omitempty"`

	// Slot optionally requests a fingerprint sensor slot.
	Slot int `json:"Slot,omitempty"`
}

// Validate checks the fields every command type needs. Payload
// contents are checked later, one payload at a time, by the store.
func (c *Command) Validate() error {
	if !c.CmdType.Valid() {
		return fmt.Errorf("unknown cmdType %q", c.CmdType)
	}
	if c.BioID == "" && c.CmdType != SyncAll {
		return fmt.Errorf("%s requires bioId", c.CmdType)
	}
	return nil
}

// Window parses the validity fields, applying defaults for empty ones.
func (c *Command) Window() (credential.Window, error) {
	window := credential.AlwaysActive
	var err error
	if window.FromDate, err = credential.ParseDate(c.FromDate); err != nil {
		return credential.Window{}, err
	}
	if window.ToDate, err = credential.ParseDate(c.ToDate); err != nil {
		return credential.Window{}, err
	}
	if c.FromTime != "" {
		if window.FromTime, err = credential.ParseTimeOfDay(c.FromTime); err != nil {
			return credential.Window{}, err
		}
	}
	if c.ToTime != "" {
		if window.ToTime, err = credential.ParseTimeOfDay(c.ToTime); err != nil {
			return credential.Window{}, err
		}
	}
	if c.ActiveDays != "" {
		if window.Days, err = credential.ParseDaysMask(c.ActiveDays); err != nil {
			return credential.Window{}, err
		}
	}
	return window, nil
}

// Enrollment converts c into the store's form for deviceID.
func (c *Command) Enrollment(deviceID string) (credential.Enrollment, error) {
	window, err := c.Window()
	if err != nil {
		return credential.Enrollment{}, fmt.Errorf("command %s: %w", c.BioID, err)
	}
	payloads := make([]credential.Payload, 0, len(c.BioDatas))
	for _, data := range c.BioDatas {
		payloads = append(payloads, credential.Payload{
			Kind:     data.BioType,
			Template: data.Template,
			Image:    data.Img,
			Slot:     data.Slot,
		})
	}
	return credential.Enrollment{
		BioID:      c.BioID,
		IDNumber:   c.IDNumber,
		PersonName: c.PersonName,
		DeviceID:   deviceID,
		Window:     window,
		Payloads:   payloads,
	}, nil
}

// DecodeError describes one array entry that could not be decoded.
type DecodeError struct {
	Index int
	BioID string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.BioID != "" {
		return fmt.Sprintf("command %d (%s): %v", e.Index, e.BioID, e.Err)
	}
	return fmt.Sprintf("command %d: %v", e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeCommands parses a push_biometric payload. Servers send an
// array; a bare object is accepted as a one-element array.
//
// Entries are decoded independently. The returned slice holds every
// entry that decoded and validated; the error joins a *DecodeError
// for each one that did not. A payload that is not JSON at all yields
// no commands and an error.
func DecodeCommands(payload []byte) ([]Command, error) {
	trimmed := bytes.TrimSpace(payload)
	var entries []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '{' {
		entries = []json.RawMessage{trimmed}
	} else if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("protocol: decoding commands: %w", err)
	}

	commands := make([]Command, 0, len(entries))
	var errs []error
	for index, entry := range entries {
		var command Command
		if err := json.Unmarshal(entry, &command); err != nil {
			errs = append(errs, &DecodeError{Index: index, Err: err})
			continue
		}
		if err := command.Validate(); err != nil {
			errs = append(errs, &DecodeError{Index: index, BioID: command.BioID, Err: err})
			continue
		}
		commands = append(commands, command)
	}
	return commands, errors.Join(errs...)
}

// EncodeCommands renders commands as a push_biometric payload.
func EncodeCommands(commands []Command) ([]byte, error) {
	if commands == nil {
		commands = []Command{}
	}
	data, err := json.Marshal(commands)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding commands: %w", err)
	}
	return data, nil
}
