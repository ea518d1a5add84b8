// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// ParseBatch parses a credential batch file: the push_biometric array
// format extended with // and /* */ comments and trailing commas.
// Unlike DecodeCommands, any bad entry fails the whole batch, since an
// operator can fix the file and rerun.
func ParseBatch(data []byte) ([]Command, error) {
	commands, err := DecodeCommands(jsonc.ToJSON(data))
	if err != nil {
		return nil, fmt.Errorf("parsing batch: %w", err)
	}
	if len(commands) == 0 {
		return nil, errors.New("parsing batch: no commands")
	}
	return commands, nil
}

// ReadBatchFile reads and parses a batch file.
func ReadBatchFile(path string) ([]Command, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	commands, err := ParseBatch(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return commands, nil
}
