// Copyright 2026 The Turnstile Authors
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the compression applied to a stored blob.
type Tag uint8

const (
	// None stores the payload as-is.
	None Tag = 0
	// LZ4 is LZ4 block compression.
	LZ4 Tag = 1
	// Zstd is zstd at the default level.
	Zstd Tag = 2
)

// maxBlobSize bounds the declared length of a frame so a corrupt
// header cannot trigger a huge allocation.
const maxBlobSize = 64 << 20

var errIncompressible = errors.New("blob: incompressible")

func (tag Tag) String() string {
	switch tag {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blob: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blob: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode compresses data with tag and returns the framed result. A nil
// or empty input encodes to nil so empty columns stay NULL.
func Encode(data []byte, tag Tag) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	payload, err := compress(data, tag)
	if errors.Is(err, errIncompressible) {
		tag, payload, err = None, data, nil
	}
	if err != nil {
		return nil, err
	}

	frame := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload))
	frame[0] = byte(tag)
	frame = binary.AppendUvarint(frame, uint64(len(data)))
	return append(frame, payload...), nil
}

// Decode reverses Encode.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, nil
	}

	tag := Tag(frame[0])
	size, read := binary.Uvarint(frame[1:])
	if read <= 0 {
		return nil, fmt.Errorf("blob: corrupt length header")
	}
	if size > maxBlobSize {
		return nil, fmt.Errorf("blob: declared length %d exceeds limit", size)
	}
	payload := frame[1+read:]

	switch tag {
	case None:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("blob: length %d does not match header %d", len(payload), size)
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil

	case LZ4:
		out := make([]byte, size)
		written, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("blob: lz4 decompress: %w", err)
		}
		if uint64(written) != size {
			return nil, fmt.Errorf("blob: lz4 produced %d bytes, header says %d", written, size)
		}
		return out, nil

	case Zstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("blob: zstd decompress: %w", err)
		}
		if uint64(len(out)) != size {
			return nil, fmt.Errorf("blob: zstd produced %d bytes, header says %d", len(out), size)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("blob: unsupported tag %s", tag)
	}
}

func compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil

	case LZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("blob: lz4 compress: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case Zstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("blob: unsupported tag %s", tag)
	}
}
