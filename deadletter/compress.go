// Copyright 2026 The Relay Authors
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression tags how an entry's payload is stored on disk.
type Compression string

const (
	// CompressionNone stores the payload inline in the envelope.
	CompressionNone Compression = "none"

	// CompressionZstd stores the payload zstd-compressed alongside
	// the envelope.
	CompressionZstd Compression = "zstd"
)

// The encoder and decoder are reused across calls; both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("deadletter: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("deadletter: zstd decoder initialization failed: " + err.Error())
	}
}

func compress(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

func decompress(compressed []byte, uncompressedSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != uncompressedSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
	}
	return result, nil
}
