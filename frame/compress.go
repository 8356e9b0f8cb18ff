// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies how the replay snapshot in a WELCOME
// payload was compressed. The tag travels as a single byte in the
// payload, so the numeric values are part of the wire protocol and
// must not be reassigned.
type CompressionTag uint8

const (
	// CompressionNone marks a raw snapshot. Applied when the buffer
	// is too small to be worth compressing, and when the preferred
	// algorithm failed to shrink it.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 marks LZ4 block compression, the cheap option
	// for daemons that favor handshake latency over bandwidth.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd marks zstd at its default level. Best ratio
	// for the shell transcripts and log output that fill most ring
	// buffers.
	CompressionZstd CompressionTag = 2
)

// compressionNames is indexed by tag value. Parsing and printing both
// go through this table, so the two can never drift apart.
var compressionNames = [...]string{
	CompressionNone: "none",
	CompressionLZ4:  "lz4",
	CompressionZstd: "zstd",
}

// String returns the name of the tag, or "unknown(N)" for a value
// outside the protocol.
func (tag CompressionTag) String() string {
	if int(tag) < len(compressionNames) {
		return compressionNames[tag]
	}
	return fmt.Sprintf("unknown(%d)", tag)
}

// ParseCompressionTag maps an algorithm name, as accepted on the
// shepherd command line, back to its tag.
func ParseCompressionTag(name string) (CompressionTag, error) {
	for tag, known := range compressionNames {
		if name == known {
			return CompressionTag(tag), nil
		}
	}
	return 0, fmt.Errorf("unknown compression algorithm %q (valid: none, lz4, zstd)", name)
}

// compressionThreshold is the snapshot size below which compression is
// skipped entirely. A near-empty ring buffer compresses to nothing
// worth the round trip through the codec.
const compressionThreshold = 256

// CompressReplay compresses a replay snapshot with the preferred
// algorithm. It returns the bytes to put on the wire together with the
// tag that was actually applied, which is CompressionNone whenever the
// snapshot is below the size threshold or the algorithm could not
// shrink it. Callers must record the returned tag, not the preference.
func CompressReplay(data []byte, preferred CompressionTag) ([]byte, CompressionTag, error) {
	if preferred == CompressionNone || len(data) < compressionThreshold {
		return data, CompressionNone, nil
	}

	var packed []byte
	switch preferred {
	case CompressionLZ4:
		buffer := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buffer, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		packed = buffer[:n]

	case CompressionZstd:
		packed = zstdEncoder.EncodeAll(data, nil)

	default:
		return nil, 0, fmt.Errorf("compress replay: unknown tag %d", preferred)
	}

	// CompressBlock reports incompressible input by writing zero
	// bytes; zstd reports it by producing output at least as large as
	// the input. Either way the snapshot goes out raw, since sending
	// a padded "compressed" payload would waste both bytes and CPU.
	if len(packed) == 0 || len(packed) >= len(data) {
		return data, CompressionNone, nil
	}
	return packed, preferred, nil
}

// DecompressReplay expands a replay snapshot received in a WELCOME
// payload. uncompressedSize comes from the payload header and must
// match the expanded length exactly. Sizes beyond the frame payload
// limit are rejected before any allocation, so a corrupt or hostile
// daemon cannot make the client allocate unbounded memory.
func DecompressReplay(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	if uncompressedSize < 0 || uncompressedSize > maxPayloadLength {
		return nil, fmt.Errorf("replay snapshot size %d outside valid range [0, %d]",
			uncompressedSize, maxPayloadLength)
	}

	switch tag {
	case CompressionNone:
		if len(compressed) != uncompressedSize {
			return nil, fmt.Errorf("raw replay snapshot is %d bytes, header says %d",
				len(compressed), uncompressedSize)
		}
		return compressed, nil

	case CompressionLZ4:
		expanded := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(compressed, expanded)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != uncompressedSize {
			return nil, fmt.Errorf("lz4 replay expanded to %d bytes, header says %d",
				n, uncompressedSize)
		}
		return expanded, nil

	case CompressionZstd:
		expanded, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(expanded) != uncompressedSize {
			return nil, fmt.Errorf("zstd replay expanded to %d bytes, header says %d",
				len(expanded), uncompressedSize)
		}
		return expanded, nil

	default:
		return nil, fmt.Errorf("decompress replay: unknown tag %d", tag)
	}
}

// The zstd encoder and decoder are stateless in EncodeAll/DecodeAll
// mode and safe for concurrent use, so one of each serves the whole
// process.
var (
	zstdEncoder = mustZstdEncoder()
	zstdDecoder = mustZstdDecoder()
)

func mustZstdEncoder() *zstd.Encoder {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("frame: zstd encoder: " + err.Error())
	}
	return encoder
}

func mustZstdDecoder() *zstd.Decoder {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		panic("frame: zstd decoder: " + err.Error())
	}
	return decoder
}
