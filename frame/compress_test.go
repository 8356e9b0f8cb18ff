// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestCompressionTagString(t *testing.T) {
	tests := []struct {
		tag  CompressionTag
		want string
	}{
		{CompressionNone, "none"},
		{CompressionLZ4, "lz4"},
		{CompressionZstd, "zstd"},
		{CompressionTag(99), "unknown(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.tag.String()
			if got != tt.want {
				t.Errorf("CompressionTag(%d).String() = %q, want %q", tt.tag, got, tt.want)
			}
		})
	}
}

func TestParseCompressionTag(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		t.Run(name, func(t *testing.T) {
			tag, err := ParseCompressionTag(name)
			if err != nil {
				t.Fatalf("ParseCompressionTag(%q) failed: %v", name, err)
			}
			if tag.String() != name {
				t.Errorf("roundtrip: ParseCompressionTag(%q).String() = %q", name, tag.String())
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := ParseCompressionTag("gzip")
		if err == nil {
			t.Error("ParseCompressionTag(\"gzip\") should fail")
		}
	})
}

// terminalTranscript builds a compressible snapshot shaped like real
// session output: repeated shell prompts, paths, and log lines.
func terminalTranscript(size int) []byte {
	line := "agent@bureau:~/workspace$ go test ./...\nok  \tgithub.com/bureau-foundation/tower/frame\t0.012s\n"
	var builder strings.Builder
	for builder.Len() < size {
		builder.WriteString(line)
	}
	return []byte(builder.String())[:size]
}

func TestCompressReplayRoundTrip(t *testing.T) {
	for _, tag := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			data := terminalTranscript(64 * 1024)

			compressed, applied, err := CompressReplay(data, tag)
			if err != nil {
				t.Fatalf("CompressReplay(%v) failed: %v", tag, err)
			}
			if applied != tag {
				t.Fatalf("applied tag: got %v, want %v", applied, tag)
			}
			if len(compressed) >= len(data) {
				t.Errorf("%v did not compress: %d bytes → %d bytes", tag, len(data), len(compressed))
			}

			decompressed, err := DecompressReplay(compressed, applied, len(data))
			if err != nil {
				t.Fatalf("DecompressReplay(%v) failed: %v", tag, err)
			}
			if !bytes.Equal(decompressed, data) {
				t.Errorf("%v roundtrip mismatch", tag)
			}
		})
	}
}

func TestCompressReplayNonePassThrough(t *testing.T) {
	data := terminalTranscript(4 * 1024)

	compressed, applied, err := CompressReplay(data, CompressionNone)
	if err != nil {
		t.Fatalf("CompressReplay(none) failed: %v", err)
	}
	if applied != CompressionNone {
		t.Errorf("applied tag: got %v, want none", applied)
	}
	if &compressed[0] != &data[0] {
		t.Error("CompressionNone should return the same slice, not a copy")
	}

	decompressed, err := DecompressReplay(compressed, CompressionNone, len(data))
	if err != nil {
		t.Fatalf("DecompressReplay(none) failed: %v", err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Error("none roundtrip mismatch")
	}
}

func TestCompressReplaySmallSnapshotSkipsCompression(t *testing.T) {
	data := []byte("$ \n")

	compressed, applied, err := CompressReplay(data, CompressionZstd)
	if err != nil {
		t.Fatalf("CompressReplay failed: %v", err)
	}
	if applied != CompressionNone {
		t.Errorf("tiny snapshot: applied tag got %v, want none", applied)
	}
	if !bytes.Equal(compressed, data) {
		t.Error("tiny snapshot should pass through unchanged")
	}
}

func TestCompressReplayIncompressibleFallsBack(t *testing.T) {
	// Random bytes do not compress; the daemon falls back to sending
	// the snapshot raw rather than failing the handshake.
	data := make([]byte, 8*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	for _, tag := range []CompressionTag{CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, applied, err := CompressReplay(data, tag)
			if err != nil {
				t.Fatalf("CompressReplay(%v) failed: %v", tag, err)
			}
			if applied != CompressionNone {
				t.Errorf("applied tag: got %v, want none for incompressible data", applied)
			}
			if !bytes.Equal(compressed, data) {
				t.Error("incompressible data should pass through unchanged")
			}
		})
	}
}

func TestCompressReplayUnknownTag(t *testing.T) {
	_, _, err := CompressReplay(terminalTranscript(1024), CompressionTag(7))
	if err == nil {
		t.Error("CompressReplay should reject an unknown tag")
	}
}

func TestDecompressReplaySizeMismatch(t *testing.T) {
	data := terminalTranscript(16 * 1024)
	compressed, applied, err := CompressReplay(data, CompressionZstd)
	if err != nil {
		t.Fatalf("CompressReplay failed: %v", err)
	}
	if applied != CompressionZstd {
		t.Fatalf("applied tag: got %v, want zstd", applied)
	}

	if _, err := DecompressReplay(compressed, applied, len(data)+1); err == nil {
		t.Error("DecompressReplay should fail when the declared size is wrong")
	}
}

func TestDecompressReplayNoneSizeMismatch(t *testing.T) {
	data := []byte("five bytes extra")
	if _, err := DecompressReplay(data, CompressionNone, len(data)+5); err == nil {
		t.Error("DecompressReplay(none) should fail when size does not match")
	}
}

func TestDecompressReplayRejectsOversizedDeclaration(t *testing.T) {
	if _, err := DecompressReplay([]byte{0x00}, CompressionZstd, maxPayloadLength+1); err == nil {
		t.Error("DecompressReplay should reject sizes beyond the frame payload limit")
	}
	if _, err := DecompressReplay([]byte{0x00}, CompressionZstd, -1); err == nil {
		t.Error("DecompressReplay should reject negative sizes")
	}
}

func TestDecompressReplayUnknownTag(t *testing.T) {
	if _, err := DecompressReplay([]byte{0x00}, CompressionTag(7), 1); err == nil {
		t.Error("DecompressReplay should reject an unknown tag")
	}
}

func TestDecompressReplayCorruptInput(t *testing.T) {
	data := terminalTranscript(16 * 1024)
	compressed, applied, err := CompressReplay(data, CompressionLZ4)
	if err != nil {
		t.Fatalf("CompressReplay failed: %v", err)
	}
	if applied != CompressionLZ4 {
		t.Fatalf("applied tag: got %v, want lz4", applied)
	}

	corrupted := bytes.Clone(compressed)
	for i := range corrupted {
		corrupted[i] ^= 0xa5
	}

	if _, err := DecompressReplay(corrupted, CompressionLZ4, len(data)); err == nil {
		t.Error("DecompressReplay should fail on corrupted input")
	}
}
