// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the shepherd wire protocol: framed binary
// messages exchanged between a shepherd daemon and its orchestrator
// client over a per-session Unix socket.
//
// The package is organized around the protocol surface:
//
//   - frame.go: framed message format and protocol version negotiation
//   - payload.go: CBOR payload types carried by control frames
//   - compress.go: replay snapshot compression for the WELCOME payload
//
// Terminal streams are not text-safe, so everything on the socket is
// length-prefixed binary from byte zero: there is no ASCII preamble.
// DATA and WRITE payloads pass through as opaque bytes; control frames
// carry deterministic CBOR (lib/codec).
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is the wire protocol version spoken by this build.
// The client sends it in HELLO, the daemon reports its own in WELCOME,
// and CheckVersion arbitrates the difference after the handshake.
const ProtocolVersion uint32 = 1

// Frame type constants for the shepherd protocol wire format. Each
// frame is a 5-byte header (1 byte type + 4 byte big-endian payload
// length) followed by the payload.
const (
	// TypeHello opens the handshake. Client→daemon, first frame on
	// every connection. Payload is a CBOR HelloPayload carrying the
	// client's protocol version.
	TypeHello byte = 0x01

	// TypeWelcome completes the handshake. Daemon→client, sent once
	// in response to HELLO. Payload is a CBOR WelcomePayload carrying
	// the daemon's protocol version, pid, start time, and the replay
	// snapshot of recent worker output.
	TypeWelcome byte = 0x02

	// TypeData carries worker output. Daemon→client only. Payload is
	// opaque terminal bytes passed through unmodified.
	TypeData byte = 0x03

	// TypeWrite carries worker input. Client→daemon only. Payload is
	// opaque terminal bytes written to the worker's PTY in send order.
	TypeWrite byte = 0x04

	// TypeResize carries terminal dimensions. Client→daemon only.
	// Payload is 4 bytes: columns (uint16 big-endian) then rows
	// (uint16 big-endian). The daemon applies TIOCSWINSZ to the PTY
	// master.
	TypeResize byte = 0x05

	// TypeKill asks the daemon to signal its worker. Client→daemon
	// only. Payload is a CBOR KillPayload. The daemon stays up; the
	// worker's death is reported by a later EXIT frame.
	TypeKill byte = 0x06

	// TypeSpawn asks the daemon to relaunch its worker without
	// tearing down the socket. Client→daemon only. Payload is a CBOR
	// SpawnPayload. The daemon never relaunches on its own
	// initiative; this frame is the only trigger.
	TypeSpawn byte = 0x07

	// TypeExit reports worker death. Daemon→client, sent once per
	// worker lifetime. Payload is a CBOR ExitPayload carrying the
	// exit code and the terminating signal if there was one.
	TypeExit byte = 0x08
)

// headerLength is the fixed size of a frame header: 1 byte type +
// 4 bytes payload length.
const headerLength = 5

// maxPayloadLength is the maximum allowed payload size. 16 MB is
// generous for terminal data; a compressed replay of the default 1 MB
// ring buffer is typically a few tens of kilobytes.
const maxPayloadLength = 16 * 1024 * 1024

// Frame is a single shepherd protocol frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes a framed message to w. The wire format is:
// [1 byte type] [4 bytes payload length, big-endian uint32] [payload].
func WriteFrame(w io.Writer, f Frame) error {
	var header [headerLength]byte
	header[0] = f.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads a framed message from r. Returns an error if the
// stream is malformed or the payload exceeds maxPayloadLength.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	frameType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxPayloadLength {
		return Frame{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// NewDataFrame creates a data frame carrying raw worker output bytes.
func NewDataFrame(data []byte) Frame {
	return Frame{Type: TypeData, Payload: data}
}

// NewWriteFrame creates a write frame carrying raw worker input bytes.
func NewWriteFrame(data []byte) Frame {
	return Frame{Type: TypeWrite, Payload: data}
}

// NewResizeFrame creates a resize frame with the given terminal dimensions.
func NewResizeFrame(columns, rows uint16) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], columns)
	binary.BigEndian.PutUint16(payload[2:4], rows)
	return Frame{Type: TypeResize, Payload: payload}
}

// ParseResizePayload extracts columns and rows from a resize frame payload.
// Returns an error if the payload is not exactly 4 bytes.
func ParseResizePayload(payload []byte) (columns, rows uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("resize payload must be 4 bytes, got %d", len(payload))
	}
	columns = binary.BigEndian.Uint16(payload[0:2])
	rows = binary.BigEndian.Uint16(payload[2:4])
	return columns, rows, nil
}

// CheckVersion applies the negotiation rule to the version pair
// established by the HELLO/WELCOME exchange. An older client against a
// newer daemon is rejected: the daemon may frame payloads the client
// cannot decode. A newer client against an older daemon is accepted
// with warn=true so the caller can surface a non-fatal notice; the
// daemon keeps serving its original protocol either way. Equal
// versions proceed silently.
func CheckVersion(clientVersion, daemonVersion uint32) (warn bool, err error) {
	switch {
	case clientVersion < daemonVersion:
		return false, fmt.Errorf(
			"stale shepherd connection: daemon speaks protocol v%d, client speaks v%d; reconnect after upgrade",
			daemonVersion, clientVersion)
	case clientVersion > daemonVersion:
		return true, nil
	default:
		return false, nil
	}
}
