// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"fmt"

	"github.com/bureau-foundation/tower/lib/codec"
)

// HelloPayload is the CBOR payload of a HELLO frame: the first frame a
// client sends on every new connection.
type HelloPayload struct {
	// Version is the protocol version the client speaks. The daemon
	// echoes its own version in WELCOME and the client arbitrates the
	// pair with CheckVersion; the daemon itself accepts any HELLO and
	// keeps serving its native protocol.
	Version uint32 `cbor:"version"`
}

// WelcomePayload is the CBOR payload of a WELCOME frame: the daemon's
// response to HELLO, completing the handshake.
type WelcomePayload struct {
	// Version is the protocol version the daemon speaks.
	Version uint32 `cbor:"version"`

	// Pid is the daemon's own process id. The orchestrator records it
	// for liveness checks and start-time cross-checks; it is the pid
	// of the shepherd, not of the worker behind the PTY.
	Pid int `cbor:"pid"`

	// StartTime is the daemon's start time in Unix milliseconds, as
	// read from /proc at startup. Together with Pid it lets a
	// reconnecting orchestrator detect pid reuse: a matching pid with
	// a different start time is a different process. Zero when the
	// daemon could not determine its own start time.
	StartTime int64 `cbor:"start_time"`

	// Replay is the recent-output snapshot from the daemon's ring
	// buffer, compressed according to ReplayCompression. Delivered
	// exactly once per connection so a reconnecting client can seed
	// its terminal without re-requesting history.
	Replay []byte `cbor:"replay"`

	// ReplaySize is the uncompressed size of Replay in bytes.
	// Decompression verifies the expanded snapshot matches exactly.
	ReplaySize int `cbor:"replay_size"`

	// ReplayCompression identifies the algorithm used on Replay.
	ReplayCompression CompressionTag `cbor:"replay_compression"`
}

// KillPayload is the CBOR payload of a KILL frame: a request to signal
// the worker.
type KillPayload struct {
	// Signal is the Unix signal number to deliver to the worker
	// process (15 = SIGTERM, 9 = SIGKILL). The daemon delivers it and
	// stays up; worker death arrives later as an EXIT frame.
	Signal int `cbor:"signal"`
}

// SpawnPayload is the CBOR payload of a SPAWN frame: a request to
// relaunch the worker on the existing PTY and socket. The orchestrator
// sends it to execute a restart decision; the daemon never relaunches
// without it.
type SpawnPayload struct {
	// Command is the program to run.
	Command string `cbor:"command"`

	// Args are the program arguments, not including the program name.
	Args []string `cbor:"args,omitempty"`

	// Dir is the working directory for the worker. Empty means the
	// daemon's own working directory.
	Dir string `cbor:"dir,omitempty"`

	// Env is the environment for the worker as KEY=VALUE pairs.
	// Empty means the worker inherits the daemon's environment.
	Env []string `cbor:"env,omitempty"`
}

// ExitPayload is the CBOR payload of an EXIT frame: the daemon's
// report that its worker exited. Sent at most once per worker
// lifetime, only to a client connected at the time of death.
type ExitPayload struct {
	// Code is the worker's exit code. -1 when the worker was
	// terminated by a signal rather than exiting.
	Code int `cbor:"code"`

	// Signal is the Unix signal number that terminated the worker,
	// or 0 when the worker exited on its own.
	Signal int `cbor:"signal,omitempty"`
}

// NewHelloFrame encodes a HELLO frame for the given client version.
func NewHelloFrame(version uint32) (Frame, error) {
	payload, err := codec.Marshal(HelloPayload{Version: version})
	if err != nil {
		return Frame{}, fmt.Errorf("encode hello payload: %w", err)
	}
	return Frame{Type: TypeHello, Payload: payload}, nil
}

// NewWelcomeFrame encodes a WELCOME frame.
func NewWelcomeFrame(welcome WelcomePayload) (Frame, error) {
	payload, err := codec.Marshal(welcome)
	if err != nil {
		return Frame{}, fmt.Errorf("encode welcome payload: %w", err)
	}
	return Frame{Type: TypeWelcome, Payload: payload}, nil
}

// NewKillFrame encodes a KILL frame for the given signal number.
func NewKillFrame(signal int) (Frame, error) {
	payload, err := codec.Marshal(KillPayload{Signal: signal})
	if err != nil {
		return Frame{}, fmt.Errorf("encode kill payload: %w", err)
	}
	return Frame{Type: TypeKill, Payload: payload}, nil
}

// NewSpawnFrame encodes a SPAWN frame.
func NewSpawnFrame(spawn SpawnPayload) (Frame, error) {
	payload, err := codec.Marshal(spawn)
	if err != nil {
		return Frame{}, fmt.Errorf("encode spawn payload: %w", err)
	}
	return Frame{Type: TypeSpawn, Payload: payload}, nil
}

// NewExitFrame encodes an EXIT frame.
func NewExitFrame(exit ExitPayload) (Frame, error) {
	payload, err := codec.Marshal(exit)
	if err != nil {
		return Frame{}, fmt.Errorf("encode exit payload: %w", err)
	}
	return Frame{Type: TypeExit, Payload: payload}, nil
}

// ParseHelloPayload decodes a HELLO frame payload.
func ParseHelloPayload(payload []byte) (HelloPayload, error) {
	var hello HelloPayload
	if err := codec.Unmarshal(payload, &hello); err != nil {
		return HelloPayload{}, fmt.Errorf("decode hello payload: %w", err)
	}
	return hello, nil
}

// ParseWelcomePayload decodes a WELCOME frame payload.
func ParseWelcomePayload(payload []byte) (WelcomePayload, error) {
	var welcome WelcomePayload
	if err := codec.Unmarshal(payload, &welcome); err != nil {
		return WelcomePayload{}, fmt.Errorf("decode welcome payload: %w", err)
	}
	return welcome, nil
}

// ParseKillPayload decodes a KILL frame payload.
func ParseKillPayload(payload []byte) (KillPayload, error) {
	var kill KillPayload
	if err := codec.Unmarshal(payload, &kill); err != nil {
		return KillPayload{}, fmt.Errorf("decode kill payload: %w", err)
	}
	return kill, nil
}

// ParseSpawnPayload decodes a SPAWN frame payload.
func ParseSpawnPayload(payload []byte) (SpawnPayload, error) {
	var spawn SpawnPayload
	if err := codec.Unmarshal(payload, &spawn); err != nil {
		return SpawnPayload{}, fmt.Errorf("decode spawn payload: %w", err)
	}
	if spawn.Command == "" {
		return SpawnPayload{}, fmt.Errorf("spawn payload has empty command")
	}
	return spawn, nil
}

// ParseExitPayload decodes an EXIT frame payload.
func ParseExitPayload(payload []byte) (ExitPayload, error) {
	var exit ExitPayload
	if err := codec.Unmarshal(payload, &exit); err != nil {
		return ExitPayload{}, fmt.Errorf("decode exit payload: %w", err)
	}
	return exit, nil
}
