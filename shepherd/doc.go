// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package shepherd implements Tower's session-supervision primitive: a
// detached daemon that owns one PTY worker on behalf of the
// orchestrator, and the client the orchestrator uses to drive it.
//
// The shepherd exists so that terminal sessions survive orchestrator
// restarts. The orchestrator never holds a PTY directly: it spawns a
// shepherd, which allocates the PTY, starts the worker process on it,
// and serves the session over a per-session unix socket. When the
// orchestrator exits, the shepherd keeps running headless, buffering
// worker output in a ring buffer; when the orchestrator comes back, it
// reconnects to the same socket and replays what it missed.
//
// The wire protocol is the framed binary format of the frame package:
// a 5-byte header (1 byte type, 4 bytes big-endian payload length)
// followed by the payload. Control payloads are deterministic CBOR;
// DATA and WRITE payloads are raw terminal bytes. Every connection
// opens with a HELLO/WELCOME handshake that carries protocol versions,
// the daemon's pid and start time, and the compressed replay snapshot.
//
// On the daemon side, [Daemon] binds the socket (mode 0600 immediately
// after bind, with a flock-guarded lock file against double starts),
// starts the worker on a fresh PTY, and serves one client at a time. A
// connection becomes the client only by completing the handshake, so
// liveness probes that dial and hang up never disturb the real
// orchestrator connection. The daemon relaunches its worker only on an
// explicit SPAWN frame, reports worker death with a single EXIT frame,
// and exits on its own after a linger window once the worker is dead
// and no client is attached.
//
// On the orchestrator side, [Client] dials the socket, performs the
// handshake, arbitrates protocol versions, and exposes Write, Resize,
// Kill, Spawn, and ReplayData plus the [Callbacks] notification set.
// DATA frames that arrive before WELCOME are held in order and drained
// through the same delivery path as live frames, so output ordering is
// preserved across the handshake boundary.
package shepherd
