// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds Tower's shared CBOR configuration.
//
// Every structured payload on the shepherd wire protocol is CBOR:
// handshake payloads (HELLO/WELCOME), control payloads (SPAWN/KILL),
// exit reports. Raw terminal bytes in DATA and WRITE frames pass
// through opaque, and JSON appears only in log output, never on the
// wire.
//
// Centralizing the encoder and decoder modes here keeps every package
// encoding identically. Wire payload types carry `cbor` struct tags;
// the tag names are part of the contract between shepherd daemons and
// clients built at different times, so they must not be renamed.
package codec
