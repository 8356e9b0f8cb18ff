// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Tower packages.
//
// [SocketDir] creates a short-named temporary directory in /tmp for
// Unix domain sockets. Socket paths are capped at 108 bytes (sun_path
// in sockaddr_un) and test runners can point TMPDIR at deeply nested
// directories that blow past the cap, which makes t.TempDir()
// unsuitable for socket files.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so individual tests stay free of raw time.After calls. The
// timeouts are the only real wall-clock waits in the suite; production
// timer logic is tested against lib/clock's fake clock.
//
// Helpers call t.Fatalf on failure rather than returning errors, since
// a failed test setup is not recoverable.
package testutil
