// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// SocketDir returns a fresh short-named directory under /tmp, removed
// when the test finishes. Use it instead of t.TempDir() for anything
// that binds a Unix socket: sun_path caps socket paths at 108 bytes
// and CI runners routinely point TMPDIR somewhere deep enough to
// exceed that.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "tower-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
