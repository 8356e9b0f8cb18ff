// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// Fatal prints err to stderr as "error: ..." and exits with status 1.
// It is for main() reporting a run() failure, where the structured
// logger may never have come up; everything past startup logs through
// slog instead.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
