// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by Tower binaries.
//
// A Tower main() is a thin shell around run() error; Fatal is the one
// sanctioned raw stderr write, covering the window before the
// structured logger exists. Daemon code past that point logs through
// slog.
package process
