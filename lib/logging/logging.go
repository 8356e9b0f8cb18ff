// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging constructs the slog loggers Tower binaries use. A
// detached shepherd has no terminal and its stderr points at
// /dev/null, so it logs JSON to a file beside its socket; interactive
// tools log to stderr.
package logging

import (
	"fmt"
	"log/slog"
	"os"
)

// FileLogger returns a JSON logger appending to path. The file is
// created owner-only, matching the socket it sits next to. The caller
// owns closing the returned file.
func FileLogger(path string, level slog.Level) (*slog.Logger, *os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	logger := slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{
		Level: level,
	}))
	return logger, file, nil
}

// StderrLogger returns a JSON logger writing to stderr.
func StderrLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
