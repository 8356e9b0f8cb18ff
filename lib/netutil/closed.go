// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil classifies connection errors for socket relay code.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is one of the errors a
// relay sees when the peer goes away mid-transfer: EOF, a closed
// connection, a broken pipe, or a connection reset.
//
// Shepherd teardown closes connections outright rather than
// half-closing, so the surviving side's in-flight read or write fails
// with ECONNRESET or EPIPE instead of EOF. All four outcomes are
// routine disconnects, logged at debug if at all.
func IsExpectedCloseError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNRESET):
		return true
	}
	return false
}
