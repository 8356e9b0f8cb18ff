// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries the build identity of Tower binaries,
// injected at build time through -ldflags -X. [Info] formats it for
// --version output; [Short] is the bare version for log fields.
//
// This is distinct from the wire protocol version negotiated on
// shepherd sockets, which the frame package owns: build version and
// wire version advance independently, and an old shepherd daemon can
// legitimately outlive several orchestrator builds.
package version
