// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session is the orchestrator-side session registry: the one
// component that spawns shepherd processes, allocates socket paths,
// and decides whether a dead worker gets relaunched.
//
// A [Manager] owns a map of sessions keyed by id. Each session pairs a
// detached shepherd daemon (see the shepherd package) with a restart
// policy and the timers that drive it. Sessions are created fresh with
// [Manager.CreateSession], reattached after an orchestrator restart
// with [Manager.ReconnectSession], and leave the registry through
// exactly one removal funnel, whether killed intentionally, dead with
// no restart budget left, or vanished without an exit report.
//
// Restart policy lives entirely here. The shepherd daemon never
// relaunches its worker on its own; the manager counts exits, paces
// relaunches with a delay, and stops at the configured budget. A
// quiet period after a relaunch clears the streak, with the period
// floored at the restart delay so a misconfigured reset window cannot
// zero the counter before the relaunch it gates has even happened.
//
// [Manager.Shutdown] disconnects every client but signals nothing:
// shepherds keep running headless, holding their workers' terminals,
// until the next orchestrator instance reconnects. That is the point
// of the whole arrangement.
package session
