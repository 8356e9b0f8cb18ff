// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/tower/frame"
	"github.com/bureau-foundation/tower/lib/clock"
)

// RestartPolicy governs automatic worker relaunch after exit. The zero
// value means no automatic restart: the session is removed on the
// first worker exit.
type RestartPolicy struct {
	// RestartOnExit enables automatic relaunch.
	RestartOnExit bool

	// RestartDelay is the pause between a worker exit and the SPAWN
	// that relaunches it. Must be positive when RestartOnExit is set.
	RestartDelay time.Duration

	// MaxRestarts caps consecutive relaunches. Once a worker has been
	// relaunched this many times without a long enough quiet period,
	// the next exit removes the session instead.
	MaxRestarts int

	// RestartResetAfter is how long a relaunched worker must run
	// before the consecutive-restart counter clears. The effective
	// window is floored at RestartDelay.
	RestartResetAfter time.Duration
}

// SessionInfo is a point-in-time view of one registered session.
type SessionInfo struct {
	ID           string
	Command      string
	SocketPath   string
	ShepherdPid  int
	RestartCount int
	Reconnected  bool
	CreatedAt    time.Time
}

// CreateOptions configures a new session.
type CreateOptions struct {
	// Command and Args are the worker command line. Command is
	// required.
	Command string
	Args    []string

	// Dir is the worker's working directory; empty inherits the
	// shepherd's. Env is the worker's environment as KEY=VALUE pairs;
	// empty inherits the shepherd's.
	Dir string
	Env []string

	// Columns and Rows are the initial terminal dimensions. Zero
	// values use the shepherd's defaults.
	Columns uint16
	Rows    uint16

	// Restart is the session's restart policy. The zero value falls
	// back to the manager's default policy.
	Restart RestartPolicy

	// OnData receives worker output in production order. Optional.
	OnData func(data []byte)

	// OnExit observes worker exits after the manager has applied the
	// restart policy. Optional; restart decisions never depend on it.
	OnExit func(code, signal int)
}

// ReconnectOptions configures reattachment to a live shepherd.
type ReconnectOptions struct {
	// OnData receives worker output in production order. Optional.
	OnData func(data []byte)

	// OnExit observes worker exits. Reconnected sessions have no
	// restart policy, so any exit also removes the session. Optional.
	OnExit func(code, signal int)
}

// NoticeKind classifies asynchronous session notices.
type NoticeKind int

const (
	// NoticeDisconnected: the shepherd went away (crash, SIGKILL,
	// host reboot) without reporting a worker exit.
	NoticeDisconnected NoticeKind = iota

	// NoticeRestartExhausted: the worker kept dying and the restart
	// budget is spent; the session has been removed.
	NoticeRestartExhausted

	// NoticeSessionError: a post-handshake fault on the session's
	// connection (transport or protocol error).
	NoticeSessionError
)

// String returns the notice kind's wire-friendly name.
func (k NoticeKind) String() string {
	switch k {
	case NoticeDisconnected:
		return "disconnected"
	case NoticeRestartExhausted:
		return "restart-exhausted"
	case NoticeSessionError:
		return "session-error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Notice is an asynchronous session event with no synchronous caller
// left to return an error to. Delivered through the manager's OnNotice
// callback, or logged and dropped when none is registered.
type Notice struct {
	SessionID string
	Kind      NoticeKind
	Message   string

	// Err carries the underlying fault for NoticeSessionError.
	Err error
}

// sessionClient is the slice of shepherd.Client the manager drives.
// Narrowed to an interface so restart and removal logic can run
// against a stub under a fake clock.
type sessionClient interface {
	Write(data []byte) error
	Resize(columns, rows uint16) error
	Kill(signal int) error
	Spawn(spawn frame.SpawnPayload) error
	ReplayData() []byte
	Close() error
}

// session is one registry entry. The identity fields are fixed at
// creation; everything below the client handle is guarded by the
// manager mutex.
type session struct {
	id          string
	command     string
	args        []string
	dir         string
	env         []string
	socketPath  string
	pid         int
	createdAt   time.Time
	reconnected bool

	client sessionClient

	policy       RestartPolicy
	restartCount int
	restartTimer *clock.Timer
	resetTimer   *clock.Timer
	removed      bool
}

// cancelTimersLocked stops any pending restart and reset timers. Must
// hold the manager mutex. Timers are cancelled explicitly on every
// removal path; a pending timer must never outlive its registry entry.
func (s *session) cancelTimersLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}
}

// info snapshots the session. Must hold the manager mutex.
func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:           s.id,
		Command:      s.command,
		SocketPath:   s.socketPath,
		ShepherdPid:  s.pid,
		RestartCount: s.restartCount,
		Reconnected:  s.reconnected,
		CreatedAt:    s.createdAt,
	}
}
