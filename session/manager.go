// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tower/frame"
	"github.com/bureau-foundation/tower/lib/clock"
	"github.com/bureau-foundation/tower/lib/procfs"
	"github.com/bureau-foundation/tower/shepherd"
)

const (
	// DefaultSpawnTimeout bounds the wait for a freshly spawned
	// shepherd's socket to appear.
	DefaultSpawnTimeout = 10 * time.Second

	// DefaultProbeTimeout bounds each liveness probe: the reconnect
	// pre-check and each per-socket dial in the stale sweep. One dead
	// socket can cost at most this much.
	DefaultProbeTimeout = 2 * time.Second

	// socketPollInterval paces the bounded poll for socket appearance.
	socketPollInterval = 10 * time.Millisecond

	// workerReapTimeout bounds the wait for a killed shepherd to be
	// reaped during spawn rollback.
	workerReapTimeout = 5 * time.Second
)

// Config configures a Manager.
type Config struct {
	// SocketDir is the runtime directory for session sockets, created
	// owner-only. Required.
	SocketDir string

	// ShepherdCommand is the argv prefix for launching the shepherd
	// daemon binary; the manager appends the per-session flags.
	// Required.
	ShepherdCommand []string

	// RingSize is the replay buffer capacity passed to each spawned
	// shepherd. Zero uses the daemon's default.
	RingSize int

	// DefaultRestart applies when CreateOptions carries a zero restart
	// policy.
	DefaultRestart RestartPolicy

	// SpawnTimeout and ProbeTimeout bound the socket-appearance wait
	// and the per-socket liveness probes. Zero values fall back to the
	// package defaults.
	SpawnTimeout time.Duration
	ProbeTimeout time.Duration

	// OnNotice receives asynchronous session notices. Nil switches to
	// log-and-drop: an unobserved notice must never escalate.
	OnNotice func(Notice)

	// Logger receives the manager's log output. Nil falls back to
	// slog.Default.
	Logger *slog.Logger

	// Clock drives restart and reset timers. Nil falls back to the
	// real clock.
	Clock clock.Clock
}

// Manager is the session registry. All methods are safe for concurrent
// use; lifecycle callbacks arrive on the per-session client reader
// goroutines and are serialized against the registry through one
// mutex.
type Manager struct {
	config Config
	logger *slog.Logger
	clock  clock.Clock

	mutex    sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewManager validates the configuration and prepares the socket
// directory.
func NewManager(config Config) (*Manager, error) {
	if config.SocketDir == "" {
		return nil, fmt.Errorf("session config: socket dir required")
	}
	if len(config.ShepherdCommand) == 0 {
		return nil, fmt.Errorf("session config: shepherd command required")
	}
	if config.SpawnTimeout <= 0 {
		config.SpawnTimeout = DefaultSpawnTimeout
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	// Owner-only: the sockets inside grant full control of worker
	// terminals.
	if err := os.MkdirAll(config.SocketDir, 0700); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", config.SocketDir, err)
	}

	return &Manager{
		config:   config,
		logger:   config.Logger,
		clock:    config.Clock,
		sessions: make(map[string]*session),
	}, nil
}

// CreateSession spawns a detached shepherd for the given worker
// command, waits for its socket, connects, and registers the session.
// Any failure along the way rolls back completely before the error is
// returned: the orphaned process is killed and reaped, and partial
// files are removed. A failed CreateSession never leaks a process.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (SessionInfo, error) {
	if opts.Command == "" {
		return SessionInfo{}, fmt.Errorf("create session: command required")
	}
	if opts.Restart == (RestartPolicy{}) {
		opts.Restart = m.config.DefaultRestart
	}
	if opts.Restart.RestartOnExit && opts.Restart.RestartDelay <= 0 {
		return SessionInfo{}, fmt.Errorf("create session: restart delay must be positive when restart-on-exit is set")
	}
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return SessionInfo{}, fmt.Errorf("create session: manager is shut down")
	}
	m.mutex.Unlock()

	id := uuid.NewString()
	socketPath := filepath.Join(m.config.SocketDir, id+".sock")

	cmd, waitErr, err := m.spawnShepherd(socketPath, opts)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("spawn shepherd for %s: %w", opts.Command, err)
	}
	pid := cmd.Process.Pid

	if err := m.awaitSocket(ctx, socketPath, waitErr); err != nil {
		m.rollbackSpawn(cmd, waitErr, socketPath)
		return SessionInfo{}, err
	}
	m.hardenSocketMode(socketPath)

	s := &session{
		id:         id,
		command:    opts.Command,
		args:       opts.Args,
		dir:        opts.Dir,
		env:        opts.Env,
		socketPath: socketPath,
		pid:        pid,
		createdAt:  m.clock.Now(),
		policy:     opts.Restart,
	}
	ready := make(chan struct{})
	client, err := shepherd.Connect(shepherd.ClientConfig{
		SocketPath: socketPath,
		Logger:     m.logger.With("session", id),
		Callbacks:  m.sessionCallbacks(s, ready, opts.OnData, opts.OnExit),
	})
	if err != nil {
		m.rollbackSpawn(cmd, waitErr, socketPath)
		return SessionInfo{}, fmt.Errorf("connect to new shepherd on %s: %w", socketPath, err)
	}

	m.mutex.Lock()
	if m.closed {
		s.removed = true
		m.mutex.Unlock()
		close(ready)
		client.Close()
		m.rollbackSpawn(cmd, waitErr, socketPath)
		return SessionInfo{}, fmt.Errorf("create session: manager is shut down")
	}
	s.client = client
	m.sessions[id] = s
	info := s.info()
	m.mutex.Unlock()
	close(ready)

	m.logger.Info("session created",
		"session", id, "command", opts.Command, "shepherd_pid", pid, "socket", socketPath)
	return info, nil
}

// ReconnectSession reattaches to a shepherd left running by a previous
// orchestrator instance. The liveness check is a real connection
// attempt, never a file-existence check: a refused or timed-out dial
// means the shepherd is gone, and the stale files are removed before
// the error returns. Reconnected sessions carry no restart policy,
// since the original policy died with the previous orchestrator, so
// any worker exit removes them.
func (m *Manager) ReconnectSession(ctx context.Context, sessionID, socketPath string, opts ReconnectOptions) (SessionInfo, error) {
	if sessionID == "" {
		return SessionInfo{}, fmt.Errorf("reconnect session: session id required")
	}
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return SessionInfo{}, fmt.Errorf("reconnect session: manager is shut down")
	}
	if _, exists := m.sessions[sessionID]; exists {
		m.mutex.Unlock()
		return SessionInfo{}, fmt.Errorf("reconnect session: %s is already registered", sessionID)
	}
	m.mutex.Unlock()
	if err := ctx.Err(); err != nil {
		return SessionInfo{}, err
	}

	probe, err := net.DialTimeout("unix", socketPath, m.config.ProbeTimeout)
	if err != nil {
		m.removeSessionFiles(socketPath)
		return SessionInfo{}, fmt.Errorf("no shepherd listening on %s, stale socket removed: %w", socketPath, err)
	}
	probe.Close()

	s := &session{
		id:          sessionID,
		socketPath:  socketPath,
		createdAt:   m.clock.Now(),
		reconnected: true,
	}
	ready := make(chan struct{})
	client, err := shepherd.Connect(shepherd.ClientConfig{
		SocketPath: socketPath,
		Logger:     m.logger.With("session", sessionID),
		Callbacks:  m.sessionCallbacks(s, ready, opts.OnData, opts.OnExit),
	})
	if err != nil {
		// The shepherd answered the probe, so it is alive; its socket
		// stays for a later attempt.
		return SessionInfo{}, fmt.Errorf("reconnect to shepherd on %s: %w", socketPath, err)
	}
	s.pid = client.DaemonPid()
	m.checkPidReuse(sessionID, s.pid, client.DaemonStartTime())

	m.mutex.Lock()
	if m.closed {
		s.removed = true
		m.mutex.Unlock()
		close(ready)
		client.Close()
		return SessionInfo{}, fmt.Errorf("reconnect session: manager is shut down")
	}
	if _, exists := m.sessions[sessionID]; exists {
		s.removed = true
		m.mutex.Unlock()
		close(ready)
		client.Close()
		return SessionInfo{}, fmt.Errorf("reconnect session: %s is already registered", sessionID)
	}
	s.client = client
	m.sessions[sessionID] = s
	info := s.info()
	m.mutex.Unlock()
	close(ready)

	m.logger.Info("session reconnected",
		"session", sessionID, "shepherd_pid", s.pid, "socket", socketPath,
		"replay_bytes", len(client.ReplayData()))
	return info, nil
}

// checkPidReuse cross-checks the start time the shepherd reported in
// WELCOME against /proc. A large disagreement means the pid may have
// been recycled since the session was recorded. Diagnostic only; the
// reconnect proceeds either way.
func (m *Manager) checkPidReuse(sessionID string, pid int, welcomeStart time.Time) {
	if pid <= 0 || welcomeStart.IsZero() {
		return
	}
	procStart, ok := procfs.ProcessStartTime(pid)
	if !ok {
		return
	}
	delta := procStart.Sub(welcomeStart)
	if delta < -2*time.Second || delta > 2*time.Second {
		m.logger.Warn("shepherd start time mismatch, possible pid reuse",
			"session", sessionID, "pid", pid,
			"welcome_start", welcomeStart, "proc_start", procStart)
	}
}

// KillSession terminates a session intentionally: worker, shepherd,
// registry entry, socket file, all of it. Restart state is disabled
// under the registry lock before anything is signaled, so a kill can
// never race a queued relaunch of the very process being killed.
func (m *Manager) KillSession(sessionID string, signal int) error {
	m.mutex.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mutex.Unlock()
		return fmt.Errorf("kill session: unknown session %s", sessionID)
	}
	s.policy.RestartOnExit = false
	s.cancelTimersLocked()
	s.removed = true
	delete(m.sessions, sessionID)
	client := s.client
	pid := s.pid
	m.mutex.Unlock()

	if client != nil {
		if err := client.Kill(signal); err != nil {
			m.logger.Debug("kill frame send failed", "session", sessionID, "error", err)
		}
		client.Close()
	}
	if pid > 0 {
		// The shepherd's own teardown stops the worker if the KILL
		// frame did not get through.
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
			m.logger.Debug("shepherd signal failed", "session", sessionID, "pid", pid, "error", err)
		}
	}
	m.removeSessionFiles(s.socketPath)

	m.logger.Info("session killed", "session", sessionID, "signal", signal)
	return nil
}

// Shutdown disconnects every client and clears the registry without
// signaling any process: the shepherds keep running headless, holding
// their workers, for the next orchestrator instance to reconnect to.
// This is the defining difference from KillSession. Socket files stay
// in place; they are the reconnect addresses.
func (m *Manager) Shutdown() {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return
	}
	m.closed = true
	snapshot := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.cancelTimersLocked()
		s.removed = true
		snapshot = append(snapshot, s)
	}
	m.sessions = make(map[string]*session)
	m.mutex.Unlock()

	for _, s := range snapshot {
		if s.client != nil {
			s.client.Close()
		}
	}
	m.logger.Info("session manager shut down", "sessions_detached", len(snapshot))
}

// CleanupStaleSockets probes every socket file in dir that no
// registered session owns and removes the ones nothing is listening
// on, together with their .lock and .log leftovers. Each probe is a
// real time-bounded dial, since a file-existence check would also
// reap still-running shepherds. Returns the removed socket paths; running
// it twice with no state change in between removes nothing the second
// time.
func (m *Manager) CleanupStaleSockets(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read socket dir %s: %w", dir, err)
	}

	m.mutex.Lock()
	owned := make(map[string]bool, len(m.sessions))
	for _, s := range m.sessions {
		owned[s.socketPath] = true
	}
	m.mutex.Unlock()

	var removed []string
	for _, entry := range entries {
		if entry.Type()&os.ModeSocket == 0 {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if owned[path] {
			continue
		}
		conn, err := net.DialTimeout("unix", path, m.config.ProbeTimeout)
		if err == nil {
			// A listener answered: this socket still has its shepherd.
			conn.Close()
			continue
		}
		m.logger.Info("removing stale session socket", "socket", path, "probe_error", err)
		m.removeSessionFiles(path)
		removed = append(removed, path)
	}
	return removed, nil
}

// ListSessions returns a snapshot of every registered session, oldest
// first.
func (m *Manager) ListSessions() []SessionInfo {
	m.mutex.Lock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.info())
	}
	m.mutex.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// GetSessionInfo returns a snapshot of one session.
func (m *Manager) GetSessionInfo(sessionID string) (SessionInfo, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// Write sends input bytes to a session's worker terminal.
func (m *Manager) Write(sessionID string, data []byte) error {
	client, err := m.clientFor(sessionID)
	if err != nil {
		return err
	}
	return client.Write(data)
}

// Resize sets a session's terminal dimensions.
func (m *Manager) Resize(sessionID string, columns, rows uint16) error {
	client, err := m.clientFor(sessionID)
	if err != nil {
		return err
	}
	return client.Resize(columns, rows)
}

// ReplayData returns the output history the session's shepherd
// delivered at handshake, so a caller can seed its view without
// re-requesting anything.
func (m *Manager) ReplayData(sessionID string) ([]byte, error) {
	client, err := m.clientFor(sessionID)
	if err != nil {
		return nil, err
	}
	return client.ReplayData(), nil
}

// ProcessStartTime reports a process's start time for reconciliation
// diagnostics. Best-effort by contract: any failure (vanished pid,
// permissions, parse trouble) reads as ok=false, never an error.
func (m *Manager) ProcessStartTime(pid int) (time.Time, bool) {
	return procfs.ProcessStartTime(pid)
}

func (m *Manager) clientFor(sessionID string) (sessionClient, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	return s.client, nil
}

// sessionCallbacks wires a session's lifetime listeners: exit, close,
// and error for the manager, plus the caller's data sink and a logged
// version warning. The ready channel gates lifecycle events until the
// session is registered, so an exit that was waiting at the shepherd
// cannot outrun CreateSession's own bookkeeping.
func (m *Manager) sessionCallbacks(s *session, ready <-chan struct{}, onData func([]byte), onExit func(code, signal int)) shepherd.Callbacks {
	return shepherd.Callbacks{
		Data: onData,
		VersionWarning: func(clientVersion, daemonVersion uint32) {
			m.logger.Warn("shepherd speaks an older protocol",
				"session", s.id, "client_version", clientVersion, "daemon_version", daemonVersion)
		},
		Exit: func(code, signal int) {
			<-ready
			m.handleExit(s, code, signal)
			if onExit != nil {
				onExit(code, signal)
			}
		},
		Close: func() {
			<-ready
			m.handleClose(s)
		},
		Error: func(err error) {
			<-ready
			m.handleError(s, err)
		},
	}
}

// handleExit applies the restart policy to a worker exit.
func (m *Manager) handleExit(s *session, code, signal int) {
	m.mutex.Lock()
	if s.removed {
		m.mutex.Unlock()
		return
	}
	if !s.policy.RestartOnExit {
		m.mutex.Unlock()
		m.logger.Info("worker exited, removing session",
			"session", s.id, "code", code, "signal", signal)
		m.removeDeadSession(s)
		return
	}

	// The worker is down: freeze the streak accounting so the counter
	// cannot silently zero while there is nothing running.
	if s.resetTimer != nil {
		s.resetTimer.Stop()
		s.resetTimer = nil
	}

	maxRestarts := s.policy.MaxRestarts
	if s.restartCount >= maxRestarts {
		count := s.restartCount
		m.mutex.Unlock()
		m.logger.Warn("restart budget exhausted, removing session",
			"session", s.id, "code", code, "signal", signal, "restarts", count)
		if m.removeDeadSession(s) {
			m.emitNotice(Notice{
				SessionID: s.id,
				Kind:      NoticeRestartExhausted,
				Message:   fmt.Sprintf("worker for session %s keeps dying; restart budget of %d exhausted", s.id, maxRestarts),
			})
		}
		return
	}

	s.restartCount++
	attempt := s.restartCount
	delay := s.policy.RestartDelay
	s.restartTimer = m.clock.AfterFunc(delay, func() { m.relaunch(s, attempt) })
	m.mutex.Unlock()

	m.logger.Info("worker exited, relaunch scheduled",
		"session", s.id, "code", code, "signal", signal,
		"attempt", attempt, "max_restarts", maxRestarts, "delay", delay)
}

// relaunch sends SPAWN for one scheduled restart attempt and arms the
// streak-reset window. The window is floored at the restart delay so a
// reset window shorter than the delay cannot clear the counter before
// the relaunch it gates has completed.
func (m *Manager) relaunch(s *session, attempt int) {
	m.mutex.Lock()
	if s.removed {
		m.mutex.Unlock()
		return
	}
	s.restartTimer = nil
	client := s.client
	spawn := frame.SpawnPayload{Command: s.command, Args: s.args, Dir: s.dir, Env: s.env}
	window := s.policy.RestartResetAfter
	if s.policy.RestartDelay > window {
		window = s.policy.RestartDelay
	}
	m.mutex.Unlock()

	if err := client.Spawn(spawn); err != nil {
		// The connection is gone; the close handler owns removal.
		m.logger.Warn("relaunch spawn failed", "session", s.id, "attempt", attempt, "error", err)
		return
	}
	m.logger.Info("worker relaunch requested", "session", s.id, "attempt", attempt)

	m.mutex.Lock()
	if !s.removed {
		s.resetTimer = m.clock.AfterFunc(window, func() { m.clearRestartStreak(s) })
	}
	m.mutex.Unlock()
}

// clearRestartStreak zeroes the consecutive-restart counter after a
// relaunched worker has run quietly through the reset window.
func (m *Manager) clearRestartStreak(s *session) {
	m.mutex.Lock()
	if s.removed {
		m.mutex.Unlock()
		return
	}
	s.resetTimer = nil
	cleared := s.restartCount
	s.restartCount = 0
	m.mutex.Unlock()

	if cleared > 0 {
		m.logger.Info("restart streak cleared", "session", s.id, "previous_streak", cleared)
	}
}

// handleClose reacts to connection teardown. A session that is still
// registered here lost its shepherd without any exit report (crash,
// SIGKILL, reboot) and gets removed with a single notice. Every
// intentional path (kill, shutdown, exit-driven removal) deregisters
// before or during teardown and arrives here as a no-op.
func (m *Manager) handleClose(s *session) {
	m.mutex.Lock()
	if s.removed || m.closed {
		m.mutex.Unlock()
		return
	}
	m.mutex.Unlock()

	m.logger.Warn("shepherd disconnected unexpectedly", "session", s.id)
	if m.removeDeadSession(s) {
		m.emitNotice(Notice{
			SessionID: s.id,
			Kind:      NoticeDisconnected,
			Message:   fmt.Sprintf("session %s disconnected unexpectedly", s.id),
		})
	}
}

// handleError surfaces a post-handshake fault on a live session.
func (m *Manager) handleError(s *session, err error) {
	m.mutex.Lock()
	removed := s.removed
	m.mutex.Unlock()
	if removed {
		return
	}
	m.emitNotice(Notice{
		SessionID: s.id,
		Kind:      NoticeSessionError,
		Message:   fmt.Sprintf("session %s: %v", s.id, err),
		Err:       err,
	})
}

// removeDeadSession is the single removal funnel for every
// dead-session path: cancel the timers, drop the registry entry, close
// the client, unlink the files. Reports whether this call performed
// the removal, so racing paths (a kill against a close, an exit
// against a close) produce exactly one removal and at most one notice.
func (m *Manager) removeDeadSession(s *session) bool {
	m.mutex.Lock()
	if s.removed {
		m.mutex.Unlock()
		return false
	}
	s.removed = true
	s.cancelTimersLocked()
	delete(m.sessions, s.id)
	client := s.client
	m.mutex.Unlock()

	if client != nil {
		client.Close()
	}
	m.removeSessionFiles(s.socketPath)
	return true
}

// emitNotice delivers a notice to the registered sink, or logs and
// drops it. No notice may escalate for want of a listener.
func (m *Manager) emitNotice(notice Notice) {
	if m.config.OnNotice != nil {
		m.config.OnNotice(notice)
		return
	}
	m.logger.Warn("dropping unobserved session notice",
		"session", notice.SessionID, "kind", notice.Kind.String(),
		"message", notice.Message, "error", notice.Err)
}

// removeSessionFiles unlinks a session's socket plus the lock and log
// files its shepherd keeps beside it. Missing files are fine: the
// shepherd's own exit cleans up too, and the two paths race benignly.
func (m *Manager) removeSessionFiles(socketPath string) {
	for _, path := range []string{socketPath, socketPath + ".lock", socketPath + ".log"} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Debug("session file removal failed", "path", path, "error", err)
		}
	}
}

// hardenSocketMode re-checks the socket file permissions after spawn.
// The shepherd sets 0600 itself before accepting; this is the
// manager-side check of that contract.
func (m *Manager) hardenSocketMode(socketPath string) {
	info, err := os.Stat(socketPath)
	if err != nil || info.Mode().Perm() == 0600 {
		return
	}
	m.logger.Warn("socket mode not owner-only, fixing",
		"socket", socketPath, "mode", fmt.Sprintf("%o", info.Mode().Perm()))
	if err := os.Chmod(socketPath, 0600); err != nil {
		m.logger.Warn("socket mode fix failed", "socket", socketPath, "error", err)
	}
}
