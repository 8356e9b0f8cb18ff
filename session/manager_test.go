// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/tower/frame"
	"github.com/bureau-foundation/tower/lib/clock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient is an in-memory sessionClient. The manager unit tests
// drive lifecycle handlers directly, so everything here is recorded
// synchronously.
type fakeClient struct {
	mu       sync.Mutex
	writes   [][]byte
	spawns   []frame.SpawnPayload
	kills    []int
	closes   int
	spawnErr error
	replay   []byte
}

func (c *fakeClient) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeClient) Resize(columns, rows uint16) error { return nil }

func (c *fakeClient) Kill(signal int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kills = append(c.kills, signal)
	return nil
}

func (c *fakeClient) Spawn(spawn frame.SpawnPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spawnErr != nil {
		return c.spawnErr
	}
	c.spawns = append(c.spawns, spawn)
	return nil
}

func (c *fakeClient) ReplayData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replay
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeClient) spawnCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spawns)
}

func (c *fakeClient) killed() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.kills...)
}

func (c *fakeClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// noticeRecorder collects manager notices.
type noticeRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *noticeRecorder) record(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *noticeRecorder) all() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func newTestManager(t *testing.T, fake *clock.FakeClock, onNotice func(Notice)) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		SocketDir:       t.TempDir(),
		ShepherdCommand: []string{"/bin/false"},
		OnNotice:        onNotice,
		Logger:          testLogger(),
		Clock:           fake,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

// installSession registers a session backed by a fake client, skipping
// the spawn-and-connect path the unit tests do not exercise.
func installSession(m *Manager, client *fakeClient, id string, policy RestartPolicy) *session {
	s := &session{
		id:         id,
		command:    "worker",
		args:       []string{"--serve"},
		socketPath: filepath.Join(m.config.SocketDir, id+".sock"),
		createdAt:  m.clock.Now(),
		policy:     policy,
		client:     client,
	}
	m.mutex.Lock()
	m.sessions[id] = s
	m.mutex.Unlock()
	return s
}

func restartCountOf(t *testing.T, m *Manager, id string) int {
	t.Helper()
	info, ok := m.GetSessionInfo(id)
	if !ok {
		t.Fatalf("session %s not registered", id)
	}
	return info.RestartCount
}

func TestManagerRestartBudget(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	recorder := &noticeRecorder{}
	m := newTestManager(t, fake, recorder.record)
	client := &fakeClient{}
	s := installSession(m, client, "budget", RestartPolicy{
		RestartOnExit: true,
		RestartDelay:  100 * time.Millisecond,
		MaxRestarts:   2,
	})

	// Two exits within the budget: each schedules exactly one relaunch.
	m.handleExit(s, 1, 0)
	fake.Advance(100 * time.Millisecond)
	if got := client.spawnCount(); got != 1 {
		t.Fatalf("expected 1 spawn after first exit, got %d", got)
	}
	if got := restartCountOf(t, m, "budget"); got != 1 {
		t.Fatalf("expected restart count 1, got %d", got)
	}

	m.handleExit(s, 1, 0)
	fake.Advance(100 * time.Millisecond)
	if got := client.spawnCount(); got != 2 {
		t.Fatalf("expected 2 spawns after second exit, got %d", got)
	}

	// Third exit breaches the budget: no further spawn, session removed,
	// one exhaustion notice.
	m.handleExit(s, 1, 0)
	fake.Advance(time.Second)
	if got := client.spawnCount(); got != 2 {
		t.Errorf("expected spawn count to stay at 2, got %d", got)
	}
	if _, ok := m.GetSessionInfo("budget"); ok {
		t.Error("expected exhausted session to be removed")
	}
	if got := client.closeCount(); got != 1 {
		t.Errorf("expected client closed once, got %d", got)
	}
	notices := recorder.all()
	if len(notices) != 1 {
		t.Fatalf("expected exactly 1 notice, got %d: %v", len(notices), notices)
	}
	if notices[0].Kind != NoticeRestartExhausted || notices[0].SessionID != "budget" {
		t.Errorf("unexpected notice: %+v", notices[0])
	}
	if got := fake.PendingCount(); got != 0 {
		t.Errorf("expected no pending timers after removal, got %d", got)
	}
}

func TestManagerRelaunchCarriesWorkerCommand(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	m := newTestManager(t, fake, func(Notice) {})
	client := &fakeClient{}
	s := installSession(m, client, "carry", RestartPolicy{
		RestartOnExit: true,
		RestartDelay:  50 * time.Millisecond,
		MaxRestarts:   1,
	})
	s.dir = "/srv/work"
	s.env = []string{"MODE=worker"}

	m.handleExit(s, 1, 0)
	fake.Advance(50 * time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.spawns) != 1 {
		t.Fatalf("expected 1 spawn, got %d", len(client.spawns))
	}
	spawn := client.spawns[0]
	if spawn.Command != "worker" || len(spawn.Args) != 1 || spawn.Args[0] != "--serve" {
		t.Errorf("spawn does not match session command: %+v", spawn)
	}
	if spawn.Dir != "/srv/work" || len(spawn.Env) != 1 || spawn.Env[0] != "MODE=worker" {
		t.Errorf("spawn does not carry dir/env: %+v", spawn)
	}
}

func TestManagerRestartStreakReset(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	m := newTestManager(t, fake, func(Notice) {})
	client := &fakeClient{}
	s := installSession(m, client, "streak", RestartPolicy{
		RestartOnExit:     true,
		RestartDelay:      500 * time.Millisecond,
		MaxRestarts:       3,
		RestartResetAfter: time.Millisecond,
	})

	m.handleExit(s, 1, 0)
	fake.Advance(500 * time.Millisecond)
	if got := restartCountOf(t, m, "streak"); got != 1 {
		t.Fatalf("expected restart count 1 after relaunch, got %d", got)
	}

	// The reset window is floored at the restart delay, so a 1ms
	// configured window cannot clear the counter before 500ms have
	// passed since the relaunch.
	fake.Advance(499 * time.Millisecond)
	if got := restartCountOf(t, m, "streak"); got != 1 {
		t.Fatalf("expected restart count still 1 before the floor, got %d", got)
	}
	fake.Advance(time.Millisecond)
	if got := restartCountOf(t, m, "streak"); got != 0 {
		t.Fatalf("expected restart count reset to 0, got %d", got)
	}
}

func TestManagerKillDuringBackoff(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	recorder := &noticeRecorder{}
	m := newTestManager(t, fake, recorder.record)
	client := &fakeClient{}
	s := installSession(m, client, "doomed", RestartPolicy{
		RestartOnExit: true,
		RestartDelay:  time.Second,
		MaxRestarts:   5,
	})
	if err := os.WriteFile(s.socketPath, nil, 0600); err != nil {
		t.Fatalf("failed to plant socket file: %v", err)
	}
	if err := os.WriteFile(s.socketPath+".lock", nil, 0600); err != nil {
		t.Fatalf("failed to plant lock file: %v", err)
	}

	m.handleExit(s, 1, 0)
	if err := m.KillSession("doomed", 15); err != nil {
		t.Fatalf("KillSession failed: %v", err)
	}

	if got := client.killed(); len(got) != 1 || got[0] != 15 {
		t.Errorf("expected kill frame with signal 15, got %v", got)
	}
	if got := client.closeCount(); got != 1 {
		t.Errorf("expected client closed once, got %d", got)
	}
	if _, err := os.Stat(s.socketPath); !os.IsNotExist(err) {
		t.Errorf("expected socket file removed, stat: %v", err)
	}
	if _, err := os.Stat(s.socketPath + ".lock"); !os.IsNotExist(err) {
		t.Errorf("expected lock file removed, stat: %v", err)
	}
	if _, ok := m.GetSessionInfo("doomed"); ok {
		t.Error("expected killed session to be removed")
	}

	// The queued relaunch must never fire.
	fake.Advance(5 * time.Second)
	if got := client.spawnCount(); got != 0 {
		t.Errorf("expected no spawns after kill, got %d", got)
	}
	if len(recorder.all()) != 0 {
		t.Errorf("expected no notices for an intentional kill, got %v", recorder.all())
	}
}

func TestManagerCrashCloseEmitsOneNotice(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	recorder := &noticeRecorder{}
	m := newTestManager(t, fake, recorder.record)
	client := &fakeClient{}
	s := installSession(m, client, "crashed", RestartPolicy{})

	m.handleClose(s)
	m.handleClose(s)

	notices := recorder.all()
	if len(notices) != 1 {
		t.Fatalf("expected exactly 1 notice, got %d: %v", len(notices), notices)
	}
	if notices[0].Kind != NoticeDisconnected {
		t.Errorf("expected disconnected notice, got %s", notices[0].Kind)
	}
	if !strings.Contains(notices[0].Message, "disconnected unexpectedly") {
		t.Errorf("unexpected notice message: %q", notices[0].Message)
	}
	if _, ok := m.GetSessionInfo("crashed"); ok {
		t.Error("expected crashed session to be removed")
	}
}

func TestManagerExitThenCloseIsQuiet(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	recorder := &noticeRecorder{}
	m := newTestManager(t, fake, recorder.record)
	client := &fakeClient{}
	s := installSession(m, client, "done", RestartPolicy{})

	// A plain exit with no restart policy removes the session; the
	// close that follows teardown must not add a crash notice.
	m.handleExit(s, 0, 0)
	m.handleClose(s)

	if len(recorder.all()) != 0 {
		t.Errorf("expected no notices for a clean exit, got %v", recorder.all())
	}
	if got := client.closeCount(); got != 1 {
		t.Errorf("expected client closed once, got %d", got)
	}
	if _, ok := m.GetSessionInfo("done"); ok {
		t.Error("expected exited session to be removed")
	}
}

func TestManagerSpawnFailureDefersToCloseHandler(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	recorder := &noticeRecorder{}
	m := newTestManager(t, fake, recorder.record)
	client := &fakeClient{spawnErr: errors.New("connection is closed")}
	s := installSession(m, client, "flaky", RestartPolicy{
		RestartOnExit: true,
		RestartDelay:  100 * time.Millisecond,
		MaxRestarts:   3,
	})

	m.handleExit(s, 1, 0)
	fake.Advance(100 * time.Millisecond)

	// The failed spawn means the connection is dying; removal belongs
	// to the close handler, so the session is still registered here.
	if _, ok := m.GetSessionInfo("flaky"); !ok {
		t.Fatal("expected session to remain until close")
	}
	if len(recorder.all()) != 0 {
		t.Fatalf("expected no notice yet, got %v", recorder.all())
	}

	m.handleClose(s)
	if _, ok := m.GetSessionInfo("flaky"); ok {
		t.Error("expected session removed after close")
	}
	notices := recorder.all()
	if len(notices) != 1 || notices[0].Kind != NoticeDisconnected {
		t.Errorf("expected one disconnected notice, got %v", notices)
	}
}

func TestManagerShutdownLeavesShepherdsRunning(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	recorder := &noticeRecorder{}
	m := newTestManager(t, fake, recorder.record)

	first := &fakeClient{}
	second := &fakeClient{}
	a := installSession(m, first, "alpha", RestartPolicy{
		RestartOnExit: true,
		RestartDelay:  time.Second,
		MaxRestarts:   3,
	})
	b := installSession(m, second, "beta", RestartPolicy{})
	for _, s := range []*session{a, b} {
		if err := os.WriteFile(s.socketPath, nil, 0600); err != nil {
			t.Fatalf("failed to plant socket file: %v", err)
		}
	}

	// A pending relaunch must not survive shutdown.
	m.handleExit(a, 1, 0)

	m.Shutdown()
	m.Shutdown()

	for _, client := range []*fakeClient{first, second} {
		if got := client.closeCount(); got != 1 {
			t.Errorf("expected each client closed exactly once, got %d", got)
		}
		if got := client.killed(); len(got) != 0 {
			t.Errorf("expected no kill frames on shutdown, got %v", got)
		}
	}
	for _, s := range []*session{a, b} {
		if _, err := os.Stat(s.socketPath); err != nil {
			t.Errorf("expected socket file to survive shutdown: %v", err)
		}
	}
	if got := m.ListSessions(); len(got) != 0 {
		t.Errorf("expected empty registry after shutdown, got %v", got)
	}
	fake.Advance(5 * time.Second)
	if got := first.spawnCount(); got != 0 {
		t.Errorf("expected no spawns after shutdown, got %d", got)
	}
	if len(recorder.all()) != 0 {
		t.Errorf("expected no notices on shutdown, got %v", recorder.all())
	}

	if _, err := m.CreateSession(context.Background(), CreateOptions{Command: "worker"}); err == nil {
		t.Error("expected CreateSession to fail after shutdown")
	}
}

func TestManagerNilNoticeSinkNeverPanics(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	m := newTestManager(t, fake, nil)
	client := &fakeClient{}
	s := installSession(m, client, "quiet", RestartPolicy{})

	m.handleClose(s)

	if _, ok := m.GetSessionInfo("quiet"); ok {
		t.Error("expected session removed despite nil notice sink")
	}
}

func TestManagerErrorNotice(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	recorder := &noticeRecorder{}
	m := newTestManager(t, fake, recorder.record)
	client := &fakeClient{}
	s := installSession(m, client, "noisy", RestartPolicy{})

	fault := errors.New("ring copy failed")
	m.handleError(s, fault)

	notices := recorder.all()
	if len(notices) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(notices))
	}
	if notices[0].Kind != NoticeSessionError || !errors.Is(notices[0].Err, fault) {
		t.Errorf("unexpected error notice: %+v", notices[0])
	}

	// Errors on a removed session are dropped.
	m.handleClose(s)
	m.handleError(s, fault)
	if got := len(recorder.all()); got != 2 {
		t.Errorf("expected 2 notices total (error + disconnect), got %d", got)
	}
}

func TestManagerListSessionsSorted(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	m := newTestManager(t, fake, func(Notice) {})

	installSession(m, &fakeClient{}, "oldest", RestartPolicy{})
	fake.Advance(time.Minute)
	installSession(m, &fakeClient{}, "middle", RestartPolicy{})
	fake.Advance(time.Minute)
	installSession(m, &fakeClient{}, "newest", RestartPolicy{})

	infos := m.ListSessions()
	if len(infos) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(infos))
	}
	for i, want := range []string{"oldest", "middle", "newest"} {
		if infos[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, infos[i].ID)
		}
	}
}

func TestManagerUnknownSessionErrors(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	m := newTestManager(t, fake, func(Notice) {})

	if err := m.Write("ghost", []byte("hello")); err == nil || !strings.Contains(err.Error(), "unknown session") {
		t.Errorf("expected unknown session error from Write, got %v", err)
	}
	if err := m.Resize("ghost", 80, 24); err == nil {
		t.Error("expected unknown session error from Resize")
	}
	if _, err := m.ReplayData("ghost"); err == nil {
		t.Error("expected unknown session error from ReplayData")
	}
	if err := m.KillSession("ghost", 15); err == nil {
		t.Error("expected unknown session error from KillSession")
	}
}

func TestManagerCreateSessionValidation(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	m := newTestManager(t, fake, func(Notice) {})

	if _, err := m.CreateSession(context.Background(), CreateOptions{}); err == nil {
		t.Error("expected error for empty command")
	}

	_, err := m.CreateSession(context.Background(), CreateOptions{
		Command: "worker",
		Restart: RestartPolicy{RestartOnExit: true},
	})
	if err == nil || !strings.Contains(err.Error(), "restart delay must be positive") {
		t.Errorf("expected restart delay validation error, got %v", err)
	}
}

func TestManagerWriteRoutesToClient(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	m := newTestManager(t, fake, func(Notice) {})
	client := &fakeClient{replay: []byte("earlier output")}
	installSession(m, client, "route", RestartPolicy{})

	if err := m.Write("route", []byte("input\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	client.mu.Lock()
	wrote := len(client.writes) == 1 && string(client.writes[0]) == "input\n"
	client.mu.Unlock()
	if !wrote {
		t.Error("expected write to reach the session client")
	}

	replay, err := m.ReplayData("route")
	if err != nil {
		t.Fatalf("ReplayData failed: %v", err)
	}
	if string(replay) != "earlier output" {
		t.Errorf("unexpected replay: %q", replay)
	}
}

func TestNoticeKindString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind NoticeKind
		want string
	}{
		{NoticeDisconnected, "disconnected"},
		{NoticeRestartExhausted, "restart-exhausted"},
		{NoticeSessionError, "session-error"},
		{NoticeKind(99), "unknown(99)"},
	}
	for _, tc := range cases {
		if got := tc.kind.String(); got != tc.want {
			t.Errorf("NoticeKind(%d).String() = %q, want %q", tc.kind, got, tc.want)
		}
	}
}

func TestManagerRequiresSocketDirAndCommand(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(Config{ShepherdCommand: []string{"x"}}); err == nil {
		t.Error("expected error for missing socket dir")
	}
	if _, err := NewManager(Config{SocketDir: t.TempDir()}); err == nil {
		t.Error("expected error for missing shepherd command")
	}
}
