// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package procfs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestProcessStartTimeSelf(t *testing.T) {
	started, ok := ProcessStartTime(os.Getpid())
	if !ok {
		t.Fatal("ProcessStartTime failed for own pid")
	}
	if started.IsZero() {
		t.Fatal("ProcessStartTime returned zero time")
	}
	if started.After(time.Now().Add(time.Minute)) {
		t.Errorf("start time %v is in the future", started)
	}
	// The test process started after the machine booted, certainly
	// within the last day on any test runner.
	if time.Since(started) > 24*time.Hour {
		t.Errorf("start time %v is implausibly old", started)
	}
}

func TestProcessStartTimeVanishedPid(t *testing.T) {
	// Linux pids cap at PID_MAX_LIMIT (4194304); this one cannot exist.
	if _, ok := ProcessStartTime(1 << 30); ok {
		t.Error("ProcessStartTime succeeded for a nonexistent pid")
	}
}

func TestProcessStartTimeInvalidPid(t *testing.T) {
	for _, pid := range []int{0, -1} {
		if _, ok := ProcessStartTime(pid); ok {
			t.Errorf("ProcessStartTime succeeded for pid %d", pid)
		}
	}
}

func TestProcessStartTimeParsesAwkwardComm(t *testing.T) {
	// The comm field may contain spaces and parentheses. Build a fake
	// proc tree exercising the last-paren anchor.
	procRoot := t.TempDir()
	pidDir := filepath.Join(procRoot, "42")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Fields after comm: state ppid pgrp session tty_nr tpgid flags
	// minflt cminflt majflt cmajflt utime stime cutime cstime priority
	// nice num_threads itrealvalue starttime(=12345) ...
	stat := "42 (tmux: server (v3)) S 1 42 42 0 -1 4194560 100 0 0 0 5 3 0 0 20 0 1 0 12345 1000000 200 18446744073709551615\n"
	if err := os.WriteFile(filepath.Join(pidDir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(procRoot, "stat"), []byte("cpu  1 2 3 4 5 6 7 8\nbtime 1700000000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	started, ok := processStartTimeFrom(procRoot, 42)
	if !ok {
		t.Fatal("processStartTimeFrom failed on synthetic tree")
	}

	want := time.Unix(1700000000, 0).Add(12345 * time.Second / userHZ)
	if !started.Equal(want) {
		t.Errorf("start time = %v, want %v", started, want)
	}
}

func TestProcessStartTimeTruncatedStat(t *testing.T) {
	procRoot := t.TempDir()
	pidDir := filepath.Join(procRoot, "7")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pidDir, "stat"), []byte("7 (short) S 1 2 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(procRoot, "stat"), []byte("btime 1700000000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := processStartTimeFrom(procRoot, 7); ok {
		t.Error("expected failure on truncated stat line")
	}
}

func TestProcessStartTimeMissingBtime(t *testing.T) {
	procRoot := t.TempDir()
	pidDir := filepath.Join(procRoot, "9")
	if err := os.MkdirAll(pidDir, 0o755); err != nil {
		t.Fatal(err)
	}
	stat := "9 (cat) S 1 9 9 0 -1 0 0 0 0 0 0 0 0 0 20 0 1 0 777 0 0 0\n"
	if err := os.WriteFile(filepath.Join(pidDir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(procRoot, "stat"), []byte("cpu  1 2 3 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := processStartTimeFrom(procRoot, 9); ok {
		t.Error("expected failure when btime line is absent")
	}
}
