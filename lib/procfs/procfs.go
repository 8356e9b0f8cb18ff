// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package procfs reads process facts from the Linux /proc filesystem.
//
// The one consumer-facing operation is [ProcessStartTime], the
// pid-reuse cross-check used during session reconciliation: a shepherd
// reports its own start time in the WELCOME handshake, and the session
// manager compares it against the kernel's view of the same pid. The
// lookup is diagnostic-only, so every failure mode (vanished process,
// permission, parse surprise) converts to ok=false rather than an
// error; reconciliation flows must never abort on it.
package procfs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// userHZ is the kernel's USER_HZ constant: the unit of the starttime
// field in /proc/<pid>/stat. Fixed at 100 on every architecture Tower
// targets, independent of the kernel's internal CONFIG_HZ.
const userHZ = 100

// ProcessStartTime returns the wall-clock time at which the process
// with the given pid started, derived from /proc/<pid>/stat and the
// boot time in /proc/stat. Returns ok=false on any failure; it never
// panics and never returns an error.
//
// Resolution is one clock tick (10 ms) plus the one-second granularity
// of the kernel's btime field. Callers comparing start times should
// allow a tolerance of a couple of seconds.
func ProcessStartTime(pid int) (time.Time, bool) {
	return processStartTimeFrom("/proc", pid)
}

// SelfStartTime returns the start time of the calling process.
func SelfStartTime() (time.Time, bool) {
	return ProcessStartTime(os.Getpid())
}

// processStartTimeFrom is the testable version of ProcessStartTime
// that accepts a proc mount root.
func processStartTimeFrom(procRoot string, pid int) (time.Time, bool) {
	if pid <= 0 {
		return time.Time{}, false
	}

	ticks, ok := readStartTicks(filepath.Join(procRoot, strconv.Itoa(pid), "stat"))
	if !ok {
		return time.Time{}, false
	}

	bootTime, ok := readBootTime(filepath.Join(procRoot, "stat"))
	if !ok {
		return time.Time{}, false
	}

	offset := time.Duration(ticks) * time.Second / userHZ
	return bootTime.Add(offset), true
}

// readStartTicks parses the starttime field (field 22) from a
// /proc/<pid>/stat line. The comm field (field 2) is an arbitrary
// string wrapped in parentheses and may itself contain spaces and
// parentheses, so parsing anchors on the last ')' in the line; the
// fields after it start at field 3.
func readStartTicks(statPath string) (uint64, bool) {
	content, err := os.ReadFile(statPath)
	if err != nil {
		return 0, false
	}

	line := strings.TrimSpace(string(content))
	closeParen := strings.LastIndexByte(line, ')')
	if closeParen < 0 || closeParen+2 > len(line) {
		return 0, false
	}

	// Fields 3 onward. starttime is field 22 overall, so index 19 here.
	fields := strings.Fields(line[closeParen+1:])
	const startTimeIndex = 22 - 3
	if len(fields) <= startTimeIndex {
		return 0, false
	}

	ticks, err := strconv.ParseUint(fields[startTimeIndex], 10, 64)
	if err != nil {
		return 0, false
	}
	return ticks, true
}

// readBootTime parses the btime line (boot time in seconds since the
// epoch) from /proc/stat.
func readBootTime(statPath string) (time.Time, bool) {
	file, err := os.Open(statPath)
	if err != nil {
		return time.Time{}, false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var seconds int64
		if _, err := fmt.Sscanf(scanner.Text(), "btime %d", &seconds); err == nil {
			return time.Unix(seconds, 0), true
		}
	}
	return time.Time{}, false
}
