// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// spawnShepherd launches the shepherd daemon for a new session in its
// own session group with no inherited stdio, so it survives this
// process unconditionally. The returned channel yields cmd.Wait's
// result once and is then closed, letting both awaitSocket and
// rollbackSpawn observe the exit without fighting over a single
// receive.
func (m *Manager) spawnShepherd(socketPath string, opts CreateOptions) (*exec.Cmd, <-chan error, error) {
	argv := append([]string{}, m.config.ShepherdCommand...)
	argv = append(argv, m.shepherdArgs(socketPath, opts)...)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	// Leave stdio nil: exec wires /dev/null, and the shepherd logs to
	// a file beside its socket.

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()
	return cmd, waitErr, nil
}

// shepherdArgs builds the per-session flag list for the shepherd
// binary.
func (m *Manager) shepherdArgs(socketPath string, opts CreateOptions) []string {
	args := []string{"--socket", socketPath, "--command", opts.Command}
	for _, a := range opts.Args {
		args = append(args, "--arg", a)
	}
	if opts.Dir != "" {
		args = append(args, "--dir", opts.Dir)
	}
	for _, e := range opts.Env {
		args = append(args, "--env", e)
	}
	if opts.Columns > 0 {
		args = append(args, "--cols", strconv.Itoa(int(opts.Columns)))
	}
	if opts.Rows > 0 {
		args = append(args, "--rows", strconv.Itoa(int(opts.Rows)))
	}
	if m.config.RingSize > 0 {
		args = append(args, "--ring-size", strconv.Itoa(m.config.RingSize))
	}
	return args
}

// awaitSocket polls until the shepherd's socket exists, the spawn
// timeout or context expires, or the shepherd process exits without
// ever serving.
func (m *Manager) awaitSocket(ctx context.Context, socketPath string, waitErr <-chan error) error {
	deadline := m.clock.Now().Add(m.config.SpawnTimeout)
	for {
		if info, err := os.Stat(socketPath); err == nil && info.Mode()&os.ModeSocket != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for shepherd socket %s: %w", socketPath, ctx.Err())
		case err := <-waitErr:
			if err != nil {
				return fmt.Errorf("shepherd exited before serving %s: %w", socketPath, err)
			}
			return fmt.Errorf("shepherd exited before serving %s", socketPath)
		default:
		}
		if !m.clock.Now().Before(deadline) {
			return fmt.Errorf("shepherd socket %s did not appear within %s", socketPath, m.config.SpawnTimeout)
		}
		m.clock.Sleep(socketPollInterval)
	}
}

// rollbackSpawn undoes a failed CreateSession: kill the shepherd, reap
// it, remove whatever files it managed to create. After this returns
// nothing of the attempt remains.
func (m *Manager) rollbackSpawn(cmd *exec.Cmd, waitErr <-chan error, socketPath string) {
	if cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			m.logger.Debug("rollback kill failed", "pid", cmd.Process.Pid, "error", err)
		}
		select {
		case <-waitErr:
		case <-m.clock.After(workerReapTimeout):
			m.logger.Warn("rollback reap timed out", "pid", cmd.Process.Pid)
		}
	}
	m.removeSessionFiles(socketPath)
}
