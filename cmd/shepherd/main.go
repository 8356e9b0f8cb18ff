// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tower-shepherd holds a worker process on a PTY and serves it over a
// per-session unix socket. The orchestrator spawns one shepherd per
// session and talks to it through the frame protocol; because the
// shepherd runs in its own session group with no inherited stdio, the
// worker survives orchestrator restarts, and a later orchestrator
// instance reattaches through the same socket.
//
// The shepherd exits when its context is canceled (SIGTERM/SIGINT),
// when a client sends KILL, or after lingering with a dead worker and
// no client long enough to conclude nobody is coming back.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/tower/frame"
	"github.com/bureau-foundation/tower/lib/logging"
	"github.com/bureau-foundation/tower/lib/process"
	"github.com/bureau-foundation/tower/lib/version"
	"github.com/bureau-foundation/tower/shepherd"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("tower-shepherd", pflag.ContinueOnError)
	socket := flags.String("socket", "", "unix socket path to serve (required)")
	command := flags.String("command", "", "worker command to run on the PTY (required)")
	args := flags.StringArray("arg", nil, "worker argument, repeatable, in order")
	dir := flags.String("dir", "", "worker working directory")
	env := flags.StringArray("env", nil, "worker environment entry as KEY=VALUE, repeatable")
	cols := flags.Uint16("cols", 0, "initial terminal columns (0 uses the default)")
	rows := flags.Uint16("rows", 0, "initial terminal rows (0 uses the default)")
	ringSize := flags.Int("ring-size", 0, "replay ring capacity in bytes (0 uses the default)")
	compression := flags.String("replay-compression", "zstd", "replay snapshot compression: none, lz4, or zstd")
	logFile := flags.String("log-file", "", "log file path (default: <socket>.log)")
	linger := flags.Duration("linger", 0, "how long to wait for a client with a dead worker before exiting (0 uses the default)")
	debug := flags.Bool("debug", false, "enable debug logging")
	showVersion := flags.Bool("version", false, "print version information and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("tower-shepherd %s\n", version.Info())
		return nil
	}
	if *socket == "" {
		return fmt.Errorf("--socket is required")
	}
	if *command == "" {
		return fmt.Errorf("--command is required")
	}
	replayCompression, err := frame.ParseCompressionTag(*compression)
	if err != nil {
		return fmt.Errorf("--replay-compression: %w", err)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logPath := *logFile
	if logPath == "" {
		logPath = *socket + ".log"
	}
	logger, logHandle, err := logging.FileLogger(logPath, logLevel)
	if err != nil {
		// A shepherd that cannot open its log file still has a worker
		// to keep alive.
		logger = logging.StderrLogger(logLevel)
		logger.Warn("log file unavailable, logging to stderr", "path", logPath, "error", err)
	} else {
		defer logHandle.Close()
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := shepherd.NewDaemon(shepherd.Config{
		SocketPath:        *socket,
		Command:           *command,
		Args:              *args,
		Dir:               *dir,
		Env:               *env,
		Columns:           *cols,
		Rows:              *rows,
		RingSize:          *ringSize,
		ReplayCompression: replayCompression,
		Linger:            *linger,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	logger.Info("shepherd starting",
		"socket", *socket, "command", *command, "pid", os.Getpid(), "version", version.Short())
	start := time.Now()
	if err := daemon.Run(ctx); err != nil {
		logger.Error("shepherd failed", "error", err, "uptime", time.Since(start))
		return err
	}
	logger.Info("shepherd exiting", "uptime", time.Since(start))
	return nil
}
