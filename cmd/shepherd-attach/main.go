// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tower-shepherd-attach connects a terminal to a running shepherd's
// session: replayed history first, then live output, with keystrokes
// forwarded to the worker and terminal resizes propagated to its PTY.
//
// Press Ctrl-] to detach. Detaching leaves the worker running under
// its shepherd; that is the point of the arrangement. If the worker
// exits while attached, the tool exits with the worker's exit code
// (128+signal for signal deaths).
//
// Usage:
//
//	tower-shepherd-attach --socket /run/tower/sessions/<id>.sock
package main

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/tower/lib/process"
	"github.com/bureau-foundation/tower/lib/version"
	"github.com/bureau-foundation/tower/shepherd"
)

// detachKey is Ctrl-], the telnet escape. It is swallowed by the input
// pump and never reaches the worker.
const detachKey = 0x1d

func main() {
	code, err := run()
	if err != nil {
		process.Fatal(err)
	}
	os.Exit(code)
}

func run() (int, error) {
	flags := pflag.NewFlagSet("tower-shepherd-attach", pflag.ContinueOnError)
	socket := flags.String("socket", "", "shepherd unix socket path (required)")
	readonly := flags.Bool("readonly", false, "observe without forwarding input")
	showVersion := flags.Bool("version", false, "print version information and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0, nil
		}
		return 0, err
	}
	if *showVersion {
		fmt.Printf("tower-shepherd-attach %s\n", version.Info())
		return 0, nil
	}
	if *socket == "" {
		return 0, fmt.Errorf("--socket is required")
	}

	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		return 0, fmt.Errorf("stdin is not a terminal")
	}

	data := make(chan []byte, 256)
	exited := make(chan [2]int, 1)
	closed := make(chan struct{})
	faults := make(chan error, 1)

	client, err := shepherd.Connect(shepherd.ClientConfig{
		SocketPath: *socket,
		// Raw-mode stdout and log lines do not mix; faults surface
		// through the Error callback instead.
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Callbacks: shepherd.Callbacks{
			Data: func(chunk []byte) { data <- bytes.Clone(chunk) },
			Exit: func(code, signal int) { exited <- [2]int{code, signal} },
			Close: func() { close(closed) },
			Error: func(err error) {
				select {
				case faults <- err:
				default:
				}
			},
			VersionWarning: func(clientVersion, daemonVersion uint32) {
				fmt.Fprintf(os.Stderr, "note: shepherd speaks protocol %d, this tool speaks %d; restart the shepherd to upgrade it\n",
					daemonVersion, clientVersion)
			},
		},
	})
	if err != nil {
		return 0, err
	}
	defer client.Close()

	fmt.Printf("attached to %s (shepherd pid %d, protocol %d); press Ctrl-] to detach\n",
		*socket, client.DaemonPid(), client.DaemonVersion())

	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return 0, fmt.Errorf("set terminal raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChannel
		term.Restore(stdinFd, oldState)
		client.Close()
		os.Exit(0)
	}()

	// Match the remote PTY to this terminal before any input flows.
	if columns, rows, sizeErr := term.GetSize(stdinFd); sizeErr == nil {
		client.Resize(uint16(columns), uint16(rows))
	}
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	// Replay goes out before the first live chunk; the data channel
	// holds anything that arrives in the meantime.
	os.Stdout.Write(client.ReplayData())

	detach := make(chan struct{})
	go pumpInput(client, *readonly, detach)

	for {
		select {
		case chunk := <-data:
			os.Stdout.Write(chunk)
		case <-winch:
			if columns, rows, sizeErr := term.GetSize(stdinFd); sizeErr == nil {
				client.Resize(uint16(columns), uint16(rows))
			}
		case status := <-exited:
			drainData(data)
			code, sig := status[0], status[1]
			if sig != 0 {
				fmt.Printf("\r\n[worker killed by signal %d]\r\n", sig)
				return 128 + sig, nil
			}
			fmt.Printf("\r\n[worker exited with code %d]\r\n", code)
			return code, nil
		case <-detach:
			fmt.Printf("\r\n[detached; session keeps running]\r\n")
			return 0, nil
		case <-closed:
			drainData(data)
			select {
			case err := <-faults:
				fmt.Printf("\r\n[connection lost: %v]\r\n", err)
			default:
				fmt.Printf("\r\n[shepherd closed the connection]\r\n")
			}
			return 1, nil
		}
	}
}

// pumpInput forwards stdin to the worker until the detach key or EOF.
// In readonly mode it still watches for the detach key but forwards
// nothing.
func pumpInput(client *shepherd.Client, readonly bool, detach chan<- struct{}) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if idx := bytes.IndexByte(chunk, detachKey); idx >= 0 {
				if !readonly && idx > 0 {
					client.Write(chunk[:idx])
				}
				close(detach)
				return
			}
			if !readonly {
				if writeErr := client.Write(chunk); writeErr != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func drainData(data <-chan []byte) {
	for {
		select {
		case chunk := <-data:
			os.Stdout.Write(chunk)
		default:
			return
		}
	}
}
