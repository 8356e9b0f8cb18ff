// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shepherd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// workerSpec describes the process to run behind the PTY. The initial
// spec comes from the daemon configuration; relaunch specs arrive in
// SPAWN frames.
type workerSpec struct {
	Command string
	Args    []string
	// Dir is the working directory. Empty means the daemon's own
	// working directory.
	Dir string
	// Env is the environment as KEY=VALUE pairs. Empty means the
	// worker inherits the daemon's environment.
	Env []string
}

// workerExit is the terminal status of a worker process. Code is -1
// when the worker was terminated by a signal, in which case Signal
// holds the signal number.
type workerExit struct {
	Code   int
	Signal int
}

// worker is one running process attached to a PTY. The daemon holds at
// most one live worker at a time; each SPAWN allocates a fresh worker
// with a fresh PTY pair, since the previous master is unreadable after
// its slave side closes.
type worker struct {
	cmd    *exec.Cmd
	master *os.File

	// pumpDone is closed once the output pump has drained the PTY
	// master, which happens only after every slave descriptor has
	// closed. Worker output observed before this point is complete.
	pumpDone chan struct{}

	// exitResult receives the wait(2) status exactly once.
	exitResult chan workerExit
}

// startWorker allocates a PTY pair at the given dimensions, starts the
// process as a session leader with the PTY slave as its controlling
// terminal, and begins pumping master output into onOutput. The
// callback runs on the pump goroutine and must not block indefinitely.
func startWorker(spec workerSpec, columns, rows uint16, onOutput func([]byte)) (*worker, error) {
	master, slavePath, err := openPTY()
	if err != nil {
		return nil, fmt.Errorf("allocate PTY: %w", err)
	}

	if err := setWindowSize(master, columns, rows); err != nil {
		master.Close()
		return nil, fmt.Errorf("set initial window size: %w", err)
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		master.Close()
		return nil, fmt.Errorf("open PTY slave %s: %w", slavePath, err)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		master.Close()
		return nil, fmt.Errorf("start worker %s: %w", spec.Command, err)
	}
	// The child holds its own slave descriptors on fd 0/1/2; the
	// parent copy would only keep the PTY open past worker exit.
	slave.Close()

	w := &worker{
		cmd:        cmd,
		master:     master,
		pumpDone:   make(chan struct{}),
		exitResult: make(chan workerExit, 1),
	}

	// Output pump: PTY master → callback. Read returns EIO once the
	// worker (and anything it handed the slave to) is gone, after the
	// kernel's buffered output has been delivered.
	go func() {
		defer close(w.pumpDone)
		readBuffer := make([]byte, 4096)
		for {
			bytesRead, readErr := master.Read(readBuffer)
			if bytesRead > 0 {
				onOutput(readBuffer[:bytesRead])
			}
			if readErr != nil {
				return
			}
		}
	}()

	// Reaper: collect the exit status.
	go func() {
		w.exitResult <- exitStatus(cmd.Wait())
	}()

	return w, nil
}

// write sends input bytes to the worker's terminal.
func (w *worker) write(data []byte) error {
	if _, err := w.master.Write(data); err != nil {
		return fmt.Errorf("write to PTY master: %w", err)
	}
	return nil
}

// resize sets the terminal dimensions, delivering SIGWINCH to the
// worker's foreground process group.
func (w *worker) resize(columns, rows uint16) error {
	return setWindowSize(w.master, columns, rows)
}

// signal delivers a signal to the worker process.
func (w *worker) signal(signal syscall.Signal) error {
	return w.cmd.Process.Signal(signal)
}

// pid returns the worker's process id.
func (w *worker) pid() int {
	return w.cmd.Process.Pid
}

// exited yields the worker's exit status once, after wait(2) returns.
func (w *worker) exited() <-chan workerExit {
	return w.exitResult
}

// outputDrained is closed once the output pump has read everything the
// worker produced.
func (w *worker) outputDrained() <-chan struct{} {
	return w.pumpDone
}

// closeMaster releases the PTY master. Called after the worker has
// exited and its output is drained (or the drain window expired), and
// during daemon shutdown to unblock the pump.
func (w *worker) closeMaster() {
	w.master.Close()
}

// exitStatus converts a Wait error into a workerExit.
func exitStatus(waitErr error) workerExit {
	if waitErr == nil {
		return workerExit{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exit := workerExit{Code: exitErr.ExitCode()}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			exit.Signal = int(status.Signal())
		}
		return exit
	}
	// Wait itself failed; report an abnormal exit rather than a
	// fabricated status.
	return workerExit{Code: -1}
}

// openPTY allocates a PTY master/slave pair using the Linux devpts
// interface. Returns the master as an *os.File and the filesystem path
// to the slave.
func openPTY() (*os.File, string, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		return nil, "", fmt.Errorf("open /dev/ptmx: %w", err)
	}

	var ptyNumber int
	err = controlFd(master, func(fd int) error {
		number, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
		if err != nil {
			return fmt.Errorf("get PTY number (TIOCGPTN): %w", err)
		}
		ptyNumber = number
		if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
			return fmt.Errorf("unlock PTY slave (TIOCSPTLCK): %w", err)
		}
		return nil
	})
	if err != nil {
		master.Close()
		return nil, "", err
	}

	return master, fmt.Sprintf("/dev/pts/%d", ptyNumber), nil
}

// setWindowSize sets the terminal dimensions on a PTY master using
// TIOCSWINSZ. This propagates SIGWINCH to the foreground process group
// attached to the slave side.
func setWindowSize(file *os.File, columns, rows uint16) error {
	return controlFd(file, func(fd int) error {
		winsize := &unix.Winsize{
			Col: columns,
			Row: rows,
		}
		return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, winsize)
	})
}

// controlFd runs fn with the file's raw descriptor. The ioctls must
// not go through Fd(): that call switches the file to blocking mode,
// and Close would then no longer interrupt a Read blocked on the
// descriptor, which closeMaster relies on to stop the output pump.
func controlFd(file *os.File, fn func(fd int) error) error {
	rawConn, err := file.SyscallConn()
	if err != nil {
		return err
	}
	var fnErr error
	if err := rawConn.Control(func(fd uintptr) { fnErr = fn(int(fd)) }); err != nil {
		return err
	}
	return fnErr
}
