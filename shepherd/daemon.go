// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shepherd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/bureau-foundation/tower/frame"
	"github.com/bureau-foundation/tower/lib/clock"
	"github.com/bureau-foundation/tower/lib/codec"
	"github.com/bureau-foundation/tower/lib/netutil"
	"github.com/bureau-foundation/tower/lib/procfs"
)

const (
	// DefaultColumns and DefaultRows are the initial terminal
	// dimensions when the daemon configuration does not specify any.
	DefaultColumns uint16 = 80
	DefaultRows    uint16 = 24

	// DefaultLinger is how long the daemon stays up after its worker
	// has exited with no client attached, waiting for an orchestrator
	// to connect and collect the exit (or request a relaunch) before
	// the daemon exits on its own. The window must comfortably cover
	// the orchestrator's connect-after-spawn path: a worker that dies
	// the instant it starts must still have its exit waiting when the
	// orchestrator's first connection lands.
	DefaultLinger = 10 * time.Second

	// handshakeTimeout bounds how long a new connection may sit
	// between accept and HELLO. Liveness probes dial and hang up
	// immediately; anything that dials and then stalls silently is
	// cut loose so it cannot accumulate goroutines.
	handshakeTimeout = 10 * time.Second

	// drainWindow bounds how long the daemon waits after worker exit
	// for the PTY master to yield the tail of buffered output before
	// reporting EXIT. A worker that handed its slave descriptor to a
	// still-running descendant can hold the PTY open indefinitely;
	// its exit must be reported regardless.
	drainWindow = 500 * time.Millisecond

	// workerStopTimeout is how long a worker gets to honor SIGTERM
	// during daemon shutdown before it is killed.
	workerStopTimeout = 5 * time.Second
)

// Config carries everything a Daemon needs to serve one session.
type Config struct {
	// SocketPath is the unix socket this daemon binds. The daemon
	// also holds <SocketPath>.lock for its lifetime to prevent two
	// daemons from serving the same session.
	SocketPath string

	// Command, Args, Dir, and Env describe the initial worker. See
	// workerSpec for the Dir and Env conventions.
	Command string
	Args    []string
	Dir     string
	Env     []string

	// Columns and Rows are the initial terminal dimensions. Zero
	// values fall back to DefaultColumns and DefaultRows.
	Columns uint16
	Rows    uint16

	// RingSize is the replay buffer capacity in bytes. Zero falls
	// back to DefaultRingBufferSize.
	RingSize int

	// ReplayCompression is the preferred algorithm for the replay
	// snapshot in WELCOME. The zero value sends snapshots raw.
	ReplayCompression frame.CompressionTag

	// Linger is how long the daemon stays up with a dead worker and
	// no client before exiting. Zero falls back to DefaultLinger.
	Linger time.Duration

	// Logger receives the daemon's structured log output. Nil falls
	// back to slog.Default.
	Logger *slog.Logger

	// Clock drives the linger and drain timers. Nil falls back to
	// the real clock.
	Clock clock.Clock
}

// attachedClient is a connection that has completed the handshake.
// Frame writes are serialized through writeMutex: a frame is two
// socket writes (header, payload), and the output pump, the exit
// watcher, and the handshake write concurrently. attach holds
// writeMutex from before the client swap until WELCOME is on the
// wire, so no DATA or EXIT frame can overtake it.
type attachedClient struct {
	conn       net.Conn
	writeMutex sync.Mutex
}

func (c *attachedClient) send(f frame.Frame) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return frame.WriteFrame(c.conn, f)
}

// Daemon owns one PTY worker and serves it over one unix socket. It
// accepts any number of connections, but only the most recent to
// complete a handshake is the client; probe connections that dial and
// hang up without a HELLO never disturb the active client.
//
// The daemon never relaunches its worker on its own. Worker death is
// reported with a single EXIT frame (held for the next handshake when
// no client is attached at the time) and the relaunch decision belongs
// to the orchestrator, which executes it with a SPAWN frame.
type Daemon struct {
	config Config
	logger *slog.Logger
	clock  clock.Clock

	ring *ringBuffer

	// startTime is the daemon's own start time in Unix milliseconds,
	// reported in WELCOME for pid-reuse detection. Zero when /proc
	// did not yield one.
	startTime int64

	mutex        sync.Mutex
	client       *attachedClient
	worker       *worker
	workerLive   bool
	workerDone   chan struct{}
	spawning     bool
	pendingExit  *frame.Frame
	lastColumns  uint16
	lastRows     uint16
	lingerTimer  *clock.Timer
	shuttingDown bool

	exitOnce      sync.Once
	exitRequested chan struct{}
}

// NewDaemon validates the configuration and builds a Daemon. Call Run
// to bind the socket and start the worker.
func NewDaemon(config Config) (*Daemon, error) {
	if config.SocketPath == "" {
		return nil, fmt.Errorf("shepherd config: socket path required")
	}
	if config.Command == "" {
		return nil, fmt.Errorf("shepherd config: worker command required")
	}
	switch config.ReplayCompression {
	case frame.CompressionNone, frame.CompressionLZ4, frame.CompressionZstd:
	default:
		return nil, fmt.Errorf("shepherd config: unsupported replay compression %d", config.ReplayCompression)
	}
	if config.Columns == 0 {
		config.Columns = DefaultColumns
	}
	if config.Rows == 0 {
		config.Rows = DefaultRows
	}
	if config.RingSize <= 0 {
		config.RingSize = DefaultRingBufferSize
	}
	if config.Linger <= 0 {
		config.Linger = DefaultLinger
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	return &Daemon{
		config:        config,
		logger:        config.Logger,
		clock:         config.Clock,
		ring:          newRingBuffer(config.RingSize),
		lastColumns:   config.Columns,
		lastRows:      config.Rows,
		exitRequested: make(chan struct{}),
	}, nil
}

// Run starts the worker, binds the socket, and serves until the
// context is cancelled or the daemon decides to exit on its own
// (worker dead, no client, linger elapsed). The socket appears on disk
// only once the worker is running, so its existence doubles as a
// readiness signal. On return the socket and lock files are removed
// and the worker, if still alive, has been stopped.
//
// Bind and lock failures are returned immediately: a daemon that
// cannot own its socket must not sit around as an unreachable orphan.
func (d *Daemon) Run(ctx context.Context) error {
	// One daemon per socket. The lock outlives any stale socket file:
	// holding it proves a previous owner is gone.
	lockPath := d.config.SocketPath + ".lock"
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire session lock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("socket %s is already served by another shepherd", d.config.SocketPath)
	}
	defer func() {
		_ = fileLock.Unlock()
		_ = os.Remove(lockPath)
	}()

	// We hold the lock, so an existing socket file is a leftover from
	// a dead daemon.
	if err := os.Remove(d.config.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", d.config.SocketPath, err)
	}

	d.logger.Info("shepherd started",
		"socket", d.config.SocketPath,
		"pid", os.Getpid(),
		"command", d.config.Command)

	if err := d.startInitialWorker(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	// The socket binds only after the worker is up: its appearance on
	// disk is the readiness signal the orchestrator polls for.
	listener, err := net.Listen("unix", d.config.SocketPath)
	if err != nil {
		d.stopWorkerForStartupFailure()
		return fmt.Errorf("bind %s: %w", d.config.SocketPath, err)
	}
	defer listener.Close()

	// Owner-only before anything can connect: the socket grants full
	// control of the worker's terminal.
	if err := os.Chmod(d.config.SocketPath, 0600); err != nil {
		d.stopWorkerForStartupFailure()
		return fmt.Errorf("harden socket mode on %s: %w", d.config.SocketPath, err)
	}

	if startTime, ok := procfs.SelfStartTime(); ok {
		d.startTime = startTime.UnixMilli()
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go d.serveConn(conn)
		}
	}()

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown requested")
	case <-d.exitRequested:
		d.logger.Info("exiting: worker gone and no client within linger window")
	}

	d.mutex.Lock()
	d.shuttingDown = true
	if d.lingerTimer != nil {
		d.lingerTimer.Stop()
		d.lingerTimer = nil
	}
	client := d.client
	d.client = nil
	w := d.worker
	live := d.workerLive
	done := d.workerDone
	d.mutex.Unlock()

	listener.Close()
	if client != nil {
		client.conn.Close()
	}

	if live && w != nil {
		d.logger.Info("stopping worker", "pid", w.pid())
		_ = w.signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-d.clock.After(workerStopTimeout):
			d.logger.Warn("worker ignored SIGTERM, killing", "pid", w.pid())
			_ = w.signal(syscall.SIGKILL)
			<-done
		}
	} else if done != nil {
		// The exit watcher may still be mid-drain.
		<-done
	}

	d.logger.Info("shepherd stopped")
	return nil
}

// stopWorkerForStartupFailure kills the worker when startup fails
// after it was already spawned. A worker whose socket never came up is
// unreachable by any orchestrator and must not outlive the daemon.
func (d *Daemon) stopWorkerForStartupFailure() {
	d.mutex.Lock()
	w := d.worker
	live := d.workerLive
	done := d.workerDone
	d.mutex.Unlock()

	if live && w != nil {
		_ = w.signal(syscall.SIGKILL)
	}
	if done != nil {
		<-done
	}
}

// startInitialWorker starts the configured worker at daemon startup.
// Failure is fatal to the daemon: with no worker ever started there is
// nothing to supervise, and the orchestrator's create path handles the
// resulting connection failure with its own rollback.
func (d *Daemon) startInitialWorker() error {
	spec := workerSpec{
		Command: d.config.Command,
		Args:    d.config.Args,
		Dir:     d.config.Dir,
		Env:     d.config.Env,
	}
	w, err := startWorker(spec, d.config.Columns, d.config.Rows, d.handleWorkerOutput)
	if err != nil {
		return err
	}

	d.mutex.Lock()
	d.worker = w
	d.workerLive = true
	done := make(chan struct{})
	d.workerDone = done
	d.mutex.Unlock()

	d.logger.Info("worker started", "pid", w.pid())
	go d.watchWorker(w, done)
	return nil
}

// watchWorker waits for one worker's exit, lets the output pump drain
// the PTY within a bounded window, and reports the exit to the client
// (or holds it for the next handshake). Closes done when the exit has
// been fully handled.
func (d *Daemon) watchWorker(w *worker, done chan struct{}) {
	defer close(done)
	exit := <-w.exited()

	select {
	case <-w.outputDrained():
	case <-d.clock.After(drainWindow):
		d.logger.Debug("worker output not drained within window")
	}
	w.closeMaster()

	d.mutex.Lock()
	d.worker = nil
	d.workerLive = false
	d.mutex.Unlock()

	d.logger.Info("worker exited", "code", exit.Code, "signal", exit.Signal)

	exitFrame, err := frame.NewExitFrame(frame.ExitPayload{Code: exit.Code, Signal: exit.Signal})
	if err != nil {
		d.logger.Error("encode exit frame", "error", err)
		return
	}
	d.deliverExit(exitFrame)
}

// deliverExit sends an EXIT frame to the current client, or holds it
// as the pending exit when no client is attached. A send failure
// detaches that client and retries against whoever is attached next,
// so a mid-delivery displacement cannot swallow the exit.
func (d *Daemon) deliverExit(exitFrame frame.Frame) {
	for {
		d.mutex.Lock()
		client := d.client
		if client == nil {
			d.pendingExit = &exitFrame
			if !d.workerLive && !d.spawning {
				d.armLingerLocked()
			}
			d.mutex.Unlock()
			return
		}
		d.mutex.Unlock()

		if err := client.send(exitFrame); err == nil {
			return
		}
		d.detachClient(client)
	}
}

// handleWorkerOutput runs on the worker's pump goroutine for every
// chunk of PTY output. The ring write and the client lookup share one
// mutex hold with the handshake's snapshot-and-attach, so a chunk
// lands in exactly one of the replay snapshot or the live DATA stream
// for any given client.
func (d *Daemon) handleWorkerOutput(data []byte) {
	d.mutex.Lock()
	d.ring.Write(data)
	client := d.client
	d.mutex.Unlock()

	if client == nil {
		return
	}
	if err := client.send(frame.NewDataFrame(data)); err != nil {
		d.logger.Debug("client write failed, detaching", "error", err)
		d.detachClient(client)
	}
}

// serveConn handles one accepted connection from first byte to
// disconnect. The connection only matters once it completes a
// handshake; before that it is at best a liveness probe and at worst
// garbage, and either way it gets disconnected without touching the
// active client.
func (d *Daemon) serveConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	first, err := frame.ReadFrame(conn)
	if err != nil {
		// Probes dial and hang up without sending anything.
		if !netutil.IsExpectedCloseError(err) {
			d.logger.Debug("connection closed before handshake", "error", err)
		}
		return
	}
	if first.Type != frame.TypeHello {
		d.logger.Warn("connection opened without HELLO, disconnecting",
			"frame_type", fmt.Sprintf("0x%02x", first.Type))
		return
	}
	hello, err := frame.ParseHelloPayload(first.Payload)
	if err != nil {
		diagnostic, _ := codec.Diagnose(first.Payload)
		d.logger.Warn("malformed HELLO, disconnecting", "error", err, "payload", diagnostic)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	link := &attachedClient{conn: conn}
	d.logger.Info("client connected", "client_version", hello.Version)

	if !d.attach(link) {
		return
	}
	d.readLoop(link)
}

// attach makes link the active client: it fixes the replay snapshot,
// displaces any previous client, and sends WELCOME followed by the
// pending exit, if one is waiting. The snapshot and the client swap
// share one mutex hold, and link's write mutex stays held until the
// WELCOME send resolves, so output pumped or an exit reported during
// the handshake queues behind WELCOME instead of overtaking it.
// Returns false when the connection died before the handshake
// completed.
func (d *Daemon) attach(link *attachedClient) bool {
	link.writeMutex.Lock()

	d.mutex.Lock()
	previous := d.client
	snapshot := d.ring.Snapshot()
	d.client = link
	pending := d.pendingExit
	d.pendingExit = nil
	if d.lingerTimer != nil {
		d.lingerTimer.Stop()
		d.lingerTimer = nil
	}
	d.mutex.Unlock()

	if previous != nil {
		d.logger.Info("displacing previous client")
		previous.conn.Close()
	}

	compressed, tag, err := frame.CompressReplay(snapshot, d.config.ReplayCompression)
	if err != nil {
		d.logger.Error("compress replay snapshot", "error", err)
		compressed, tag = snapshot, frame.CompressionNone
	}
	welcome, err := frame.NewWelcomeFrame(frame.WelcomePayload{
		Version:           frame.ProtocolVersion,
		Pid:               os.Getpid(),
		StartTime:         d.startTime,
		Replay:            compressed,
		ReplaySize:        len(snapshot),
		ReplayCompression: tag,
	})
	if err != nil {
		link.writeMutex.Unlock()
		d.logger.Error("encode welcome frame", "error", err)
		d.detachClient(link)
		if pending != nil {
			d.deliverExit(*pending)
		}
		return false
	}

	writeErr := frame.WriteFrame(link.conn, welcome)
	link.writeMutex.Unlock()
	if writeErr != nil {
		d.logger.Debug("welcome write failed", "error", writeErr)
		d.detachClient(link)
		if pending != nil {
			d.deliverExit(*pending)
		}
		return false
	}

	if pending != nil {
		d.deliverExit(*pending)
	}
	return true
}

// readLoop dispatches the client's frames until the connection closes
// or the client violates the protocol. Violations disconnect that
// client only; the daemon and its worker are unaffected.
func (d *Daemon) readLoop(link *attachedClient) {
	for {
		f, err := frame.ReadFrame(link.conn)
		if err != nil {
			if !netutil.IsExpectedCloseError(err) {
				d.logger.Debug("client read error", "error", err)
			}
			d.detachClient(link)
			return
		}
		if err := d.dispatch(f); err != nil {
			d.logger.Warn("disconnecting client", "error", err)
			d.detachClient(link)
			return
		}
	}
}

// dispatch handles one client frame. A returned error means the frame
// was malformed or out of protocol and the client must go.
func (d *Daemon) dispatch(f frame.Frame) error {
	switch f.Type {
	case frame.TypeWrite:
		d.mutex.Lock()
		w, live := d.worker, d.workerLive
		d.mutex.Unlock()
		if !live {
			d.logger.Debug("dropping write, no live worker", "bytes", len(f.Payload))
			return nil
		}
		if err := w.write(f.Payload); err != nil {
			d.logger.Debug("write to worker failed", "error", err)
		}
		return nil

	case frame.TypeResize:
		columns, rows, err := frame.ParseResizePayload(f.Payload)
		if err != nil {
			return fmt.Errorf("malformed resize frame: %w", err)
		}
		d.mutex.Lock()
		d.lastColumns, d.lastRows = columns, rows
		w, live := d.worker, d.workerLive
		d.mutex.Unlock()
		if live {
			if err := w.resize(columns, rows); err != nil {
				d.logger.Debug("resize failed", "error", err)
			}
		}
		return nil

	case frame.TypeKill:
		kill, err := frame.ParseKillPayload(f.Payload)
		if err != nil {
			diagnostic, _ := codec.Diagnose(f.Payload)
			return fmt.Errorf("malformed kill frame (payload %s): %w", diagnostic, err)
		}
		d.mutex.Lock()
		w, live := d.worker, d.workerLive
		d.mutex.Unlock()
		if !live {
			d.logger.Debug("dropping kill, no live worker", "signal", kill.Signal)
			return nil
		}
		d.logger.Info("signaling worker", "signal", kill.Signal, "pid", w.pid())
		if err := w.signal(syscall.Signal(kill.Signal)); err != nil {
			d.logger.Debug("signal delivery failed", "error", err)
		}
		return nil

	case frame.TypeSpawn:
		spawn, err := frame.ParseSpawnPayload(f.Payload)
		if err != nil {
			diagnostic, _ := codec.Diagnose(f.Payload)
			return fmt.Errorf("malformed spawn frame (payload %s): %w", diagnostic, err)
		}
		d.relaunchWorker(spawn)
		return nil

	default:
		return fmt.Errorf("unexpected frame type 0x%02x from client", f.Type)
	}
}

// relaunchWorker starts a new worker for a SPAWN frame. A failed start
// is reported as an immediate abnormal EXIT rather than an error: from
// the orchestrator's point of view a worker that cannot start and a
// worker that dies instantly are the same thing, and both feed the
// same restart accounting.
func (d *Daemon) relaunchWorker(spawn frame.SpawnPayload) {
	d.mutex.Lock()
	if d.workerLive || d.spawning {
		d.mutex.Unlock()
		d.logger.Warn("spawn ignored, worker already running", "command", spawn.Command)
		return
	}
	d.spawning = true
	if d.lingerTimer != nil {
		d.lingerTimer.Stop()
		d.lingerTimer = nil
	}
	columns, rows := d.lastColumns, d.lastRows
	d.pendingExit = nil
	d.mutex.Unlock()

	spec := workerSpec{
		Command: spawn.Command,
		Args:    spawn.Args,
		Dir:     spawn.Dir,
		Env:     spawn.Env,
	}
	w, err := startWorker(spec, columns, rows, d.handleWorkerOutput)

	d.mutex.Lock()
	d.spawning = false
	if err != nil {
		d.mutex.Unlock()
		d.logger.Error("worker relaunch failed", "command", spawn.Command, "error", err)
		exitFrame, encodeErr := frame.NewExitFrame(frame.ExitPayload{Code: -1})
		if encodeErr != nil {
			d.logger.Error("encode exit frame", "error", encodeErr)
			return
		}
		d.deliverExit(exitFrame)
		return
	}
	d.worker = w
	d.workerLive = true
	done := make(chan struct{})
	d.workerDone = done
	d.mutex.Unlock()

	d.logger.Info("worker relaunched", "command", spawn.Command, "pid", w.pid())
	go d.watchWorker(w, done)
}

// detachClient closes the connection and, if it is still the active
// client, clears it. With the worker already dead this starts the
// linger countdown toward daemon exit.
func (d *Daemon) detachClient(client *attachedClient) {
	client.conn.Close()

	d.mutex.Lock()
	if d.client == client {
		d.client = nil
		d.logger.Info("client detached")
		if !d.workerLive && !d.spawning {
			d.armLingerLocked()
		}
	}
	d.mutex.Unlock()
}

// armLingerLocked schedules daemon exit after the linger window. The
// timer re-checks the idle condition when it fires: a client that
// attached or a SPAWN that landed in the meantime cancels the exit
// even if the Stop call raced the firing.
func (d *Daemon) armLingerLocked() {
	if d.shuttingDown {
		return
	}
	if d.lingerTimer != nil {
		d.lingerTimer.Stop()
	}
	d.logger.Info("no client and no worker, lingering before exit", "linger", d.config.Linger)
	d.lingerTimer = d.clock.AfterFunc(d.config.Linger, func() {
		d.mutex.Lock()
		idle := d.client == nil && !d.workerLive && !d.spawning
		d.mutex.Unlock()
		if idle {
			d.exitOnce.Do(func() { close(d.exitRequested) })
		}
	})
}
