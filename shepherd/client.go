// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shepherd

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/tower/frame"
	"github.com/bureau-foundation/tower/lib/netutil"
)

const (
	// DefaultDialTimeout bounds the socket connect in Connect.
	DefaultDialTimeout = 5 * time.Second

	// DefaultHandshakeTimeout bounds the HELLO/WELCOME round trip.
	DefaultHandshakeTimeout = 10 * time.Second
)

// State is the client connection lifecycle. Transitions run strictly
// forward: disconnected → connecting → handshaking → connected →
// closed. There is no reconnect within one Client; the orchestrator
// builds a fresh Client per connection attempt.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Callbacks is the notification surface of a Client. Handlers run on
// the client's reader goroutine (or inside Connect, for data buffered
// during the handshake), so they must not block on the client's own
// operations.
//
// Every handler is optional. A nil Error handler switches error
// delivery to log-and-drop: an async fault on one background session
// must never take down the host process for want of a listener.
type Callbacks struct {
	// Data receives worker output in production order. The slice is
	// owned by the callback; the client does not reuse it.
	Data func(data []byte)

	// Exit fires when the daemon reports worker death. Code is -1
	// with Signal set when the worker was killed by a signal.
	Exit func(code, signal int)

	// Close fires exactly once, on every connection teardown
	// regardless of cause (local Close, daemon exit, transport
	// failure). A Close with no preceding Exit means the daemon went
	// away without reporting worker death.
	Close func()

	// Error receives post-handshake faults: transport errors and
	// protocol violations. Nil means errors are logged and dropped.
	Error func(err error)

	// VersionWarning fires when the daemon speaks an older protocol
	// than this client. The connection proceeds; the warning lets the
	// operator know a daemon restart would refresh it.
	VersionWarning func(clientVersion, daemonVersion uint32)
}

// ClientConfig configures Connect.
type ClientConfig struct {
	// SocketPath is the shepherd's unix socket.
	SocketPath string

	// Callbacks is the notification surface. Registered before the
	// handshake so replayed and buffered data have somewhere to go.
	Callbacks Callbacks

	// Logger receives client log output, including dropped errors
	// when no Error callback is registered. Nil falls back to
	// slog.Default.
	Logger *slog.Logger

	// DialTimeout and HandshakeTimeout bound the two blocking phases
	// of Connect. Zero values fall back to the package defaults.
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// Client is the orchestrator's handle on one shepherd connection. All
// methods are safe for concurrent use.
type Client struct {
	socketPath string
	callbacks  Callbacks
	logger     *slog.Logger

	conn       net.Conn
	writeMutex sync.Mutex

	mutex           sync.Mutex
	state           State
	detached        bool
	replay          []byte
	daemonPid       int
	daemonVersion   uint32
	daemonStartTime time.Time

	closeOnce sync.Once
}

// Connect dials a shepherd socket and completes the handshake. It
// sends HELLO, collects any DATA frames that arrive before WELCOME
// into an ordered buffer, arbitrates protocol versions, decompresses
// the replay snapshot, and only then delivers the buffered DATA in
// arrival order through the same Data callback as live output, so
// total output ordering is preserved across the handshake boundary.
//
// A nil error means the client is in StateConnected with its reader
// running. Version rejection (stale client against a newer daemon),
// dial failures, and handshake failures all return an error with the
// socket closed and no callbacks fired except those documented above.
func Connect(config ClientConfig) (*Client, error) {
	if config.SocketPath == "" {
		return nil, fmt.Errorf("client config: socket path required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultDialTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}

	client := &Client{
		socketPath: config.SocketPath,
		callbacks:  config.Callbacks,
		logger:     config.Logger,
		state:      StateConnecting,
	}

	conn, err := net.DialTimeout("unix", config.SocketPath, config.DialTimeout)
	if err != nil {
		client.state = StateDisconnected
		return nil, fmt.Errorf("dial shepherd socket %s: %w", config.SocketPath, err)
	}
	client.conn = conn
	client.state = StateHandshaking

	welcome, buffered, err := client.handshake(config.HandshakeTimeout)
	if err != nil {
		conn.Close()
		client.state = StateClosed
		return nil, err
	}

	warn, err := frame.CheckVersion(frame.ProtocolVersion, welcome.Version)
	if err != nil {
		conn.Close()
		client.state = StateClosed
		return nil, err
	}

	replay, err := frame.DecompressReplay(welcome.Replay, welcome.ReplayCompression, welcome.ReplaySize)
	if err != nil {
		conn.Close()
		client.state = StateClosed
		return nil, fmt.Errorf("decompress replay snapshot from %s: %w", config.SocketPath, err)
	}

	client.replay = replay
	client.daemonPid = welcome.Pid
	client.daemonVersion = welcome.Version
	if welcome.StartTime != 0 {
		client.daemonStartTime = time.UnixMilli(welcome.StartTime)
	}
	client.state = StateConnected

	if warn && client.callbacks.VersionWarning != nil {
		client.callbacks.VersionWarning(frame.ProtocolVersion, welcome.Version)
	}

	// Drain the pre-WELCOME buffer through the live delivery path
	// before the reader can deliver anything newer.
	if client.callbacks.Data != nil {
		for _, data := range buffered {
			client.callbacks.Data(data)
		}
	}

	go client.readLoop()

	return client, nil
}

// handshake sends HELLO and reads until WELCOME, buffering DATA frames
// that arrive first. Runs under a read deadline so a wedged daemon
// cannot hang Connect.
func (c *Client) handshake(timeout time.Duration) (frame.WelcomePayload, [][]byte, error) {
	hello, err := frame.NewHelloFrame(frame.ProtocolVersion)
	if err != nil {
		return frame.WelcomePayload{}, nil, fmt.Errorf("encode hello: %w", err)
	}
	if err := frame.WriteFrame(c.conn, hello); err != nil {
		return frame.WelcomePayload{}, nil, fmt.Errorf("send hello to %s: %w", c.socketPath, err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	var buffered [][]byte
	for {
		f, err := frame.ReadFrame(c.conn)
		if err != nil {
			return frame.WelcomePayload{}, nil, fmt.Errorf("read handshake from %s: %w", c.socketPath, err)
		}
		switch f.Type {
		case frame.TypeData:
			buffered = append(buffered, f.Payload)
		case frame.TypeWelcome:
			welcome, err := frame.ParseWelcomePayload(f.Payload)
			if err != nil {
				return frame.WelcomePayload{}, nil, fmt.Errorf("malformed welcome from %s: %w", c.socketPath, err)
			}
			return welcome, buffered, nil
		default:
			return frame.WelcomePayload{}, nil, fmt.Errorf("unexpected frame type 0x%02x before welcome from %s", f.Type, c.socketPath)
		}
	}
}

// readLoop delivers daemon frames until the connection dies or the
// daemon violates the protocol. Every exit path funnels through
// teardown, so the Close callback fires exactly once.
func (c *Client) readLoop() {
	for {
		f, err := frame.ReadFrame(c.conn)
		if err != nil {
			c.teardown(err)
			return
		}
		switch f.Type {
		case frame.TypeData:
			if c.callbacks.Data != nil {
				c.callbacks.Data(f.Payload)
			}
		case frame.TypeExit:
			exit, err := frame.ParseExitPayload(f.Payload)
			if err != nil {
				c.teardown(fmt.Errorf("malformed exit frame from %s: %w", c.socketPath, err))
				return
			}
			if c.callbacks.Exit != nil {
				c.callbacks.Exit(exit.Code, exit.Signal)
			}
			// The connection stays up: the orchestrator may answer
			// the exit with SPAWN on this same socket.
		default:
			c.teardown(fmt.Errorf("unexpected frame type 0x%02x from %s", f.Type, c.socketPath))
			return
		}
	}
}

// teardown closes the connection once. A cause that is a genuine fault
// (not an expected close) goes through the guarded error emit before
// the Close callback fires.
func (c *Client) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.state = StateClosed
		c.mutex.Unlock()
		c.conn.Close()

		if cause != nil && !netutil.IsExpectedCloseError(cause) {
			c.emitError(cause)
		}
		if c.callbacks.Close != nil {
			c.callbacks.Close()
		}
	})
}

// emitError delivers an error to the Error callback, or logs and drops
// it when none is registered. An unobserved background fault must
// never escalate into anything that could unwind the host.
func (c *Client) emitError(err error) {
	if c.callbacks.Error != nil {
		c.callbacks.Error(err)
		return
	}
	c.logger.Warn("dropping unobserved session error", "socket", c.socketPath, "error", err)
}

// sendFrame writes one frame if the client is connected. Frame writes
// are serialized: a frame is two socket writes and interleaving them
// would corrupt the stream.
func (c *Client) sendFrame(f frame.Frame) error {
	c.mutex.Lock()
	state := c.state
	c.mutex.Unlock()
	if state != StateConnected {
		return fmt.Errorf("shepherd connection %s is %s", c.socketPath, state)
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if err := frame.WriteFrame(c.conn, f); err != nil {
		return fmt.Errorf("send frame to %s: %w", c.socketPath, err)
	}
	return nil
}

// Write sends input bytes to the worker's terminal.
func (c *Client) Write(data []byte) error {
	return c.sendFrame(frame.NewWriteFrame(data))
}

// Resize sets the worker's terminal dimensions.
func (c *Client) Resize(columns, rows uint16) error {
	return c.sendFrame(frame.NewResizeFrame(columns, rows))
}

// Kill asks the daemon to deliver a signal to the worker and marks
// this connection detached: the teardown that follows an intentional
// kill is expected, and the mark lets the owner distinguish it from a
// shepherd that died on its own.
func (c *Client) Kill(signal int) error {
	killFrame, err := frame.NewKillFrame(signal)
	if err != nil {
		return fmt.Errorf("encode kill frame: %w", err)
	}
	c.mutex.Lock()
	c.detached = true
	c.mutex.Unlock()
	return c.sendFrame(killFrame)
}

// Spawn asks the daemon to relaunch its worker. Only meaningful after
// an Exit notification; the daemon ignores it while a worker runs.
func (c *Client) Spawn(spawn frame.SpawnPayload) error {
	spawnFrame, err := frame.NewSpawnFrame(spawn)
	if err != nil {
		return fmt.Errorf("encode spawn frame: %w", err)
	}
	return c.sendFrame(spawnFrame)
}

// ReplayData returns the replay snapshot delivered in WELCOME: the
// worker output retained from before this connection. The caller may
// hold onto the slice; the client does not mutate it.
func (c *Client) ReplayData() []byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.replay
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// Detached reports whether Kill was called on this connection.
func (c *Client) Detached() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.detached
}

// DaemonPid returns the shepherd daemon's pid as reported in WELCOME.
func (c *Client) DaemonPid() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.daemonPid
}

// DaemonVersion returns the protocol version the daemon announced in
// WELCOME. It can trail ProtocolVersion when an old shepherd outlives
// an orchestrator upgrade.
func (c *Client) DaemonVersion() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.daemonVersion
}

// DaemonStartTime returns the daemon's start time as reported in
// WELCOME, or the zero time when the daemon could not determine it.
// Paired with DaemonPid it detects pid reuse across host reboots.
func (c *Client) DaemonStartTime() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.daemonStartTime
}

// Close tears the connection down. The daemon and its worker keep
// running; the Close callback fires as on any other teardown.
func (c *Client) Close() error {
	c.teardown(nil)
	return nil
}
