package amqp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// connectionState enumerates the connection lifecycle. Transitions only
// happen on the engine goroutine, one event at a time.
type connectionState int

const (
	stateExpectingSocket connectionState = iota
	stateExpectingSASLProtocolHeader
	stateExpectingSASLMechanisms
	stateExpectingSASLOutcome
	stateExpectingAMQPProtocolHeader
	stateExpectingOpenFrame
	stateOpened
	stateExpectingCloseFrame
	stateTerminated
)

func (state connectionState) String() string {
	switch state {
	case stateExpectingSocket:
		return "expecting_socket"
	case stateExpectingSASLProtocolHeader:
		return "expecting_sasl_protocol_header"
	case stateExpectingSASLMechanisms:
		return "expecting_sasl_mechanisms"
	case stateExpectingSASLOutcome:
		return "expecting_sasl_outcome"
	case stateExpectingAMQPProtocolHeader:
		return "expecting_amqp_protocol_header"
	case stateExpectingOpenFrame:
		return "expecting_open_frame"
	case stateOpened:
		return "opened"
	case stateExpectingCloseFrame:
		return "expecting_close_frame"
	case stateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Events delivered into the engine mailbox. The reader collaborator
// produces the socket/header/frame/read-error events; callers produce
// begin-session and close requests; session workers produce end requests.
type event interface{}

type evSocketReady struct{ conn net.Conn }
type evProtocolHeader struct{ header protocolHeader }
type evFrame struct{ frame *Frame }
type evCloseRequest struct{}
type evReadError struct{ err error }

type beginSessionResult struct {
	session *Session
	err     error
}

type evBeginSession struct{ reply chan beginSessionResult }

type evSessionEnd struct {
	channel   uint16
	initiated bool
}

// Connection is a single AMQP 1.0 client connection: it performs the SASL
// and AMQP handshakes, exchanges open/close control frames, and manages the
// sessions multiplexed on top.
//
// The engine is logically single-threaded: every event is processed to
// completion on one goroutine before the next is considered, so transitions
// never interleave. Outbound socket writes happen only on that goroutine.
type Connection struct {
	config       Config
	tlsConfig    *tls.Config
	dialTimeout  time.Duration
	errorHandler func(err error)

	mailbox chan event
	done    chan struct{}

	// Engine-goroutine state. Never touched from outside the event loop
	// once the loop is running.
	state       connectionState
	socket      net.Conn
	reader      *frameReader
	sessions    *sessionSupervisor
	nextChannel uint16
	pending     []chan beginSessionResult

	termErr error
}

// NewConnection returns a new Connection. A container id may be provided;
// otherwise one is generated when the connection is opened.
func NewConnection(containerID ...string) *Connection {
	conn := &Connection{
		state:       stateExpectingSocket,
		nextChannel: 1,
		dialTimeout: 10 * time.Second,
	}
	if len(containerID) > 0 {
		conn.config.ContainerID = containerID[0]
	}
	return conn
}

// SetErrorHandler sets the callback receiving engine-level errors and
// advisory conditions. Must be set before Open.
func (conn *Connection) SetErrorHandler(errorHandler func(error)) *Connection {
	conn.errorHandler = errorHandler
	return conn
}

// SetMaxFrameSize sets the max frame size advertised in the outbound open
// frame and enforced on inbound frames. Zero leaves it unadvertised.
func (conn *Connection) SetMaxFrameSize(maxFrameSize uint32) *Connection {
	if maxFrameSize > 0 && maxFrameSize < minFrameSize {
		// The framing layer guarantees peers at least 512 bytes.
		maxFrameSize = minFrameSize
	}
	conn.config.MaxFrameSize = maxFrameSize
	return conn
}

// SetHostname overrides the hostname sent in the open frame.
func (conn *Connection) SetHostname(hostname string) *Connection {
	conn.config.Hostname = hostname
	return conn
}

// SetDialTimeout bounds each transport dial attempt.
func (conn *Connection) SetDialTimeout(timeout time.Duration) *Connection {
	conn.dialTimeout = timeout
	return conn
}

// SetTLSConfig provides the TLS configuration used by the wss transport.
func (conn *Connection) SetTLSConfig(config *tls.Config) *Connection {
	conn.tlsConfig = config
	return conn
}

// Config returns a copy of the connection configuration. Once the broker's
// open frame has been observed the copy includes its advertised max frame
// size; reading it before that point races with the engine, so callers
// should wait for an opened session first.
func (conn *Connection) Config() Config {
	return conn.config
}

// Open dials the broker and starts the connection engine. It returns as
// soon as the engine is running; the protocol handshake proceeds in the
// background and BeginSession calls queue until the connection is usable.
func (conn *Connection) Open(uri string) error {
	if conn.mailbox != nil {
		return NewError(AlreadyOpenError)
	}

	target, err := parseEndpoint(uri)
	if err != nil {
		return err
	}
	conn.config.Address = target.address
	conn.config.Port = target.port
	if conn.config.Hostname == "" {
		conn.config.Hostname = target.address
	}
	if conn.config.ContainerID == "" {
		conn.config.ContainerID = clientProduct + "-" + uuid.NewString()
	}
	if conn.errorHandler == nil {
		conn.errorHandler = func(err error) {
			fmt.Println(time.Now().Local().String()+" ["+conn.config.ContainerID+"] >>>", err)
		}
	}

	socket, err := dialEndpoint(target, conn.dialTimeout, conn.tlsConfig)
	if err != nil {
		return err
	}

	// Two-phase wiring: build the collaborators first, then inject the
	// references once, before any socket activity begins.
	reader := newFrameReader(socket, conn.config.MaxFrameSize)
	sessions := newSessionSupervisor()
	conn.bind(socket, reader, sessions)

	go conn.run()
	go reader.run()

	return nil
}

// bind injects the collaborator references exactly once and prepares the
// mailbox. Split from Open so tests can drive the engine over an existing
// connection.
func (conn *Connection) bind(socket net.Conn, reader *frameReader, sessions *sessionSupervisor) {
	conn.socket = socket
	conn.reader = reader
	conn.sessions = sessions
	reader.bind(conn, sessions)
	sessions.bind(conn)
	conn.mailbox = make(chan event, 16)
	conn.done = make(chan struct{})
}

// BeginSession requests a new session on this connection. In the opened
// state it allocates the next channel number and starts a session worker
// synchronously. Before the connection is usable the caller blocks until
// the engine reaches the opened state and replays queued requests in
// arrival order. Once closing has begun the request fails immediately.
func (conn *Connection) BeginSession() (*Session, error) {
	if conn.mailbox == nil {
		return nil, NewError(ConnectionError, "connection is not open")
	}

	reply := make(chan beginSessionResult, 1)
	select {
	case conn.mailbox <- evBeginSession{reply: reply}:
	case <-conn.done:
		return nil, NewError(ConnectionClosedError, "connection closed")
	}

	select {
	case result := <-reply:
		return result.session, result.err
	case <-conn.done:
		return nil, NewError(ConnectionClosedError, "connection closed")
	}
}

// Close requests an orderly shutdown: the engine sends a close frame and
// waits for the broker's close before terminating. Fire-and-forget; use
// Done to observe completion.
func (conn *Connection) Close() error {
	if conn.mailbox == nil {
		return NewError(ConnectionError, "connection is not open")
	}
	select {
	case conn.mailbox <- evCloseRequest{}:
	case <-conn.done:
	}
	return nil
}

// Done is closed when the engine has terminated and the connection subtree
// is torn down.
func (conn *Connection) Done() <-chan struct{} {
	return conn.done
}

// Err reports why the engine terminated. Nil for normal termination.
func (conn *Connection) Err() error {
	select {
	case <-conn.done:
		return conn.termErr
	default:
		return nil
	}
}

// deliver submits an event to the mailbox, giving up once the engine has
// terminated. Used by the reader and session collaborators.
func (conn *Connection) deliver(ev event) bool {
	select {
	case conn.mailbox <- ev:
		return true
	case <-conn.done:
		return false
	}
}

func (conn *Connection) requestSessionEnd(channel uint16, initiated bool) error {
	if !conn.deliver(evSessionEnd{channel: channel, initiated: initiated}) {
		return NewError(ConnectionClosedError, "connection closed")
	}
	return nil
}

// run is the engine event loop: strictly ordered, one transition at a time.
func (conn *Connection) run() {
	for ev := range conn.mailbox {
		if conn.handleEvent(ev) {
			break
		}
	}
	conn.teardown()
}

// handleEvent runs one transition and reports whether the engine has
// terminated. Cross-cutting events are handled first; everything else
// dispatches on the current state, and an event with no matching transition
// is a fatal protocol violation.
func (conn *Connection) handleEvent(ev event) bool {
	switch typed := ev.(type) {
	case evBeginSession:
		conn.handleBeginSession(typed.reply)
		return false

	case evReadError:
		return conn.handleReadError(typed.err)

	case evCloseRequest:
		return conn.handleCloseRequest()
	}

	switch conn.state {
	case stateExpectingSocket:
		if typed, ok := ev.(evSocketReady); ok {
			conn.socket = typed.conn
			if err := conn.writeRaw(saslProtocolHeader[:]); err != nil {
				return conn.terminateAbnormally(NewError(ConnectionError, err))
			}
			conn.state = stateExpectingSASLProtocolHeader
			return false
		}

	case stateExpectingSASLProtocolHeader:
		if typed, ok := ev.(evProtocolHeader); ok {
			if !typed.header.isSASL() {
				// Incompatible peer, not a failure.
				return conn.terminateNormally()
			}
			conn.state = stateExpectingSASLMechanisms
			return false
		}

	case stateExpectingSASLMechanisms:
		if frameEvent, ok := ev.(evFrame); ok {
			if _, ok := frameEvent.frame.performative.(*saslMechanismsPerformative); ok {
				init := &saslInitPerformative{mechanism: "ANONYMOUS"}
				if err := conn.writeControlFrame(frameTypeSASL, init.marshal()); err != nil {
					return conn.terminateAbnormally(NewError(ConnectionError, err))
				}
				conn.state = stateExpectingSASLOutcome
				return false
			}
		}

	case stateExpectingSASLOutcome:
		if frameEvent, ok := ev.(evFrame); ok {
			if outcome, ok := frameEvent.frame.performative.(*saslOutcomePerformative); ok {
				// The outcome code is observed but does not gate the
				// handshake; a non-OK code is surfaced for review.
				if outcome.code != saslCodeOK {
					conn.reportError(NewError(SaslError, fmt.Sprintf("sasl outcome code %d", outcome.code)))
				}
				if err := conn.writeRaw(amqpProtocolHeader[:]); err != nil {
					return conn.terminateAbnormally(NewError(ConnectionError, err))
				}
				conn.state = stateExpectingAMQPProtocolHeader
				return false
			}
		}

	case stateExpectingAMQPProtocolHeader:
		if typed, ok := ev.(evProtocolHeader); ok {
			if !typed.header.isAMQP() {
				// Unsupported protocol version, not an error.
				return conn.terminateNormally()
			}
			if err := conn.writeOpen(); err != nil {
				return conn.terminateAbnormally(NewError(ConnectionError, err))
			}
			conn.state = stateExpectingOpenFrame
			return false
		}

	case stateExpectingOpenFrame:
		if frameEvent, ok := ev.(evFrame); ok {
			if open, ok := frameEvent.frame.performative.(*openPerformative); ok {
				if open.maxFrameSize != nil {
					conn.config.OutgoingMaxFrameSize = *open.maxFrameSize
				}
				conn.state = stateOpened
				conn.replayPending()
				return false
			}
		}

	case stateOpened:
		switch typed := ev.(type) {
		case evFrame:
			if clos, ok := typed.frame.performative.(*closePerformative); ok {
				if clos.condition != "" {
					conn.reportError(conditionToError(string(clos.condition), clos.description))
				}
				// Answer with our own close, best effort.
				clientClose := &closePerformative{}
				_ = conn.writeControlFrame(frameTypeAMQP, clientClose.marshal())
				return conn.terminateNormally()
			}
			// Anything else stays in opened.
			return false

		case evSessionEnd:
			end := &endPerformative{}
			err := conn.writeSessionFrame(typed.channel, end.marshal())
			if err != nil {
				if isClosedConnError(err) {
					return conn.terminateNormally()
				}
				return conn.terminateAbnormally(NewError(ConnectionError, err))
			}
			return false
		}

	case stateExpectingCloseFrame:
		if frameEvent, ok := ev.(evFrame); ok {
			if _, ok := frameEvent.frame.performative.(*closePerformative); ok {
				return conn.terminateNormally()
			}
		}
		if _, ok := ev.(evSessionEnd); ok {
			// Session teardown racing the connection close; nothing to do.
			return false
		}
	}

	return conn.terminateAbnormally(NewError(ProtocolError,
		fmt.Sprintf("unexpected %T in state %s", ev, conn.state)))
}

// handleBeginSession services the one cross-cutting request valid in every
// state except the closing ones.
func (conn *Connection) handleBeginSession(reply chan beginSessionResult) {
	switch conn.state {
	case stateOpened:
		reply <- conn.startSession()

	case stateExpectingCloseFrame, stateTerminated:
		reply <- beginSessionResult{err: NewError(ConnectionClosedError, "connection closed")}

	default:
		conn.pending = append(conn.pending, reply)
	}
}

func (conn *Connection) startSession() beginSessionResult {
	channel := conn.nextChannel
	session, err := conn.sessions.startChild(channel, conn.config)
	if err != nil {
		return beginSessionResult{err: err}
	}
	conn.nextChannel++
	return beginSessionResult{session: session}
}

// replayPending drains the queued session requests in original arrival
// order, exactly once, on entering the opened state.
func (conn *Connection) replayPending() {
	pending := conn.pending
	conn.pending = nil
	for _, reply := range pending {
		reply <- conn.startSession()
	}
}

func (conn *Connection) handleCloseRequest() bool {
	switch conn.state {
	case stateOpened:
		clientClose := &closePerformative{}
		if err := conn.writeControlFrame(frameTypeAMQP, clientClose.marshal()); err != nil {
			if isClosedConnError(err) {
				// The peer already went away; an acceptable outcome of
				// closing.
				return conn.terminateNormally()
			}
			return conn.terminateAbnormally(NewError(ConnectionError, err))
		}
		if cw, ok := conn.socket.(closeWriter); ok {
			_ = cw.CloseWrite()
		}
		conn.state = stateExpectingCloseFrame
		return false

	case stateExpectingCloseFrame:
		return false

	default:
		// Close before the connection became usable aborts the handshake.
		return conn.terminateNormally()
	}
}

func (conn *Connection) handleReadError(err error) bool {
	if conn.state == stateExpectingCloseFrame && isClosedConnError(err) {
		// We already said close; the peer hanging up instead of answering
		// is an acceptable outcome of closing.
		return conn.terminateNormally()
	}
	return conn.terminateAbnormally(NewError(ConnectionError, err))
}

func (conn *Connection) terminateNormally() bool {
	conn.state = stateTerminated
	return true
}

func (conn *Connection) terminateAbnormally(err error) bool {
	conn.state = stateTerminated
	conn.termErr = err
	conn.reportError(err)
	return true
}

func (conn *Connection) reportError(err error) {
	if conn.errorHandler != nil {
		conn.errorHandler(err)
	}
}

// teardown runs once, after the event loop stops, and tears down the whole
// connection subtree as a unit: queued callers are answered, session workers
// stop first, then the socket closes exactly once, which also stops the
// reader.
func (conn *Connection) teardown() {
	for _, reply := range conn.pending {
		reply <- beginSessionResult{err: NewError(ConnectionClosedError, "connection closed")}
	}
	conn.pending = nil

	if conn.sessions != nil {
		conn.sessions.closeAll()
	}
	if conn.socket != nil {
		_ = conn.socket.Close()
	}
	close(conn.done)
}

func (conn *Connection) writeRaw(raw []byte) error {
	_, err := conn.socket.Write(raw)
	return err
}

func (conn *Connection) writeControlFrame(frameType byte, body []byte) error {
	return writeFrame(conn.socket, frameType, 0, body)
}

// writeSessionFrame writes a frame on a session channel. Only ever invoked
// from the engine goroutine, which keeps the socket single-writer.
func (conn *Connection) writeSessionFrame(channel uint16, body []byte) error {
	return writeFrame(conn.socket, frameTypeAMQP, channel, body)
}

func (conn *Connection) writeOpen() error {
	channelMax := uint16(defaultChannelMax)
	idleTimeout := uint32(defaultIdleTimeout)
	open := &openPerformative{
		containerID: conn.config.ContainerID,
		hostname:    conn.config.Hostname,
		channelMax:  &channelMax,
		idleTimeout: &idleTimeout,
		properties: map[symbol]string{
			"product":  clientProduct,
			"version":  ClientVersion,
			"platform": clientPlatform,
		},
	}
	if conn.config.MaxFrameSize > 0 {
		open.maxFrameSize = &conn.config.MaxFrameSize
	}
	return conn.writeControlFrame(frameTypeAMQP, open.marshal())
}

// isClosedConnError reports whether err means the socket was already closed,
// locally or by the peer.
func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
