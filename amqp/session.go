package amqp

import "sync"

// Session is one sub-channel multiplexed over a connection. The connection
// engine allocates its channel number and the session announces itself with
// a begin frame; frame traffic beyond begin/end is delivered to the optional
// frame handler, link-level protocol behavior is up to the caller.
type Session struct {
	channel uint16
	config  Config
	conn    *Connection

	frameHandler func(*Frame)

	incoming  chan *Frame
	done      chan struct{}
	closeOnce sync.Once

	endRequested bool
	endLock      sync.Mutex
}

// SetFrameHandler registers a callback for frames routed to this session
// other than the begin/end pair the session manages itself. Handlers run on
// the session worker goroutine.
func (session *Session) SetFrameHandler(frameHandler func(*Frame)) *Session {
	session.frameHandler = frameHandler
	return session
}

// Channel returns the connection-scoped channel number allocated to this
// session. Channel numbers start at 1 and are never reused within one
// connection.
func (session *Session) Channel() uint16 {
	return session.channel
}

// End asks the connection engine to send an end frame for this session.
// The session worker shuts down when the broker's end frame arrives or when
// the connection terminates, whichever happens first.
func (session *Session) End() error {
	session.endLock.Lock()
	already := session.endRequested
	session.endRequested = true
	session.endLock.Unlock()
	if already {
		return nil
	}
	return session.conn.requestSessionEnd(session.channel, true)
}

// Done is closed once the session worker has shut down.
func (session *Session) Done() <-chan struct{} {
	return session.done
}

func (session *Session) close() {
	session.closeOnce.Do(func() {
		close(session.done)
	})
}

func (session *Session) deliver(incoming *Frame) {
	select {
	case session.incoming <- incoming:
	case <-session.done:
	}
}

func (session *Session) run() {
	for {
		select {
		case incoming := <-session.incoming:
			if _, isEnd := incoming.performative.(*endPerformative); isEnd {
				session.endLock.Lock()
				initiated := session.endRequested
				session.endRequested = true
				session.endLock.Unlock()
				if !initiated {
					// Broker-initiated end; answer with our own end frame.
					_ = session.conn.requestSessionEnd(session.channel, false)
				}
				session.conn.sessions.remove(session.channel)
				session.close()
				return
			}
			if session.frameHandler != nil {
				session.frameHandler(incoming)
			}
		case <-session.done:
			return
		}
	}
}

// sessionSupervisor owns the registry of running session workers for one
// connection. startChild is only ever invoked from inside the engine's event
// loop, so the write callback it uses runs on the engine's own goroutine.
type sessionSupervisor struct {
	lock     sync.Mutex
	sessions map[uint16]*Session
	conn     *Connection
}

func newSessionSupervisor() *sessionSupervisor {
	return &sessionSupervisor{sessions: make(map[uint16]*Session)}
}

// bind wires the supervisor to its connection engine. Called exactly once,
// before any socket activity begins.
func (supervisor *sessionSupervisor) bind(conn *Connection) {
	supervisor.conn = conn
}

// startChild creates and starts a session worker for the given channel. The
// begin frame is written before the worker is registered so a failed write
// never leaves a half-started child behind.
func (supervisor *sessionSupervisor) startChild(channel uint16, config Config) (*Session, error) {
	begin := &beginPerformative{
		nextOutgoingID: 1,
		incomingWindow: 2048,
		outgoingWindow: 2048,
	}
	if err := supervisor.conn.writeSessionFrame(channel, begin.marshal()); err != nil {
		return nil, NewError(SessionError, err)
	}

	session := &Session{
		channel:  channel,
		config:   config,
		conn:     supervisor.conn,
		incoming: make(chan *Frame, 16),
		done:     make(chan struct{}),
	}

	supervisor.lock.Lock()
	supervisor.sessions[channel] = session
	supervisor.lock.Unlock()

	go session.run()
	return session, nil
}

// route hands a session-channel frame to its worker. Returns false when no
// session owns the channel.
func (supervisor *sessionSupervisor) route(channel uint16, incoming *Frame) bool {
	supervisor.lock.Lock()
	session := supervisor.sessions[channel]
	supervisor.lock.Unlock()
	if session == nil {
		return false
	}
	session.deliver(incoming)
	return true
}

func (supervisor *sessionSupervisor) remove(channel uint16) {
	supervisor.lock.Lock()
	delete(supervisor.sessions, channel)
	supervisor.lock.Unlock()
}

// closeAll tears down every session worker; part of the engine's coordinated
// shutdown of the connection subtree.
func (supervisor *sessionSupervisor) closeAll() {
	supervisor.lock.Lock()
	sessions := make([]*Session, 0, len(supervisor.sessions))
	for _, session := range supervisor.sessions {
		sessions = append(sessions, session)
	}
	supervisor.sessions = make(map[uint16]*Session)
	supervisor.lock.Unlock()

	for _, session := range sessions {
		session.close()
	}
}
