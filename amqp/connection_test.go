package amqp

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

const testWaitTimeout = 2 * time.Second

// byteCapture drains and records everything the engine writes to its socket
// so tests can assert on the exact outbound byte sequence.
type byteCapture struct {
	lock sync.Mutex
	data []byte
	conn net.Conn
	done chan struct{}
}

func newByteCapture(conn net.Conn) *byteCapture {
	capture := &byteCapture{conn: conn, done: make(chan struct{})}
	go func() {
		defer close(capture.done)
		chunk := make([]byte, 4096)
		for {
			n, err := conn.Read(chunk)
			if n > 0 {
				capture.lock.Lock()
				capture.data = append(capture.data, chunk[:n]...)
				capture.lock.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return capture
}

func (capture *byteCapture) bytes() []byte {
	capture.lock.Lock()
	defer capture.lock.Unlock()
	return append([]byte(nil), capture.data...)
}

// startEngine wires a Connection to one end of an in-memory pipe and runs
// only the engine loop; tests deliver events straight into the mailbox so
// every interleaving is deterministic.
func startEngine(t *testing.T) (*Connection, *byteCapture) {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })

	clientSide, brokerSide := net.Pipe()
	conn := NewConnection("test-container").SetErrorHandler(func(error) {})
	conn.config.Hostname = "broker.test"
	conn.bind(clientSide, newFrameReader(clientSide, 0), newSessionSupervisor())
	go conn.run()

	capture := newByteCapture(brokerSide)
	t.Cleanup(func() {
		_ = conn.Close()
		// If the engine sent a close and is waiting for the answer, play
		// the broker's side of the exchange.
		conn.deliver(evFrame{frame: frameOf(frameTypeAMQP, 0, &closePerformative{})})
		waitConnDone(t, conn)
		_ = brokerSide.Close()
		<-capture.done
	})

	return conn, capture
}

func deliverEvent(t *testing.T, conn *Connection, ev event) {
	t.Helper()
	select {
	case conn.mailbox <- ev:
	case <-time.After(testWaitTimeout):
		t.Fatalf("event %T was not accepted", ev)
	}
}

func frameOf(frameType byte, channel uint16, performative interface{}) *Frame {
	return &Frame{frameType: frameType, channel: channel, performative: performative}
}

// driveToOpened walks the engine through the entire valid handshake using
// directly-delivered events.
func driveToOpened(t *testing.T, conn *Connection, brokerOpen *openPerformative) {
	t.Helper()
	deliverEvent(t, conn, evSocketReady{conn: conn.socket})
	deliverEvent(t, conn, evProtocolHeader{header: protocolHeader{protoID: protoIDSASL, major: 1}})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeSASL, 0, &saslMechanismsPerformative{mechanisms: []symbol{"ANONYMOUS"}})})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeSASL, 0, &saslOutcomePerformative{code: saslCodeOK})})
	deliverEvent(t, conn, evProtocolHeader{header: protocolHeader{protoID: protoIDAMQP, major: 1}})
	if brokerOpen == nil {
		brokerOpen = &openPerformative{containerID: "fake-broker"}
	}
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeAMQP, 0, brokerOpen)})
}

func waitConnDone(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(testWaitTimeout):
		t.Fatalf("connection did not terminate")
	}
}

func expectedHandshakeBytes(t *testing.T, conn *Connection) []byte {
	t.Helper()
	var expected bytes.Buffer
	expected.Write(saslProtocolHeader[:])
	init := &saslInitPerformative{mechanism: "ANONYMOUS"}
	if err := writeFrame(&expected, frameTypeSASL, 0, init.marshal()); err != nil {
		t.Fatalf("build expected init frame: %v", err)
	}
	expected.Write(amqpProtocolHeader[:])
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
	if err := writeFrame(&expected, frameTypeAMQP, 0, open.marshal()); err != nil {
		t.Fatalf("build expected open frame: %v", err)
	}
	return expected.Bytes()
}

func TestHandshakeWritesExactSequence(t *testing.T) {
	conn, capture := startEngine(t)

	driveToOpened(t, conn, nil)

	// BeginSession completing proves the engine reached opened.
	session, err := conn.BeginSession()
	if err != nil {
		t.Fatalf("begin session after handshake failed: %v", err)
	}
	if session.Channel() != 1 {
		t.Fatalf("first session got channel %d, expected 1", session.Channel())
	}

	expected := expectedHandshakeBytes(t, conn)
	written := capture.bytes()
	if len(written) < len(expected) || !bytes.Equal(written[:len(expected)], expected) {
		t.Fatalf("handshake bytes mismatch:\n got %x\nwant %x", written, expected)
	}
}

func TestVersionRejectionAtAMQPHeader(t *testing.T) {
	conn, capture := startEngine(t)

	deliverEvent(t, conn, evSocketReady{conn: conn.socket})
	deliverEvent(t, conn, evProtocolHeader{header: protocolHeader{protoID: protoIDSASL, major: 1}})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeSASL, 0, &saslMechanismsPerformative{mechanisms: []symbol{"ANONYMOUS"}})})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeSASL, 0, &saslOutcomePerformative{code: saslCodeOK})})

	// Allow the AMQP protocol header write to land before measuring.
	deadline := time.Now().Add(testWaitTimeout)
	headerLen := len(saslProtocolHeader) + 25 + len(amqpProtocolHeader)
	for len(capture.bytes()) < headerLen && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	before := len(capture.bytes())

	deliverEvent(t, conn, evProtocolHeader{header: protocolHeader{protoID: protoIDAMQP, major: 0, minor: 9}})
	waitConnDone(t, conn)

	if err := conn.Err(); err != nil {
		t.Fatalf("unsupported version must terminate normally, got %v", err)
	}
	if after := len(capture.bytes()); after != before {
		t.Fatalf("engine wrote %d bytes after version rejection", after-before)
	}
}

func TestWrongSASLHeaderTerminatesNormally(t *testing.T) {
	conn, _ := startEngine(t)

	deliverEvent(t, conn, evSocketReady{conn: conn.socket})
	deliverEvent(t, conn, evProtocolHeader{header: protocolHeader{protoID: protoIDTLS, major: 1}})
	waitConnDone(t, conn)

	if err := conn.Err(); err != nil {
		t.Fatalf("incompatible SASL header must terminate normally, got %v", err)
	}
}

func TestChannelAllocationIsSequential(t *testing.T) {
	conn, _ := startEngine(t)

	driveToOpened(t, conn, nil)

	for expected := uint16(1); expected <= 5; expected++ {
		session, err := conn.BeginSession()
		if err != nil {
			t.Fatalf("begin session %d failed: %v", expected, err)
		}
		if session.Channel() != expected {
			t.Fatalf("session got channel %d, expected %d", session.Channel(), expected)
		}
	}
}

func TestBeginSessionQueuesUntilOpened(t *testing.T) {
	conn, _ := startEngine(t)

	const queued = 4
	replies := make([]chan beginSessionResult, queued)
	for i := range replies {
		replies[i] = make(chan beginSessionResult, 1)
		deliverEvent(t, conn, evBeginSession{reply: replies[i]})
	}

	deliverEvent(t, conn, evSocketReady{conn: conn.socket})
	deliverEvent(t, conn, evProtocolHeader{header: protocolHeader{protoID: protoIDSASL, major: 1}})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeSASL, 0, &saslMechanismsPerformative{mechanisms: []symbol{"ANONYMOUS"}})})

	// Still handshaking: nobody may have a reply yet.
	for i, reply := range replies {
		select {
		case <-reply:
			t.Fatalf("caller %d got a reply before the connection became usable", i)
		default:
		}
	}

	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeSASL, 0, &saslOutcomePerformative{code: saslCodeOK})})
	deliverEvent(t, conn, evProtocolHeader{header: protocolHeader{protoID: protoIDAMQP, major: 1}})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeAMQP, 0, &openPerformative{containerID: "fake-broker"})})

	// Replayed in original arrival order: caller i gets channel i+1.
	for i, reply := range replies {
		select {
		case result := <-reply:
			if result.err != nil {
				t.Fatalf("queued caller %d failed: %v", i, result.err)
			}
			if result.session.Channel() != uint16(i+1) {
				t.Fatalf("queued caller %d got channel %d", i, result.session.Channel())
			}
		case <-time.After(testWaitTimeout):
			t.Fatalf("queued caller %d never got a reply", i)
		}
	}
}

func TestBeginSessionRejectedOnceClosing(t *testing.T) {
	conn, _ := startEngine(t)

	driveToOpened(t, conn, nil)

	deliverEvent(t, conn, evCloseRequest{})

	reply := make(chan beginSessionResult, 1)
	deliverEvent(t, conn, evBeginSession{reply: reply})
	select {
	case result := <-reply:
		if result.err == nil {
			t.Fatalf("begin session after close was not rejected, got channel %d", result.session.Channel())
		}
	case <-time.After(testWaitTimeout):
		t.Fatalf("rejected caller never got a reply")
	}

	// The broker's close completes the exchange.
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeAMQP, 0, &closePerformative{})})
	waitConnDone(t, conn)
	if err := conn.Err(); err != nil {
		t.Fatalf("orderly close must terminate normally, got %v", err)
	}
}

func TestCloseSymmetryBrokerFirst(t *testing.T) {
	conn, capture := startEngine(t)

	driveToOpened(t, conn, nil)

	// Allow the handshake writes to land before measuring.
	expectedHandshake := expectedHandshakeBytes(t, conn)
	deadline := time.Now().Add(testWaitTimeout)
	for len(capture.bytes()) < len(expectedHandshake) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	handshakeLen := len(capture.bytes())

	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeAMQP, 0, &closePerformative{condition: "amqp:connection:forced"})})
	waitConnDone(t, conn)

	if err := conn.Err(); err != nil {
		t.Fatalf("broker-initiated close must terminate normally, got %v", err)
	}

	// The engine answered with its own close frame before terminating.
	var expected bytes.Buffer
	if err := writeFrame(&expected, frameTypeAMQP, 0, (&closePerformative{}).marshal()); err != nil {
		t.Fatalf("build expected close frame: %v", err)
	}
	written := capture.bytes()
	if !bytes.Equal(written[handshakeLen:], expected.Bytes()) {
		t.Fatalf("expected a single close frame after the handshake, got %x", written[handshakeLen:])
	}
}

func TestCloseIdempotentAfterTermination(t *testing.T) {
	conn, capture := startEngine(t)

	driveToOpened(t, conn, nil)
	deliverEvent(t, conn, evCloseRequest{})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeAMQP, 0, &closePerformative{})})
	waitConnDone(t, conn)

	written := len(capture.bytes())
	if err := conn.Close(); err != nil {
		t.Fatalf("close after termination failed: %v", err)
	}
	if _, err := conn.BeginSession(); err == nil {
		t.Fatalf("begin session after termination was not rejected")
	}
	time.Sleep(10 * time.Millisecond)
	if len(capture.bytes()) != written {
		t.Fatalf("engine wrote frames after termination")
	}
}

func TestUnexpectedEventIsFatal(t *testing.T) {
	conn, _ := startEngine(t)

	deliverEvent(t, conn, evSocketReady{conn: conn.socket})
	deliverEvent(t, conn, evProtocolHeader{header: protocolHeader{protoID: protoIDSASL, major: 1}})
	// An open frame during the SASL phase matches no transition.
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeAMQP, 0, &openPerformative{containerID: "early"})})
	waitConnDone(t, conn)

	if err := conn.Err(); err == nil {
		t.Fatalf("protocol violation must terminate abnormally")
	}
}

func TestSaslOutcomeCodeDoesNotGateHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	clientSide, brokerSide := net.Pipe()
	var reportedLock sync.Mutex
	var reported []error
	conn := NewConnection("outcome-test").SetErrorHandler(func(err error) {
		reportedLock.Lock()
		reported = append(reported, err)
		reportedLock.Unlock()
	})
	conn.bind(clientSide, newFrameReader(clientSide, 0), newSessionSupervisor())
	go conn.run()
	capture := newByteCapture(brokerSide)
	defer func() {
		_ = conn.Close()
		conn.deliver(evFrame{frame: frameOf(frameTypeAMQP, 0, &closePerformative{})})
		waitConnDone(t, conn)
		_ = brokerSide.Close()
		<-capture.done
	}()

	deliverEvent(t, conn, evSocketReady{conn: conn.socket})
	deliverEvent(t, conn, evProtocolHeader{header: protocolHeader{protoID: protoIDSASL, major: 1}})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeSASL, 0, &saslMechanismsPerformative{mechanisms: []symbol{"ANONYMOUS"}})})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeSASL, 0, &saslOutcomePerformative{code: saslCodeAuth})})
	deliverEvent(t, conn, evProtocolHeader{header: protocolHeader{protoID: protoIDAMQP, major: 1}})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeAMQP, 0, &openPerformative{containerID: "fake-broker"})})

	if _, err := conn.BeginSession(); err != nil {
		t.Fatalf("handshake must proceed past a non-OK outcome, got %v", err)
	}

	reportedLock.Lock()
	defer reportedLock.Unlock()
	if len(reported) == 0 {
		t.Fatalf("non-OK SASL outcome was not surfaced for review")
	}
}

func TestBrokerMaxFrameSizeRecordedOnce(t *testing.T) {
	conn, _ := startEngine(t)

	brokerMax := uint32(131072)
	driveToOpened(t, conn, &openPerformative{containerID: "fake-broker", maxFrameSize: &brokerMax})

	// The BeginSession reply synchronizes with the engine goroutine, so
	// the config copy below reflects the processed open frame.
	if _, err := conn.BeginSession(); err != nil {
		t.Fatalf("begin session failed: %v", err)
	}
	if got := conn.Config().OutgoingMaxFrameSize; got != brokerMax {
		t.Fatalf("outgoing max frame size = %d, expected %d", got, brokerMax)
	}
}

func TestQueuedCallersFailWhenEngineDies(t *testing.T) {
	conn, _ := startEngine(t)

	reply := make(chan beginSessionResult, 1)
	deliverEvent(t, conn, evBeginSession{reply: reply})

	// A read error before the handshake finishes kills the engine.
	deliverEvent(t, conn, evReadError{err: NewError(ConnectionError, "socket read error")})
	waitConnDone(t, conn)

	select {
	case result := <-reply:
		if result.err == nil {
			t.Fatalf("queued caller must fail when the engine terminates")
		}
	case <-time.After(testWaitTimeout):
		t.Fatalf("queued caller never got a reply")
	}
	if conn.Err() == nil {
		t.Fatalf("read error must terminate abnormally")
	}
}

func TestOtherFramesIgnoredWhileOpened(t *testing.T) {
	conn, _ := startEngine(t)

	driveToOpened(t, conn, nil)

	// An unrecognized performative and a raw opaque body both stay in
	// opened.
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeAMQP, 0, nil)})
	deliverEvent(t, conn, evFrame{frame: frameOf(frameTypeAMQP, 0, &beginPerformative{})})

	session, err := conn.BeginSession()
	if err != nil {
		t.Fatalf("connection must remain usable, got %v", err)
	}
	if session.Channel() != 1 {
		t.Fatalf("unexpected channel %d", session.Channel())
	}
}
