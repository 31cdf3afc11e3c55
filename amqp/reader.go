package amqp

import (
	"encoding/binary"
	"io"
	"net"
)

// frameReader owns every read on the connection's socket. It announces
// socket readiness, parses protocol headers and frames, and delivers them
// as discrete events into the connection engine's mailbox. Frames on
// session channels are routed straight to their session workers; everything
// else reaches the engine.
//
// The reader is constructed unbound; bind wires it to the engine and the
// session supervisor once, before any socket activity begins.
type frameReader struct {
	conn         net.Conn
	maxFrameSize uint32

	engine   *Connection
	sessions *sessionSupervisor
}

func newFrameReader(conn net.Conn, maxFrameSize uint32) *frameReader {
	return &frameReader{conn: conn, maxFrameSize: maxFrameSize}
}

func (reader *frameReader) bind(engine *Connection, sessions *sessionSupervisor) {
	reader.engine = engine
	reader.sessions = sessions
}

// run is the read loop. A protocol header is expected at connection start
// and again after the SASL outcome frame; everything between is framed.
func (reader *frameReader) run() {
	reader.engine.deliver(evSocketReady{conn: reader.conn})

	expectHeader := true
	for {
		if expectHeader {
			var raw [protocolHeaderSize]byte
			if _, err := io.ReadFull(reader.conn, raw[:]); err != nil {
				reader.engine.deliver(evReadError{err: err})
				return
			}
			header, err := parseProtocolHeader(raw[:])
			if err != nil {
				reader.engine.deliver(evReadError{err: err})
				return
			}
			if !reader.engine.deliver(evProtocolHeader{header: header}) {
				return
			}
			expectHeader = false
			continue
		}

		incoming, err := reader.readFrame()
		if err != nil {
			reader.engine.deliver(evReadError{err: err})
			return
		}

		// The SASL phase ends with the outcome frame; the AMQP protocol
		// header exchange follows it.
		if _, isOutcome := incoming.performative.(*saslOutcomePerformative); isOutcome {
			expectHeader = true
		}

		if incoming.channel != 0 && reader.sessions.route(incoming.channel, incoming) {
			continue
		}
		if !reader.engine.deliver(evFrame{frame: incoming}) {
			return
		}
	}
}

func (reader *frameReader) readFrame() (*Frame, error) {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(reader.conn, sizeBytes[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(sizeBytes[:])
	if size < frameHeaderSize {
		return nil, NewError(ProtocolError, "frame size below minimum")
	}
	if reader.maxFrameSize > 0 && size > reader.maxFrameSize {
		return nil, NewError(FrameSizeError, "inbound frame exceeds negotiated maximum")
	}

	raw := make([]byte, size)
	copy(raw, sizeBytes[:])
	if _, err := io.ReadFull(reader.conn, raw[4:]); err != nil {
		return nil, err
	}

	return parseFrame(raw)
}
