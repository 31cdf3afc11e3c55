package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"
)

// ---------------------------------------------------------------------------
// Connection handler — one goroutine per accepted client.
//
// The responder walks the client through SASL negotiation and the AMQP open
// exchange, then services session begin/end and the final close. Behavior
// knobs exist to put a client's failure paths under test: refusing the SASL
// outcome, advertising an unsupported protocol version, stalling before the
// open frame, or dropping the socket mid-handshake.
// ---------------------------------------------------------------------------

type responderConfig struct {
	containerID  string
	mechanisms   []string
	outcomeCode  byte
	maxFrameSize uint32

	// Failure injection.
	badVersion    bool
	stallOpen     time.Duration
	dropAfterSASL bool

	logConn bool
}

func handleConnection(conn net.Conn, cfg responderConfig) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	if cfg.logConn {
		log.Printf("fakebroker: accepted %s", remote)
	}
	metricConnectionsAccepted.Inc()

	if err := respond(conn, cfg); err != nil && !isClientGone(err) {
		metricProtocolErrors.Inc()
		log.Printf("fakebroker: %s: %v", remote, err)
	}
	if cfg.logConn {
		log.Printf("fakebroker: finished %s", remote)
	}
}

func respond(conn net.Conn, cfg responderConfig) error {
	if err := saslPhase(conn, cfg); err != nil {
		return err
	}
	if cfg.dropAfterSASL {
		return nil
	}
	return amqpPhase(conn, cfg)
}

func saslPhase(conn net.Conn, cfg responderConfig) error {
	header, err := readProtocolHeader(conn)
	if err != nil {
		return err
	}
	if header[4] != protoIDSASL {
		return fmt.Errorf("client opened with proto id %#x, expected SASL", header[4])
	}

	if err := writeHeaderAndMechanisms(conn, cfg); err != nil {
		return err
	}

	frame, err := readFrame(conn)
	if err != nil {
		return err
	}
	if frame.frameType != frameTypeSASL || frame.code != codeSASLInit {
		return fmt.Errorf("expected sasl init, got code %#x on frame type %#x", frame.code, frame.frameType)
	}

	return writeFrame(conn, frameTypeSASL, 0, encodeOutcome(cfg.outcomeCode))
}

func writeHeaderAndMechanisms(conn net.Conn, cfg responderConfig) error {
	if _, err := conn.Write(saslHeader[:]); err != nil {
		return err
	}
	return writeFrame(conn, frameTypeSASL, 0, encodeMechanisms(cfg.mechanisms))
}

func amqpPhase(conn net.Conn, cfg responderConfig) error {
	header, err := readProtocolHeader(conn)
	if err != nil {
		return err
	}
	if header[4] != protoIDAMQP {
		return fmt.Errorf("client continued with proto id %#x, expected AMQP", header[4])
	}

	reply := amqpHeader
	if cfg.badVersion {
		reply[5] = 0 // major
		reply[6] = 9 // minor
	}
	if _, err := conn.Write(reply[:]); err != nil {
		return err
	}
	if cfg.badVersion {
		// A client that honors the version field walks away now.
		return nil
	}

	frame, err := readFrame(conn)
	if err != nil {
		return err
	}
	if frame.code != codeOpen {
		return fmt.Errorf("expected open, got code %#x", frame.code)
	}

	if cfg.stallOpen > 0 {
		time.Sleep(cfg.stallOpen)
	}
	if err := writeFrame(conn, frameTypeAMQP, 0, encodeOpen(cfg.containerID, cfg.maxFrameSize)); err != nil {
		return err
	}
	metricHandshakesCompleted.Inc()

	return serveFrames(conn)
}

// serveFrames answers session begin/end and the connection close until the
// client goes away.
func serveFrames(conn net.Conn) error {
	for {
		frame, err := readFrame(conn)
		if err != nil {
			return err
		}
		metricFramesRead.Inc()

		switch frame.code {
		case codeBegin:
			metricSessionsBegun.Inc()
			if err := writeFrame(conn, frameTypeAMQP, frame.channel, encodeBegin(frame.channel)); err != nil {
				return err
			}
		case codeEnd:
			if err := writeFrame(conn, frameTypeAMQP, frame.channel, encodeEnd()); err != nil {
				return err
			}
		case codeClose:
			return writeFrame(conn, frameTypeAMQP, 0, encodeClose("", ""))
		default:
			// Link-level traffic is out of scope; ignore it.
		}
	}
}

func isClientGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
