package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// ---------------------------------------------------------------------------
// Wire protocol — the broker-side subset of AMQP 1.0 framing and encoding.
//
// fakebroker carries its own codec on purpose: a test broker that shares the
// client's encoder would happily agree with the client about any encoding
// bug. Everything here is written straight from the frame layout: an 8-byte
// protocol header, then frames of size(uint32) doff(1) type(1) channel(2)
// followed by a described performative.
// ---------------------------------------------------------------------------

const (
	frameTypeAMQP = 0x00
	frameTypeSASL = 0x01

	protoIDAMQP = 0x00
	protoIDSASL = 0x03

	codeOpen           = 0x10
	codeBegin          = 0x11
	codeEnd            = 0x17
	codeClose          = 0x18
	codeSASLMechanisms = 0x40
	codeSASLInit       = 0x41
	codeSASLOutcome    = 0x44
)

var (
	amqpHeader = [8]byte{'A', 'M', 'Q', 'P', protoIDAMQP, 1, 0, 0}
	saslHeader = [8]byte{'A', 'M', 'Q', 'P', protoIDSASL, 1, 0, 0}
)

// inboundFrame is a parsed client frame: the envelope plus the performative
// descriptor code, which is all the responder dispatches on.
type inboundFrame struct {
	frameType byte
	channel   uint16
	code      uint64
	body      []byte
}

func readProtocolHeader(conn net.Conn) ([8]byte, error) {
	var raw [8]byte
	if _, err := io.ReadFull(conn, raw[:]); err != nil {
		return raw, err
	}
	if raw[0] != 'A' || raw[1] != 'M' || raw[2] != 'Q' || raw[3] != 'P' {
		return raw, fmt.Errorf("bad protocol header %x", raw)
	}
	return raw, nil
}

func readFrame(conn net.Conn) (*inboundFrame, error) {
	var head [8]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(head[:4])
	if size < 8 {
		return nil, fmt.Errorf("frame size %d below minimum", size)
	}
	if size > 1<<20 {
		return nil, fmt.Errorf("frame size %d beyond what a handshake needs", size)
	}

	body := make([]byte, size-8)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}

	frame := &inboundFrame{
		frameType: head[5],
		channel:   binary.BigEndian.Uint16(head[6:8]),
		body:      body,
	}
	if len(body) > 0 {
		code, err := descriptorCode(body)
		if err != nil {
			return nil, err
		}
		frame.code = code
	}
	return frame, nil
}

// descriptorCode pulls the ulong descriptor out of a described value.
func descriptorCode(body []byte) (uint64, error) {
	if len(body) < 2 || body[0] != 0x00 {
		return 0, fmt.Errorf("performative is not a described value")
	}
	switch body[1] {
	case 0x44: // ulong0
		return 0, nil
	case 0x53: // smallulong
		if len(body) < 3 {
			return 0, fmt.Errorf("truncated smallulong descriptor")
		}
		return uint64(body[2]), nil
	case 0x80: // ulong
		if len(body) < 10 {
			return 0, fmt.Errorf("truncated ulong descriptor")
		}
		return binary.BigEndian.Uint64(body[2:10]), nil
	default:
		return 0, fmt.Errorf("unsupported descriptor constructor %#x", body[1])
	}
}

func writeFrame(conn net.Conn, frameType byte, channel uint16, body []byte) error {
	raw := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(raw[:4], uint32(len(raw)))
	raw[4] = 2 // doff
	raw[5] = frameType
	binary.BigEndian.PutUint16(raw[6:8], channel)
	copy(raw[8:], body)
	_, err := conn.Write(raw)
	return err
}

// ---------------------------------------------------------------------------
// Encoding helpers. Only the constructors the responder emits.
// ---------------------------------------------------------------------------

func appendNull(buffer []byte) []byte {
	return append(buffer, 0x40)
}

func appendUbyte(buffer []byte, value byte) []byte {
	return append(buffer, 0x50, value)
}

func appendUshort(buffer []byte, value uint16) []byte {
	return append(buffer, 0x60, byte(value>>8), byte(value))
}

func appendUint(buffer []byte, value uint32) []byte {
	return append(buffer, 0x70, byte(value>>24), byte(value>>16), byte(value>>8), byte(value))
}

func appendString(buffer []byte, value string) []byte {
	if len(value) <= 0xff {
		buffer = append(buffer, 0xa1, byte(len(value)))
		return append(buffer, value...)
	}
	buffer = append(buffer, 0xb1)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(value)))
	return append(buffer, value...)
}

func appendSymbol(buffer []byte, value string) []byte {
	buffer = append(buffer, 0xa3, byte(len(value)))
	return append(buffer, value...)
}

func appendSymbolArray(buffer []byte, values []string) []byte {
	var elements []byte
	for _, value := range values {
		elements = append(elements, byte(len(value)))
		elements = append(elements, value...)
	}
	buffer = append(buffer, 0xe0, byte(len(elements)+2), byte(len(values)), 0xa3)
	return append(buffer, elements...)
}

func appendList(buffer []byte, count int, elements []byte) []byte {
	if count == 0 {
		return append(buffer, 0x45)
	}
	if len(elements)+1 <= 0xff {
		buffer = append(buffer, 0xc0, byte(len(elements)+1), byte(count))
		return append(buffer, elements...)
	}
	buffer = append(buffer, 0xd0)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(elements)+4))
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(count))
	return append(buffer, elements...)
}

func appendDescribed(buffer []byte, code byte, value []byte) []byte {
	buffer = append(buffer, 0x00, 0x53, code)
	return append(buffer, value...)
}

// ---------------------------------------------------------------------------
// Performative builders.
// ---------------------------------------------------------------------------

func encodeMechanisms(mechanisms []string) []byte {
	var elements []byte
	if len(mechanisms) == 1 {
		elements = appendSymbol(elements, mechanisms[0])
	} else {
		elements = appendSymbolArray(elements, mechanisms)
	}
	return appendDescribed(nil, codeSASLMechanisms, appendList(nil, 1, elements))
}

func encodeOutcome(code byte) []byte {
	elements := appendUbyte(nil, code)
	return appendDescribed(nil, codeSASLOutcome, appendList(nil, 1, elements))
}

func encodeOpen(containerID string, maxFrameSize uint32) []byte {
	var elements []byte
	elements = appendString(elements, containerID)
	elements = appendNull(elements) // hostname
	count := 2
	if maxFrameSize > 0 {
		elements = appendUint(elements, maxFrameSize)
		count = 3
	}
	return appendDescribed(nil, codeOpen, appendList(nil, count, elements))
}

func encodeBegin(remoteChannel uint16) []byte {
	var elements []byte
	elements = appendUshort(elements, remoteChannel)
	elements = appendUint(elements, 1)    // next-outgoing-id
	elements = appendUint(elements, 2048) // incoming-window
	elements = appendUint(elements, 2048) // outgoing-window
	return appendDescribed(nil, codeBegin, appendList(nil, 4, elements))
}

func encodeEnd() []byte {
	return appendDescribed(nil, codeEnd, appendList(nil, 0, nil))
}

func encodeClose(condition string, description string) []byte {
	if condition == "" {
		return appendDescribed(nil, codeClose, appendList(nil, 0, nil))
	}
	var errorElements []byte
	errorElements = appendSymbol(errorElements, condition)
	errorCount := 1
	if description != "" {
		errorElements = appendString(errorElements, description)
		errorCount = 2
	}
	errorValue := appendDescribed(nil, 0x1d, appendList(nil, errorCount, errorElements))
	return appendDescribed(nil, codeClose, appendList(nil, 1, errorValue))
}
