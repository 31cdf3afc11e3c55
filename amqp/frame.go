package amqp

import (
	"encoding/binary"
	"io"

	"github.com/valyala/bytebufferpool"
)

// Frame type codes from the AMQP 1.0 framing layer.
const (
	frameTypeAMQP = 0x00
	frameTypeSASL = 0x01
)

// Protocol ids carried in byte 4 of a protocol header.
const (
	protoIDAMQP = 0x00
	protoIDTLS  = 0x02
	protoIDSASL = 0x03
)

const (
	protocolHeaderSize = 8
	frameHeaderSize    = 8
	minFrameSize       = 512
)

var (
	amqpProtocolHeader = [protocolHeaderSize]byte{'A', 'M', 'Q', 'P', protoIDAMQP, 1, 0, 0}
	saslProtocolHeader = [protocolHeaderSize]byte{'A', 'M', 'Q', 'P', protoIDSASL, 1, 0, 0}
)

type protocolHeader struct {
	protoID  byte
	major    byte
	minor    byte
	revision byte
}

func (header protocolHeader) isSASL() bool {
	return header.protoID == protoIDSASL && header.major == 1 && header.minor == 0 && header.revision == 0
}

func (header protocolHeader) isAMQP() bool {
	return header.protoID == protoIDAMQP && header.major == 1 && header.minor == 0 && header.revision == 0
}

func parseProtocolHeader(raw []byte) (protocolHeader, error) {
	if len(raw) < protocolHeaderSize {
		return protocolHeader{}, NewError(ProtocolError, "short protocol header")
	}
	if raw[0] != 'A' || raw[1] != 'M' || raw[2] != 'Q' || raw[3] != 'P' {
		return protocolHeader{}, NewError(ProtocolError, "bad protocol header prefix")
	}
	return protocolHeader{protoID: raw[4], major: raw[5], minor: raw[6], revision: raw[7]}, nil
}

// Frame is one parsed inbound frame: the envelope fields plus the decoded
// performative when the body carried one this codec recognizes.
type Frame struct {
	frameType    byte
	channel      uint16
	body         []byte
	performative interface{}
}

// Channel returns the channel number from the frame envelope.
func (f *Frame) Channel() uint16 { return f.channel }

// Body returns the encoded frame body, descriptor included.
func (f *Frame) Body() []byte { return f.body }

// writeFrame writes one frame envelope with the given encoded body. The
// write is a single Write call so concurrent-looking peers never observe a
// torn envelope.
func writeFrame(writer io.Writer, frameType byte, channel uint16, body []byte) error {
	buffer := bytebufferpool.Get()
	defer bytebufferpool.Put(buffer)

	size := uint32(frameHeaderSize + len(body))
	var envelope [frameHeaderSize]byte
	binary.BigEndian.PutUint32(envelope[:4], size)
	envelope[4] = 2 // doff, no extended header
	envelope[5] = frameType
	binary.BigEndian.PutUint16(envelope[6:], channel)

	_, _ = buffer.Write(envelope[:])
	_, _ = buffer.Write(body)

	_, err := writer.Write(buffer.B)
	return err
}

// parseFrame interprets raw as a complete frame, size prefix included.
func parseFrame(raw []byte) (*Frame, error) {
	if len(raw) < frameHeaderSize {
		return nil, NewError(ProtocolError, "short frame")
	}
	size := binary.BigEndian.Uint32(raw[:4])
	if int(size) != len(raw) {
		return nil, NewError(ProtocolError, "frame size mismatch")
	}
	doff := int(raw[4]) * 4
	if doff < frameHeaderSize || doff > len(raw) {
		return nil, NewError(ProtocolError, "bad data offset")
	}
	frameType := raw[5]
	if frameType != frameTypeAMQP && frameType != frameTypeSASL {
		return nil, NewError(ProtocolError, "unknown frame type")
	}

	parsed := &Frame{
		frameType: frameType,
		channel:   binary.BigEndian.Uint16(raw[6:8]),
		body:      raw[doff:],
	}
	performative, err := decodePerformative(parsed.body)
	if err != nil {
		return nil, err
	}
	parsed.performative = performative
	return parsed, nil
}
