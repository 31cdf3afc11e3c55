package amqp

import (
	"bytes"
	"testing"
)

func decodeSingleValue(t *testing.T, data []byte) interface{} {
	t.Helper()
	value, rest, err := readValue(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("decode left %d trailing bytes", len(rest))
	}
	return value
}

func TestSaslInitGoldenBytes(t *testing.T) {
	init := &saslInitPerformative{mechanism: "ANONYMOUS"}

	expected := []byte{
		0x00, 0x53, 0x41, // described, descriptor smallulong 0x41
		0xc0, 0x0c, 0x01, // list8, 12 bytes, 1 element
		0xa3, 0x09, 'A', 'N', 'O', 'N', 'Y', 'M', 'O', 'U', 'S',
	}
	if !bytes.Equal(init.marshal(), expected) {
		t.Fatalf("sasl-init encoding mismatch:\n got %x\nwant %x", init.marshal(), expected)
	}
}

func TestProtocolHeaderGoldenBytes(t *testing.T) {
	if !bytes.Equal(saslProtocolHeader[:], []byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}) {
		t.Fatalf("unexpected SASL protocol header bytes: %x", saslProtocolHeader)
	}
	if !bytes.Equal(amqpProtocolHeader[:], []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}) {
		t.Fatalf("unexpected AMQP protocol header bytes: %x", amqpProtocolHeader)
	}
}

func TestOpenPerformativeRoundTrip(t *testing.T) {
	maxFrameSize := uint32(65536)
	channelMax := uint16(100)
	idleTimeout := uint32(0)
	open := &openPerformative{
		containerID:  "container-1",
		hostname:     "broker.example",
		maxFrameSize: &maxFrameSize,
		channelMax:   &channelMax,
		idleTimeout:  &idleTimeout,
		properties: map[symbol]string{
			"product":  clientProduct,
			"version":  ClientVersion,
			"platform": clientPlatform,
		},
	}

	decoded, err := decodePerformative(open.marshal())
	if err != nil {
		t.Fatalf("decode open failed: %v", err)
	}
	parsed, ok := decoded.(*openPerformative)
	if !ok {
		t.Fatalf("decoded %T, expected *openPerformative", decoded)
	}
	if parsed.containerID != "container-1" || parsed.hostname != "broker.example" {
		t.Fatalf("unexpected identity fields: %q %q", parsed.containerID, parsed.hostname)
	}
	if parsed.maxFrameSize == nil || *parsed.maxFrameSize != 65536 {
		t.Fatalf("max-frame-size did not survive the round trip")
	}
	if parsed.channelMax == nil || *parsed.channelMax != 100 {
		t.Fatalf("channel-max did not survive the round trip")
	}
	if parsed.idleTimeout == nil || *parsed.idleTimeout != 0 {
		t.Fatalf("idle-time-out did not survive the round trip")
	}
	if parsed.properties["product"] != clientProduct || parsed.properties["version"] != ClientVersion {
		t.Fatalf("unexpected properties: %v", parsed.properties)
	}
}

func TestOpenPerformativeOmitsUnsetFields(t *testing.T) {
	open := &openPerformative{containerID: "bare"}

	decoded, err := decodePerformative(open.marshal())
	if err != nil {
		t.Fatalf("decode open failed: %v", err)
	}
	parsed := decoded.(*openPerformative)
	if parsed.maxFrameSize != nil {
		t.Fatalf("expected absent max-frame-size, got %d", *parsed.maxFrameSize)
	}
	if parsed.properties != nil {
		t.Fatalf("expected absent properties, got %v", parsed.properties)
	}
}

func TestClosePerformativeRoundTrip(t *testing.T) {
	clos := &closePerformative{
		condition:   "amqp:connection:forced",
		description: "shutting down",
	}

	decoded, err := decodePerformative(clos.marshal())
	if err != nil {
		t.Fatalf("decode close failed: %v", err)
	}
	parsed, ok := decoded.(*closePerformative)
	if !ok {
		t.Fatalf("decoded %T, expected *closePerformative", decoded)
	}
	if parsed.condition != "amqp:connection:forced" || parsed.description != "shutting down" {
		t.Fatalf("error field did not survive the round trip: %q %q", parsed.condition, parsed.description)
	}

	empty, err := decodePerformative((&closePerformative{}).marshal())
	if err != nil {
		t.Fatalf("decode empty close failed: %v", err)
	}
	if empty.(*closePerformative).condition != "" {
		t.Fatalf("expected empty close error")
	}
}

func TestSaslMechanismsRoundTrip(t *testing.T) {
	mechs := &saslMechanismsPerformative{mechanisms: []symbol{"ANONYMOUS", "PLAIN"}}

	decoded, err := decodePerformative(mechs.marshal())
	if err != nil {
		t.Fatalf("decode mechanisms failed: %v", err)
	}
	parsed := decoded.(*saslMechanismsPerformative)
	if len(parsed.mechanisms) != 2 || parsed.mechanisms[0] != "ANONYMOUS" || parsed.mechanisms[1] != "PLAIN" {
		t.Fatalf("unexpected mechanisms: %v", parsed.mechanisms)
	}
}

func TestSaslMechanismsSingleSymbol(t *testing.T) {
	// Brokers may encode a single mechanism as a bare symbol rather than a
	// one-element array.
	var elements []byte
	elements = appendSymbol(elements, "ANONYMOUS")
	body := appendDescribed(nil, descriptorSaslMechanisms, appendList(nil, 1, elements))

	decoded, err := decodePerformative(body)
	if err != nil {
		t.Fatalf("decode mechanisms failed: %v", err)
	}
	parsed := decoded.(*saslMechanismsPerformative)
	if len(parsed.mechanisms) != 1 || parsed.mechanisms[0] != "ANONYMOUS" {
		t.Fatalf("unexpected mechanisms: %v", parsed.mechanisms)
	}
}

func TestSaslOutcomeRoundTrip(t *testing.T) {
	outcome := &saslOutcomePerformative{code: saslCodeAuth, additionalData: []byte("denied")}

	decoded, err := decodePerformative(outcome.marshal())
	if err != nil {
		t.Fatalf("decode outcome failed: %v", err)
	}
	parsed := decoded.(*saslOutcomePerformative)
	if parsed.code != saslCodeAuth {
		t.Fatalf("unexpected outcome code %d", parsed.code)
	}
	if string(parsed.additionalData) != "denied" {
		t.Fatalf("unexpected additional data %q", parsed.additionalData)
	}
}

func TestBeginPerformativeRoundTrip(t *testing.T) {
	remote := uint16(7)
	begin := &beginPerformative{
		remoteChannel:  &remote,
		nextOutgoingID: 1,
		incomingWindow: 2048,
		outgoingWindow: 2048,
	}

	decoded, err := decodePerformative(begin.marshal())
	if err != nil {
		t.Fatalf("decode begin failed: %v", err)
	}
	parsed := decoded.(*beginPerformative)
	if parsed.remoteChannel == nil || *parsed.remoteChannel != 7 {
		t.Fatalf("remote-channel did not survive the round trip")
	}
	if parsed.incomingWindow != 2048 || parsed.outgoingWindow != 2048 {
		t.Fatalf("session windows did not survive the round trip")
	}
}

func TestUnknownPerformativeDecodesOpaque(t *testing.T) {
	// A transfer performative (0x14) is outside the connection-phase
	// subset and must come back opaque rather than failing.
	body := appendDescribed(nil, 0x14, appendList(nil, 0, nil))

	decoded, err := decodePerformative(body)
	if err != nil {
		t.Fatalf("decode unknown performative failed: %v", err)
	}
	if decoded != nil {
		t.Fatalf("expected opaque nil performative, got %T", decoded)
	}
}

func TestIntegerWidthsDecode(t *testing.T) {
	for _, value := range []uint32{0, 1, 255, 256, 1 << 20} {
		decoded := decodeSingleValue(t, appendUint(nil, value))
		if decoded.(uint64) != uint64(value) {
			t.Fatalf("uint %d decoded as %v", value, decoded)
		}
	}

	decoded := decodeSingleValue(t, appendUshort(nil, 100))
	if decoded.(uint64) != 100 {
		t.Fatalf("ushort decoded as %v", decoded)
	}

	decoded = decodeSingleValue(t, appendUlong(nil, 1<<40))
	if decoded.(uint64) != 1<<40 {
		t.Fatalf("ulong decoded as %v", decoded)
	}
}

func TestTruncatedValueFails(t *testing.T) {
	init := &saslInitPerformative{mechanism: "ANONYMOUS"}
	encoded := init.marshal()

	for cut := 1; cut < len(encoded); cut++ {
		if _, err := decodePerformative(encoded[:cut]); err == nil {
			t.Fatalf("decode of %d-byte truncation unexpectedly succeeded", cut)
		}
	}
}
