package amqp

// ClientVersion and the open-frame property values advertised to brokers.
const (
	ClientVersion = "0.1.0"

	clientProduct  = "amqp10-client-go"
	clientPlatform = "golang"

	defaultChannelMax  = 100
	defaultIdleTimeout = 0
)

// Config carries the connection parameters recognized by the engine.
// Everything except OutgoingMaxFrameSize is fixed once the connection is
// opened; OutgoingMaxFrameSize is written exactly once, when the broker's
// open frame is observed, and is read-only from then on.
type Config struct {
	// Address and Port locate the broker endpoint.
	Address string
	Port    int

	// Hostname is sent in the open frame; defaults to Address.
	Hostname string

	// ContainerID identifies this container in the open frame. Generated
	// when empty.
	ContainerID string

	// MaxFrameSize, when non-zero, is advertised in the outbound open frame
	// as the largest frame this client accepts.
	MaxFrameSize uint32

	// OutgoingMaxFrameSize is the broker's advertised max frame size, zero
	// until the broker's open frame arrives.
	OutgoingMaxFrameSize uint32
}
