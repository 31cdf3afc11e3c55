// Package amqp implements the client-side connection engine for AMQP 1.0:
// transport dialing, the SASL and AMQP protocol-header handshakes, the
// open/close control-frame exchange, and the lifecycle of sessions
// multiplexed over one connection.
//
// The primary lifecycle is:
//   - construct a Connection with NewConnection
//   - Open a transport URI (amqp://, tcp://, ws:// or wss://)
//   - BeginSession for each sub-channel needed
//   - Close when finished, then wait on Done
//
// The engine is an event-driven state machine processed on a single
// goroutine: socket readiness, protocol headers, and parsed frames arrive
// as events from a reader collaborator, and every outbound frame is written
// synchronously before the state advances. BeginSession is the one
// synchronous call; requests made before the handshake completes queue and
// are replayed in arrival order once the connection is usable, and requests
// made after closing has begun fail immediately.
//
// There is no reconnect or retry of an established connection: a protocol
// violation or transport failure terminates the engine, reported through
// Err and the error-handler callback. Errors are typed values created with
// NewError.
//
// Integration tests are environment-gated and use these variables:
// AMQP_TEST_URI.
package amqp
