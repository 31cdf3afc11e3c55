package amqp

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

const (
	defaultAMQPPort = 5672

	dialAttempts   = 3
	dialBackoffMin = 50 * time.Millisecond
	dialBackoffMax = 500 * time.Millisecond
)

type endpoint struct {
	scheme  string
	address string
	port    int
	path    string
}

func (e endpoint) hostPort() string {
	return net.JoinHostPort(e.address, strconv.Itoa(e.port))
}

// parseEndpoint accepts amqp://host[:port], tcp://host[:port], and the
// WebSocket binding schemes ws://host[:port][/path] and wss://.
func parseEndpoint(uri string) (endpoint, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return endpoint{}, NewError(InvalidURIError, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "amqp", "tcp", "ws", "wss":
	case "":
		return endpoint{}, NewError(InvalidURIError, "missing scheme")
	default:
		return endpoint{}, NewError(InvalidURIError, "unsupported scheme "+scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return endpoint{}, NewError(InvalidURIError, "missing host")
	}

	port := defaultAMQPPort
	if rawPort := parsed.Port(); rawPort != "" {
		port, err = strconv.Atoi(rawPort)
		if err != nil || port <= 0 || port > 65535 {
			return endpoint{}, NewError(InvalidURIError, "bad port "+rawPort)
		}
	}

	return endpoint{scheme: scheme, address: host, port: port, path: parsed.Path}, nil
}

// dialEndpoint establishes the transport connection. Initial dial attempts
// are paced with jittered backoff; once a connection exists there is no
// transport-level retry, a broken connection terminates the engine.
func dialEndpoint(target endpoint, timeout time.Duration, tlsConfig *tls.Config) (net.Conn, error) {
	pacer := &backoff.Backoff{Min: dialBackoffMin, Max: dialBackoffMax, Jitter: true}

	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(pacer.Duration())
		}

		var conn net.Conn
		var err error
		switch target.scheme {
		case "ws", "wss":
			conn, err = dialWebsocket(target, timeout, tlsConfig)
		default:
			conn, err = net.DialTimeout("tcp", target.hostPort(), timeout)
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	return nil, NewError(ConnectionRefusedError, lastErr)
}

func dialWebsocket(target endpoint, timeout time.Duration, tlsConfig *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"amqp"},
		HandshakeTimeout: timeout,
		TLSClientConfig:  tlsConfig,
	}

	wsURL := fmt.Sprintf("%s://%s%s", target.scheme, target.hostPort(), target.path)
	wsConn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, err
	}
	return newWebsocketConn(wsConn), nil
}

// websocketConn adapts a websocket connection carrying binary AMQP messages
// to the net.Conn surface the reader and engine expect.
type websocketConn struct {
	ws *websocket.Conn

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
}

func newWebsocketConn(ws *websocket.Conn) *websocketConn {
	return &websocketConn{ws: ws}
}

func (c *websocketConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.pending) == 0 {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		c.pending = payload
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *websocketConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *websocketConn) Close() error {
	return c.ws.Close()
}

func (c *websocketConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *websocketConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *websocketConn) SetDeadline(t time.Time) error      { _ = c.ws.SetReadDeadline(t); return c.ws.SetWriteDeadline(t) }
func (c *websocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *websocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// closeWriter is satisfied by *net.TCPConn; the engine half-closes the write
// side after sending its close frame when the transport supports it.
type closeWriter interface {
	CloseWrite() error
}
