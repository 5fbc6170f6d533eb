package rpc

// Transport is the minimal send/close/backpressure surface an Endpoint
// needs from the underlying connection. wsio's gorilla/websocket-based
// conn implements this; tests use an in-memory fake.
type Transport interface {
	// Send writes one complete frame. Implementations report the
	// connection's current outbound buffer depth through
	// BufferedAmount so the endpoint can apply backpressure policy
	// before queuing more.
	Send(data []byte) error

	// Ping writes a control-frame ping; the transport is expected to
	// surface the matching pong back to the endpoint via PongReceived.
	Ping() error

	// Close sends a close frame with the given status code and reason
	// and releases the connection.
	Close(code int, reason string) error

	// BufferedAmount reports the number of bytes queued for send but
	// not yet flushed to the wire.
	BufferedAmount() int
}

// Role distinguishes a client-role endpoint (which may reconnect) from
// a server-role endpoint (which never initiates reconnection —
// spec.md §4.4: "connect is illegal ... server-side endpoints reject
// connect unconditionally").
type Role int

const (
	RoleServer Role = iota
	RoleClient
)
