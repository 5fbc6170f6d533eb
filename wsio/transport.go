package wsio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// transport adapts a *websocket.Conn to rpc.Transport. gorilla/websocket
// requires a single writer per connection (concurrent WriteMessage calls
// are not safe), so every write-side method serializes through mu —
// matching spec.md §5's "the work queue is the only path that writes to
// a given transport" at the transport layer itself, belt and braces
// against any caller that bypasses the queue.
type transport struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration

	// pending approximates BufferedAmount: gorilla/websocket exposes no
	// socket-level buffered-byte count, so this tracks bytes handed to
	// WriteMessage calls that haven't returned yet — a fair proxy for
	// "data not yet accepted by the kernel" when writes back up under
	// backpressure.
	pending atomic.Int64
}

func newTransport(conn *websocket.Conn, writeTimeout time.Duration) *transport {
	return &transport{conn: conn, writeTimeout: writeTimeout}
}

func (t *transport) Send(data []byte) error {
	t.pending.Add(int64(len(data)))
	defer t.pending.Add(-int64(len(data)))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *transport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (t *transport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *transport) BufferedAmount() int {
	return int(t.pending.Load())
}
