package tunnel

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB, comfortably above one base64 TCP chunk
)

// Channel is the Control Channel Adapter: a single WebSocket connection
// carrying named JSON events in both directions. gorilla/websocket
// forbids concurrent writers on one connection, so every Send goes
// through writeMu — the same discipline the teacher's ClientConn.send
// uses around its bufio.Writer.
type Channel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newChannel(conn *websocket.Conn) *Channel {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &Channel{conn: conn, closed: make(chan struct{})}
}

// Send serializes event/payload into one envelope and writes it as a
// single WebSocket text frame, preserving whole-message delivery.
func (c *Channel) Send(event string, payload any) error {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close closes the underlying connection exactly once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// keepalive periodically pings the peer until the channel closes or a
// ping fails, at which point it closes the channel so the read loop
// observes the disconnect. This replaces the original implementation's
// vestigial client-side heartbeat with transport-level keepalive, per
// SPEC_FULL.md §9.
func (c *Channel) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.Close()
				return
			}
		}
	}
}

// dispatchFunc handles one decoded event. Handlers run synchronously on
// the channel's single read goroutine, which is what gives the adapter
// its per-channel FIFO guarantee — no reordering is possible because
// there is only ever one reader.
type dispatchFunc func(event string, payload json.RawMessage)

// readLoop blocks reading frames and invoking dispatch until the
// connection errors or closes, then returns. Callers run it in its own
// goroutine and treat its return as ControlChannelLost.
func (c *Channel) readLoop(dispatch dispatchFunc) {
	defer c.Close()
	go c.keepalive()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		dispatch(env.Event, env.Payload)
	}
}
