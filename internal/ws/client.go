package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// DefaultSendBuffer bounds frames queued for a slow peer.
	DefaultSendBuffer = 64
	// DefaultMaxMessageBytes caps inbound frames.
	DefaultMaxMessageBytes = 1 << 20
	// DefaultPingPeriod must stay below the pong wait derived from it.
	DefaultPingPeriod = 30 * time.Second
)

var (
	// ErrClientClosed is returned when sending to a closed client.
	ErrClientClosed = errors.New("ws: client closed")
	// ErrSlowConsumer is returned when the send buffer is full.
	ErrSlowConsumer = errors.New("ws: send buffer full")
)

// ClientOptions tunes the pumps of a Client.
type ClientOptions struct {
	SendBuffer      int
	MaxMessageBytes int64
	PingPeriod      time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = DefaultPingPeriod
	}
	return o
}

// Client represents a websocket client connection. Writes go through a
// buffered channel drained by WritePump so a slow peer never stalls the hub.
type Client struct {
	id   string
	conn *websocket.Conn
	log  *slog.Logger
	opts ClientOptions

	mu     sync.Mutex
	send   chan []byte
	closed bool
	done   chan struct{}
}

// NewClient constructs a client wrapper with a fresh connection id.
func NewClient(conn *websocket.Conn, logger *slog.Logger, opts ClientOptions) *Client {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Client{
		id:   id,
		conn: conn,
		log:  logger.With("connection_id", id),
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send queues a frame for the write pump.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("websocket send buffer full")
		return ErrSlowConsumer
	}
}

// Close stops accepting frames and asks WritePump to send a close frame and
// release the socket. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	close(c.done)
}

// ReadPump delivers inbound text frames to handle until the peer goes away.
// It closes the client before returning.
func (c *Client) ReadPump(handle func([]byte)) {
	defer c.Close()

	pongWait := c.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(c.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		handle(frame)
	}
}

// WritePump drains queued frames to the socket and keeps the peer alive with pings.
// It owns the socket: queued frames are flushed, then a close frame is sent and the
// connection released.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
