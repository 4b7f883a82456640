package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-relay/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

var (
	// ErrClientClosed is returned by Send after the client was unregistered.
	ErrClientClosed = errors.New("client closed")
	// ErrSendBufferFull is returned by Send when the client is not reading.
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Client is one WebSocket transport. It implements registry.Sender: Send
// enqueues without blocking and the write pump drains the queue, one frame
// per WebSocket message, under a per-write deadline.
type Client struct {
	conn           *websocket.Conn
	hub            *Hub
	addr           string
	send           chan []byte
	maxMessageSize int64
	limiter        *frameBucket
	signalLimiter  *frameBucket
	logger         *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client for an upgraded connection.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Client{
		conn:           conn,
		hub:            hub,
		addr:           addr,
		send:           make(chan []byte, sendBufferSize),
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newFrameBucket(cfg.RateLimit),
		signalLimiter:  newFrameBucket(cfg.RateLimit.signaling()),
		logger:         logger.With("addr", addr),
	}
}

// Send enqueues one encoded frame.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// closeSend stops accepting frames; the write pump then sends a close
// message and exits.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) closeConn() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("error closing connection", "error", err)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// logReadError logs a read failure at a level matching how expected it is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.logger.Debug("client disconnected", "error", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug("client connection closed", "error", err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.logger.Warn("unexpected websocket close", "error", err)
	default:
		c.logger.Debug("websocket read ended", "error", err)
	}
}

// rejectRateLimited answers a throttled frame without reaching the loop.
func (c *Client) rejectRateLimited(frameType string, limit RateLimitConfig, retryAfter time.Duration) {
	c.logger.Debug("rate limit exceeded", "type", frameType, "burst", limit.Burst, "interval", limit.RefillInterval, "retry_after", retryAfter)
	frame, err := protocol.Errorf(protocol.CodeRateLimited, frameType,
		"more than %d messages per %s, retry in %s", limit.Burst, limit.RefillInterval, retryAfter.Round(time.Millisecond)).Event().Encode()
	if err != nil {
		return
	}
	_ = c.Send(frame)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.closeConn()
	}()

	c.setupReadConnection()

	for {
		messageType, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		bucket := c.limiter
		frameType := protocol.PeekType(rawMessage)
		if protocol.IsSignaling(frameType) {
			bucket = c.signalLimiter
		}
		if ok, retryAfter := bucket.take(); !ok {
			c.rejectRateLimited(frameType, bucket.cfg, retryAfter)
			continue
		}

		if !c.hub.deliver(c, rawMessage) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		if !ok {
			return c.writeCloseMessage()
		}
		return c.write(websocket.TextMessage, message)
	case <-ticker.C:
		return c.write(websocket.PingMessage, nil)
	}
}

func (c *Client) writeCloseMessage() bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug("error writing close message", "error", err)
		}
	}
	return false
}

func (c *Client) write(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn("error writing message", "error", err)
		}
		return false
	}
	return true
}
