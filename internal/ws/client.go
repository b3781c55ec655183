package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/codedock-io/codedock/internal/protocol"
)

const (
	// writeWait bounds a single write to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before declaring the
	// connection dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is one WebSocket connection. Reads and writes each run on their own
// goroutine; the send channel decouples them so a slow peer never blocks the
// rest of the server.
type Client struct {
	id      string
	ip      string
	hub     *Hub
	conn    *websocket.Conn
	handler MessageHandler
	logger  *zap.Logger
	limiter *rate.Limiter

	send chan []byte

	// projects the connection is joined to. Guarded by hub.mu.
	projects map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// Serve registers a freshly upgraded connection with the hub and runs its
// pumps. It returns when the connection is gone; the caller's HTTP handler
// should simply return after it. A connection that loses the admission race
// after the upgrade gets an error frame and a close handshake.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, remoteIP string, handler MessageHandler) {
	c := &Client{
		id:       uuid.NewString(),
		ip:       remoteIP,
		hub:      h,
		conn:     conn,
		handler:  handler,
		logger:   h.logger,
		limiter:  rate.NewLimiter(rate.Limit(h.limits.RateLimitPerSec), h.limits.RateLimitBurst),
		send:     make(chan []byte, h.limits.SendQueueSize),
		projects: make(map[string]struct{}),
		done:     make(chan struct{}),
	}

	if err := h.register(c); err != nil {
		h.metrics.ConnectionsDenied.WithLabelValues("connection_limit").Inc()
		if data, merr := json.Marshal(protocol.FrameFromError("", err)); merr == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.TextMessage, data)
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump(ctx)
}

// ID returns the connection's identifier, used in logs.
func (c *Client) ID() string { return c.id }

// RemoteIP returns the peer address the connection was admitted under.
func (c *Client) RemoteIP() string { return c.ip }

// Send marshals a frame and enqueues it. The frame is dropped and counted if
// the queue is full.
func (c *Client) Send(frame protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode frame",
			zap.String("type", string(frame.Type)), zap.Error(err))
		return
	}
	if c.enqueue(data) {
		c.hub.metrics.FramesSent.Inc()
	} else {
		c.hub.metrics.FramesDropped.Inc()
		c.logger.Warn("dropped frame for slow consumer",
			zap.String("client_id", c.id),
			zap.String("type", string(frame.Type)),
		)
	}
}

// SendError is shorthand for replying with an error frame.
func (c *Client) SendError(projectID string, err error) {
	c.Send(protocol.FrameFromError(projectID, err))
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close tears the connection down from the server side.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads inbound messages until the connection dies. It owns the
// read side of the connection and is the goroutine that unregisters the
// client.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.limits.MaxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error",
					zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.hub.metrics.RateLimited.Inc()
			c.SendError("", protocol.Errorf(protocol.ErrResourceLimit,
				"message rate limit exceeded"))
			continue
		}

		c.handler.HandleMessage(ctx, c, data)
	}
}

// writePump owns the write side: queued frames, pings, and the close
// handshake.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"))
			return
		}
	}
}

// Upgrader builds the websocket upgrader with the origin policy applied.
// Requests without an Origin header (native clients) are always accepted; an
// empty allow-list also accepts any browser origin.
func Upgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if len(allowedOrigins) == 0 {
				return true
			}
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}
