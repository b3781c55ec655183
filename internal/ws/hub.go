// Package ws is the WebSocket transport: connection lifecycle, per-project
// subscriptions, and fan-out of server frames. It knows nothing about
// projects or executions beyond their identifiers; the router supplies the
// message semantics through the MessageHandler interface.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/codedock-io/codedock/internal/metrics"
	"github.com/codedock-io/codedock/internal/protocol"
)

// MessageHandler receives every decoded-enough inbound message. The ws layer
// hands over the raw bytes; the handler owns envelope parsing, dispatch, and
// error replies.
type MessageHandler interface {
	HandleMessage(ctx context.Context, c *Client, data []byte)
}

// Limits are the transport-level resource bounds.
type Limits struct {
	MaxConnections      int
	MaxConnectionsPerIP int
	MaxFrameBytes       int64
	SendQueueSize       int
	RateLimitPerSec     float64
	RateLimitBurst      int
}

// Hub tracks every live connection and which projects each one is joined
// to. Broadcast never blocks on a slow consumer: a frame that does not fit a
// connection's send queue is dropped for that connection and counted, and
// the client is expected to recover missed history with a log replay.
type Hub struct {
	limits  Limits
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	subs    map[string]map[*Client]struct{}
	perIP   map[string]int
}

// NewHub creates an empty hub.
func NewHub(limits Limits, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		limits:  limits,
		metrics: m,
		logger:  logger,
		clients: make(map[*Client]struct{}),
		subs:    make(map[string]map[*Client]struct{}),
		perIP:   make(map[string]int),
	}
}

// CanAccept is the pre-upgrade admission check for a remote IP. It is
// advisory: register re-checks the limits under the write lock, so a race
// between two upgrades still cannot overshoot them.
func (h *Hub) CanAccept(ip string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.admitLocked(ip)
}

func (h *Hub) admitLocked(ip string) error {
	if len(h.clients) >= h.limits.MaxConnections {
		return protocol.Errorf(protocol.ErrResourceLimit,
			"connection limit reached")
	}
	if h.limits.MaxConnectionsPerIP > 0 && h.perIP[ip] >= h.limits.MaxConnectionsPerIP {
		return protocol.Errorf(protocol.ErrResourceLimit,
			"per-client connection limit reached")
	}
	return nil
}

// register admits the client and inserts it in one critical section.
func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	if err := h.admitLocked(c.ip); err != nil {
		h.mu.Unlock()
		return err
	}
	h.clients[c] = struct{}{}
	h.perIP[c.ip]++
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.ConnectionsTotal.Inc()
	h.metrics.ConnectionsActive.Set(float64(count))
	h.logger.Info("client connected",
		zap.String("client_id", c.id),
		zap.String("remote_ip", c.ip),
		zap.Int("connections", count),
	)
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	if h.perIP[c.ip] <= 1 {
		delete(h.perIP, c.ip)
	} else {
		h.perIP[c.ip]--
	}
	for projectID := range c.projects {
		h.leaveLocked(c, projectID)
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.ConnectionsActive.Set(float64(count))
	h.logger.Info("client disconnected",
		zap.String("client_id", c.id),
		zap.Int("connections", count),
	)
}

// Join subscribes the connection to a project's broadcasts. Joining twice is
// a no-op.
func (h *Hub) Join(c *Client, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[projectID]
	if !ok {
		set = make(map[*Client]struct{})
		h.subs[projectID] = set
	}
	set[c] = struct{}{}
	c.projects[projectID] = struct{}{}
}

// Leave unsubscribes the connection from a project.
func (h *Hub) Leave(c *Client, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, projectID)
}

func (h *Hub) leaveLocked(c *Client, projectID string) {
	if set, ok := h.subs[projectID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, projectID)
		}
	}
	delete(c.projects, projectID)
}

// DropSubscriptions removes every subscription to a project, used when the
// project is deleted. Connections stay open.
func (h *Hub) DropSubscriptions(projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs[projectID] {
		delete(c.projects, projectID)
	}
	delete(h.subs, projectID)
}

// Broadcast sends a frame to every connection joined to the project.
func (h *Hub) Broadcast(projectID string, frame protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to encode broadcast frame",
			zap.String("type", string(frame.Type)), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.subs[projectID]))
	for c := range h.subs[projectID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.enqueue(data) {
			h.metrics.FramesSent.Inc()
		} else {
			h.metrics.FramesDropped.Inc()
			h.logger.Warn("dropped frame for slow consumer",
				zap.String("client_id", c.id),
				zap.String("project_id", projectID),
				zap.String("type", string(frame.Type)),
			)
		}
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many connections are joined to a project.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[projectID])
}

// CloseAll asks every connection to shut down. Used during server drain.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}
