// Package router turns inbound WebSocket messages into operations on the
// project registry and execution engine. It owns envelope decoding, request
// validation, and the mapping of failures onto error frames; the transport
// below it and the domain packages above it never see each other.
package router

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codedock-io/codedock/internal/executor"
	"github.com/codedock-io/codedock/internal/governor"
	"github.com/codedock-io/codedock/internal/metrics"
	"github.com/codedock-io/codedock/internal/project"
	"github.com/codedock-io/codedock/internal/protocol"
	"github.com/codedock-io/codedock/internal/validation"
	"github.com/codedock-io/codedock/internal/ws"
)

const (
	// defaultReplayLimit applies when get_messages omits a limit.
	defaultReplayLimit = 100

	// maxReplayLimit caps a single replay response.
	maxReplayLimit = 1000
)

// Options carries the router's policy knobs.
type Options struct {
	AllowedRoots   []string
	MaxPromptBytes int

	// DataDir is used only to sanitize paths quoted in error messages.
	DataDir string

	Version string
}

// Router dispatches client messages. One instance serves all connections.
type Router struct {
	opts     Options
	manager  *project.Manager
	engine   *executor.Engine
	hub      *ws.Hub
	governor *governor.Governor
	metrics  *metrics.Metrics
	logger   *zap.Logger

	startedAt time.Time

	// agent caches the last agent CLI probe so health requests do not spawn
	// a process each time.
	agentMu sync.RWMutex
	agent   AgentStatus
}

// AgentStatus reports the agent CLI as last probed.
type AgentStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
}

// New builds the router. SetAgentStatus should be called once the startup
// probe has run.
func New(opts Options, manager *project.Manager, engine *executor.Engine, hub *ws.Hub, gov *governor.Governor, m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{
		opts:      opts,
		manager:   manager,
		engine:    engine,
		hub:       hub,
		governor:  gov,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// SetAgentStatus records the result of an agent CLI probe.
func (r *Router) SetAgentStatus(available bool, version string) {
	r.agentMu.Lock()
	r.agent = AgentStatus{Available: available, Version: version}
	r.agentMu.Unlock()
}

// HandleMessage implements ws.MessageHandler. A panic in a handler is
// contained to the triggering message: the connection gets INTERNAL_ERROR
// and stays open.
func (r *Router) HandleMessage(ctx context.Context, c *ws.Client, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.SendError("", protocol.Errorf(protocol.ErrInvalidMessage,
			"message is not valid JSON"))
		return
	}
	if env.Type == "" {
		c.SendError("", protocol.Errorf(protocol.ErrInvalidMessage,
			"message type is required"))
		return
	}

	r.metrics.MessagesReceived.WithLabelValues(messageLabel(env.Type)).Inc()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic while handling message",
				zap.String("type", string(env.Type)),
				zap.String("client_id", c.ID()),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
			c.SendError(env.ProjectID, protocol.Errorf(protocol.ErrInternal,
				"an internal error occurred"))
		}
	}()

	var err error
	switch env.Type {
	case protocol.TypeProjectCreate:
		err = r.handleCreate(c, env)
	case protocol.TypeProjectList:
		err = r.handleList(c)
	case protocol.TypeProjectDelete:
		err = r.handleDelete(c, env)
	case protocol.TypeProjectJoin:
		err = r.handleJoin(c, env)
	case protocol.TypeProjectLeave:
		err = r.handleLeave(c, env)
	case protocol.TypeExecute:
		err = r.handleExecute(ctx, c, env)
	case protocol.TypeAgentKill:
		err = r.handleKill(env)
	case protocol.TypeAgentNewSession:
		err = r.handleNewSession(env)
	case protocol.TypeGetMessages:
		err = r.handleGetMessages(ctx, c, env)
	case protocol.TypeGetHealth:
		err = r.handleGetHealth(c)
	case protocol.TypeGetStats:
		err = r.handleGetStats(c)
	default:
		err = protocol.Errorf(protocol.ErrInvalidMessage,
			"unknown message type %q", env.Type)
	}

	if err != nil {
		if _, ok := err.(*protocol.WireError); !ok {
			r.logger.Error("handler failed",
				zap.String("type", string(env.Type)),
				zap.String("client_id", c.ID()),
				zap.Error(err),
			)
		}
		c.SendError(env.ProjectID, err)
	}
}

func (r *Router) handleCreate(c *ws.Client, env protocol.Envelope) error {
	var req protocol.CreateRequest
	if err := decode(env.Data, &req); err != nil {
		return err
	}

	canon, err := validation.NormalizePath(req.Path)
	if err != nil {
		return err
	}
	if err := validation.CheckRoots(canon, r.opts.AllowedRoots); err != nil {
		if we, ok := err.(*protocol.WireError); ok {
			we.Details = map[string]any{
				"path": validation.SanitizePath(canon, r.opts.DataDir),
			}
		}
		return err
	}

	p, created, err := r.manager.Create(canon)
	if err != nil {
		return err
	}
	if created {
		r.metrics.ProjectsActive.Set(float64(r.manager.Count()))
	}

	// The creator is subscribed right away so the first execute's
	// broadcasts have somewhere to go.
	r.hub.Join(c, p.ID())
	c.Send(protocol.NewFrame(protocol.TypeProjectState, p.ID(), p.Info()))
	return nil
}

func (r *Router) handleList(c *ws.Client) error {
	c.Send(protocol.NewFrame(protocol.TypeProjectListResponse, "",
		protocol.ProjectListPayload{Projects: r.manager.List()}))
	return nil
}

func (r *Router) handleDelete(c *ws.Client, env protocol.Envelope) error {
	if err := validation.ValidateProjectID(env.ProjectID); err != nil {
		return err
	}

	if err := r.manager.Delete(env.ProjectID); err != nil {
		return err
	}

	// Subscribers hear about the deletion before their subscription is
	// dropped. A refused delete never announces anything.
	r.hub.Broadcast(env.ProjectID, protocol.NewFrame(protocol.TypeProjectDeleted,
		env.ProjectID, protocol.ProjectRefPayload{ProjectID: env.ProjectID}))
	r.hub.DropSubscriptions(env.ProjectID)
	r.metrics.ProjectsActive.Set(float64(r.manager.Count()))
	return nil
}

func (r *Router) handleJoin(c *ws.Client, env protocol.Envelope) error {
	var req protocol.JoinRequest
	if err := decode(env.Data, &req); err != nil {
		return err
	}
	// Clients carry the identifier inside data; the top-level field is
	// accepted too.
	id := req.ProjectID
	if id == "" {
		id = env.ProjectID
	}
	if err := validation.ValidateProjectID(id); err != nil {
		return err
	}
	p, err := r.manager.Get(id)
	if err != nil {
		return err
	}

	r.hub.Join(c, p.ID())
	p.Touch()

	c.Send(protocol.NewFrame(protocol.TypeProjectJoined, p.ID(),
		protocol.ProjectRefPayload{ProjectID: p.ID()}))
	// A state snapshot follows so the client does not have to wait for the
	// next transition to learn where the project stands.
	c.Send(protocol.NewFrame(protocol.TypeProjectState, p.ID(), p.Info()))
	return nil
}

func (r *Router) handleLeave(c *ws.Client, env protocol.Envelope) error {
	if err := validation.ValidateProjectID(env.ProjectID); err != nil {
		return err
	}
	r.hub.Leave(c, env.ProjectID)
	c.Send(protocol.NewFrame(protocol.TypeProjectLeft, env.ProjectID,
		protocol.ProjectRefPayload{ProjectID: env.ProjectID}))
	return nil
}

func (r *Router) handleExecute(ctx context.Context, c *ws.Client, env protocol.Envelope) error {
	if err := validation.ValidateProjectID(env.ProjectID); err != nil {
		return err
	}
	p, err := r.manager.Get(env.ProjectID)
	if err != nil {
		return err
	}

	var req protocol.ExecuteRequest
	if err := decode(env.Data, &req); err != nil {
		return err
	}
	if err := validation.ValidatePrompt(req.Prompt, r.opts.MaxPromptBytes); err != nil {
		return err
	}
	opts, err := validation.ValidateOptions(req.Options)
	if err != nil {
		return err
	}

	if err := r.governor.AllowExecution(); err != nil {
		return err
	}
	return r.engine.Start(ctx, p, req.Prompt, opts)
}

func (r *Router) handleKill(env protocol.Envelope) error {
	if err := validation.ValidateProjectID(env.ProjectID); err != nil {
		return err
	}
	if _, err := r.manager.Get(env.ProjectID); err != nil {
		return err
	}
	// Killing an idle project is a no-op success.
	r.engine.Kill(env.ProjectID)
	return nil
}

func (r *Router) handleNewSession(env protocol.Envelope) error {
	if err := validation.ValidateProjectID(env.ProjectID); err != nil {
		return err
	}
	p, err := r.manager.Get(env.ProjectID)
	if err != nil {
		return err
	}
	if err := p.ClearSession(); err != nil {
		return err
	}
	r.hub.Broadcast(p.ID(), protocol.NewFrame(protocol.TypeSessionReset, p.ID(),
		protocol.ProjectRefPayload{ProjectID: p.ID()}))
	return nil
}

func (r *Router) handleGetMessages(ctx context.Context, c *ws.Client, env protocol.Envelope) error {
	if err := validation.ValidateProjectID(env.ProjectID); err != nil {
		return err
	}
	p, err := r.manager.Get(env.ProjectID)
	if err != nil {
		return err
	}

	var req protocol.GetMessagesRequest
	if err := decode(env.Data, &req); err != nil {
		return err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultReplayLimit
	}
	if limit > maxReplayLimit {
		limit = maxReplayLimit
	}

	p.Touch()
	entries, err := p.Log().Scan(req.Since, limit)
	if err != nil {
		r.logger.Error("log replay failed",
			zap.String("project_id", p.ID()), zap.Error(err))
		return protocol.Errorf(protocol.ErrInternal, "failed to read the message log")
	}

	messages := make([]protocol.LoggedMessage, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, protocol.LoggedMessage{
			Timestamp: e.T,
			Direction: string(e.D),
			Message:   e.M,
		})
	}
	c.Send(protocol.NewFrame(protocol.TypeMessagesResponse, p.ID(),
		protocol.MessagesPayload{Messages: messages}))
	return nil
}

// HealthPayload is the data of a health_status frame.
type HealthPayload struct {
	Status        string            `json:"status"`
	Claude        AgentStatus       `json:"claude"`
	Projects      int               `json:"projects"`
	Connections   int               `json:"connections"`
	Executions    int               `json:"executions"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Resources     governor.Snapshot `json:"resources"`
}

func (r *Router) handleGetHealth(c *ws.Client) error {
	c.Send(protocol.NewFrame(protocol.TypeHealthStatus, "", r.Health()))
	return nil
}

// Health builds the health snapshot, shared with the HTTP healthz endpoint.
func (r *Router) Health() HealthPayload {
	snap := r.governor.Snapshot()

	r.agentMu.RLock()
	agent := r.agent
	r.agentMu.RUnlock()

	status := "ok"
	if !agent.Available || snap.Degraded {
		status = "degraded"
	}

	return HealthPayload{
		Status:        status,
		Claude:        agent,
		Projects:      r.manager.Count(),
		Connections:   r.hub.ConnectionCount(),
		Executions:    r.engine.ActiveCount(),
		UptimeSeconds: int64(time.Since(r.startedAt).Seconds()),
		Resources:     snap,
	}
}

// StatsPayload is the data of a server_stats frame.
type StatsPayload struct {
	Version       string            `json:"version"`
	Projects      int               `json:"projects"`
	Connections   int               `json:"connections"`
	Executions    int               `json:"executions"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Resources     governor.Snapshot `json:"resources"`
}

func (r *Router) handleGetStats(c *ws.Client) error {
	c.Send(protocol.NewFrame(protocol.TypeServerStats, "", StatsPayload{
		Version:       r.opts.Version,
		Projects:      r.manager.Count(),
		Connections:   r.hub.ConnectionCount(),
		Executions:    r.engine.ActiveCount(),
		UptimeSeconds: int64(time.Since(r.startedAt).Seconds()),
		Resources:     r.governor.Snapshot(),
	}))
	return nil
}

// messageLabel keeps the metric's label set bounded: anything outside the
// known request types is counted as "unknown".
func messageLabel(t protocol.MessageType) string {
	switch t {
	case protocol.TypeProjectCreate, protocol.TypeProjectList, protocol.TypeProjectDelete,
		protocol.TypeProjectJoin, protocol.TypeProjectLeave, protocol.TypeExecute,
		protocol.TypeAgentKill, protocol.TypeAgentNewSession, protocol.TypeGetMessages,
		protocol.TypeGetHealth, protocol.TypeGetStats:
		return string(t)
	}
	return "unknown"
}

// decode unmarshals a request payload, treating absent data as an empty
// object so optional payloads decode to their zero values.
func decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return protocol.Errorf(protocol.ErrInvalidMessage,
			"request payload is malformed")
	}
	return nil
}
