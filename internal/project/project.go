// Package project manages the registry of projects: filesystem-scoped
// workspaces with a durable message log and a session with the agent CLI.
//
// On disk each project owns one directory under the data root, named by its
// identifier:
//
//	<data>/projects/<uuid>/metadata.json
//	<data>/projects/<uuid>/log/000001.jsonl
//
// metadata.json is written atomically (temp file, fsync, rename) so a crash
// never leaves a half-written file behind. Execution state is deliberately
// not persisted: a restart cannot resume a subprocess, so every project
// loads as IDLE.
package project

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codedock-io/codedock/internal/msglog"
	"github.com/codedock-io/codedock/internal/protocol"
)

// State is a project's execution state.
type State string

const (
	// StateIdle means no execution is in flight.
	StateIdle State = "IDLE"

	// StateExecuting means an agent CLI process is running for the project.
	StateExecuting State = "EXECUTING"

	// StateError is broadcast when an execution fails; the project then
	// returns to IDLE immediately so it stays usable.
	StateError State = "ERROR"
)

// metadata is the persisted portion of a project. State is intentionally
// absent, see the package comment.
type metadata struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	SessionID  string    `json:"session_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Project is one registered workspace. All mutable fields are guarded by mu;
// use the accessor methods rather than reading fields directly.
type Project struct {
	id   string
	path string
	dir  string

	mu         sync.Mutex
	state      State
	sessionID  string
	createdAt  time.Time
	lastActive time.Time
	lastError  string

	log    *msglog.Log
	logger *zap.Logger

	// notify publishes a project_state frame to subscribers. Injected by the
	// manager so this package stays independent of the transport.
	notify func(frame protocol.Frame)
}

// ID returns the project identifier.
func (p *Project) ID() string { return p.id }

// Path returns the canonical project directory path.
func (p *Project) Path() string { return p.path }

// Log returns the project's message log.
func (p *Project) Log() *msglog.Log { return p.log }

// State returns the current execution state.
func (p *Project) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SessionID returns the stored agent session identifier, empty if none.
func (p *Project) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Info returns the client-visible snapshot used in project_state and
// project_list_response payloads.
func (p *Project) Info() protocol.ProjectInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return protocol.ProjectInfo{
		ID:         p.id,
		Path:       p.path,
		State:      string(p.state),
		SessionID:  p.sessionID,
		CreatedAt:  p.createdAt,
		LastActive: p.lastActive,
		Error:      p.lastError,
	}
}

// BeginExecution transitions IDLE or ERROR to EXECUTING. A project already
// executing yields PROCESS_ACTIVE; the caller has not started anything yet.
func (p *Project) BeginExecution() error {
	p.mu.Lock()
	if p.state == StateExecuting {
		p.mu.Unlock()
		return protocol.Errorf(protocol.ErrProcessActive,
			"an execution is already running for this project")
	}
	p.state = StateExecuting
	p.lastError = ""
	p.lastActive = time.Now().UTC()
	info := p.snapshotLocked()
	p.mu.Unlock()

	p.publishState(info)
	return nil
}

// EndExecution records the outcome of a finished execution. On failure the
// project passes through ERROR (broadcast to subscribers) and then returns
// to IDLE so it stays usable; the error text remains visible in snapshots
// until the next execution. The stored session identifier is replaced only
// when the execution completed: a failed, timed-out, or killed run keeps the
// previous one so the next execute resumes a conversation that is known
// good.
func (p *Project) EndExecution(errMsg, sessionID string) {
	p.mu.Lock()
	if errMsg == "" && sessionID != "" {
		p.sessionID = sessionID
	}
	p.lastError = errMsg
	p.lastActive = time.Now().UTC()

	var errInfo protocol.ProjectInfo
	if errMsg != "" {
		p.state = StateError
		errInfo = p.snapshotLocked()
	}
	p.state = StateIdle
	info := p.snapshotLocked()
	p.mu.Unlock()

	if errMsg != "" {
		p.publishState(errInfo)
	}
	p.publishState(info)
	if err := p.saveMetadata(); err != nil {
		p.logger.Warn("failed to persist project metadata",
			zap.String("project_id", p.id), zap.Error(err))
	}
}

// SetSessionID stores the agent session identifier and persists it, so the
// next execution can continue the conversation across a server restart.
func (p *Project) SetSessionID(id string) error {
	p.mu.Lock()
	p.sessionID = id
	p.lastActive = time.Now().UTC()
	p.mu.Unlock()
	return p.saveMetadata()
}

// ClearSession drops the stored session identifier. Refused while executing:
// the running process is already bound to the old session.
func (p *Project) ClearSession() error {
	p.mu.Lock()
	if p.state == StateExecuting {
		p.mu.Unlock()
		return protocol.Errorf(protocol.ErrProcessActive,
			"cannot reset the session while an execution is running")
	}
	p.sessionID = ""
	p.lastActive = time.Now().UTC()
	p.mu.Unlock()
	return p.saveMetadata()
}

// Touch updates last_active. Called on join and replay so recently used
// projects sort ahead of stale ones.
func (p *Project) Touch() {
	p.mu.Lock()
	p.lastActive = time.Now().UTC()
	p.mu.Unlock()
	if err := p.saveMetadata(); err != nil {
		p.logger.Warn("failed to persist project metadata",
			zap.String("project_id", p.id), zap.Error(err))
	}
}

func (p *Project) snapshotLocked() protocol.ProjectInfo {
	return protocol.ProjectInfo{
		ID:         p.id,
		Path:       p.path,
		State:      string(p.state),
		SessionID:  p.sessionID,
		CreatedAt:  p.createdAt,
		LastActive: p.lastActive,
		Error:      p.lastError,
	}
}

// publishState broadcasts a project_state frame to the project's
// subscribers.
func (p *Project) publishState(info protocol.ProjectInfo) {
	if p.notify == nil {
		return
	}
	p.notify(protocol.NewFrame(protocol.TypeProjectState, p.id, info))
}

// saveMetadata writes metadata.json atomically.
func (p *Project) saveMetadata() error {
	p.mu.Lock()
	meta := metadata{
		ID:         p.id,
		Path:       p.path,
		SessionID:  p.sessionID,
		CreatedAt:  p.createdAt,
		LastActive: p.lastActive,
	}
	p.mu.Unlock()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return atomicWrite(filepath.Join(p.dir, metadataFile), data)
}

// AppendClient logs a client-originated payload to the project's message
// log and waits for the write to be visible.
func (p *Project) AppendClient(ctx context.Context, prompt string) error {
	return p.log.AppendString(ctx, msglog.DirectionClient, prompt)
}

// AppendAgent logs an agent-originated payload.
func (p *Project) AppendAgent(ctx context.Context, payload json.RawMessage) error {
	return p.log.Append(ctx, msglog.DirectionAgent, payload)
}

// atomicWrite replaces path with data via a temp file in the same directory
// so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	// The rename itself needs the directory entry flushed to be durable.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
