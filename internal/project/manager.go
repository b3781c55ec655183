package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codedock-io/codedock/internal/msglog"
	"github.com/codedock-io/codedock/internal/protocol"
	"github.com/codedock-io/codedock/internal/validation"
)

const metadataFile = "metadata.json"

// Broadcaster publishes a frame to every connection subscribed to a project.
// The transport layer provides it after the manager is constructed.
type Broadcaster func(projectID string, frame protocol.Frame)

// Options configures a Manager.
type Options struct {
	// Root is the directory holding one subdirectory per project.
	Root string

	// MaxProjects caps the registry size.
	MaxProjects int

	// Log tunes each project's message log.
	Log msglog.Options
}

// Manager owns the project registry and its on-disk state. All lookups and
// registrations go through it; individual projects serialize their own state
// transitions.
type Manager struct {
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	byID      map[string]*Project
	byPath    map[string]*Project
	broadcast Broadcaster
}

// NewManager loads the registry from disk. Project directories with missing
// or unreadable metadata are quarantined by renaming, never deleted, so one
// corrupted project cannot take the server down or silently lose its log.
func NewManager(opts Options, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project root: %w", err)
	}

	m := &Manager{
		opts:   opts,
		logger: logger,
		byID:   make(map[string]*Project),
		byPath: make(map[string]*Project),
	}

	entries, err := os.ReadDir(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to read project root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(opts.Root, entry.Name())
		p, err := m.loadProject(dir)
		if err != nil {
			m.quarantine(dir, err)
			continue
		}
		m.byID[p.id] = p
		m.byPath[p.path] = p
	}

	logger.Info("project registry loaded",
		zap.Int("projects", len(m.byID)),
		zap.String("root", opts.Root),
	)
	return m, nil
}

// SetBroadcaster wires the transport's fan-out in after construction. Must
// be called before the server accepts connections.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast = b
	for _, p := range m.byID {
		m.bindNotify(p)
	}
}

func (m *Manager) bindNotify(p *Project) {
	b := m.broadcast
	if b == nil {
		return
	}
	id := p.id
	p.notify = func(frame protocol.Frame) { b(id, frame) }
}

func (m *Manager) loadProject(dir string) (*Project, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("metadata unreadable: %w", err)
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("metadata corrupt: %w", err)
	}
	if meta.ID == "" || meta.Path == "" {
		return nil, fmt.Errorf("metadata incomplete")
	}
	if meta.ID != filepath.Base(dir) {
		return nil, fmt.Errorf("metadata id %q does not match directory", meta.ID)
	}

	log, err := msglog.Open(filepath.Join(dir, "log"), m.opts.Log, m.logger)
	if err != nil {
		return nil, fmt.Errorf("log recovery failed: %w", err)
	}

	// A subprocess cannot survive a restart, so loaded projects are IDLE
	// regardless of what they were doing when the server stopped.
	return &Project{
		id:         meta.ID,
		path:       meta.Path,
		dir:        dir,
		state:      StateIdle,
		sessionID:  meta.SessionID,
		createdAt:  meta.CreatedAt,
		lastActive: meta.LastActive,
		log:        log,
		logger:     m.logger,
	}, nil
}

// quarantine renames a broken project directory out of the registry's way.
func (m *Manager) quarantine(dir string, cause error) {
	dst := fmt.Sprintf("%s.corrupt-%d", dir, time.Now().Unix())
	if err := os.Rename(dir, dst); err != nil {
		m.logger.Error("failed to quarantine corrupt project directory",
			zap.String("dir", dir), zap.Error(err))
		return
	}
	m.logger.Warn("quarantined corrupt project directory",
		zap.String("dir", dir),
		zap.String("moved_to", dst),
		zap.Error(cause),
	)
}

// Create registers the project for an already-canonical path. If a project
// with the same path exists it is returned as-is; created reports whether a
// new project was made. Nesting and capacity are checked atomically with the
// registration, so two concurrent creates for nested paths cannot both
// succeed.
func (m *Manager) Create(canonPath string) (p *Project, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byPath[canonPath]; ok {
		return existing, false, nil
	}

	paths := make([]string, 0, len(m.byPath))
	for path := range m.byPath {
		paths = append(paths, path)
	}
	if err := validation.CheckNesting(canonPath, paths); err != nil {
		return nil, false, err
	}

	if len(m.byID) >= m.opts.MaxProjects {
		return nil, false, protocol.Errorf(protocol.ErrProjectLimit,
			"project limit of %d reached", m.opts.MaxProjects)
	}

	id := uuid.NewString()
	dir := filepath.Join(m.opts.Root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create project directory: %w", err)
	}

	log, err := msglog.Open(filepath.Join(dir, "log"), m.opts.Log, m.logger)
	if err != nil {
		os.RemoveAll(dir)
		return nil, false, err
	}

	now := time.Now().UTC()
	p = &Project{
		id:         id,
		path:       canonPath,
		dir:        dir,
		state:      StateIdle,
		createdAt:  now,
		lastActive: now,
		log:        log,
		logger:     m.logger,
	}
	m.bindNotify(p)

	if err := p.saveMetadata(); err != nil {
		log.Close()
		os.RemoveAll(dir)
		return nil, false, err
	}

	m.byID[id] = p
	m.byPath[canonPath] = p

	m.logger.Info("project created",
		zap.String("project_id", id),
		zap.String("path", canonPath),
	)
	return p, true, nil
}

// Get looks a project up by identifier.
func (m *Manager) Get(id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, protocol.Errorf(protocol.ErrProjectNotFound,
			"no project with id %s", id)
	}
	return p, nil
}

// List returns snapshots of all projects, most recently active first.
func (m *Manager) List() []protocol.ProjectInfo {
	m.mu.RLock()
	projects := make([]*Project, 0, len(m.byID))
	for _, p := range m.byID {
		projects = append(projects, p)
	}
	m.mu.RUnlock()

	infos := make([]protocol.ProjectInfo, 0, len(projects))
	for _, p := range projects {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActive.After(infos[j].LastActive)
	})
	return infos
}

// Count returns the number of registered projects.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Delete removes a project and all its on-disk state. Refused while an
// execution is running.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	p, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return protocol.Errorf(protocol.ErrProjectNotFound, "no project with id %s", id)
	}
	if p.State() == StateExecuting {
		m.mu.Unlock()
		return protocol.Errorf(protocol.ErrProcessActive,
			"cannot delete a project while an execution is running")
	}
	delete(m.byID, id)
	delete(m.byPath, p.path)
	m.mu.Unlock()

	p.log.Close()
	if err := os.RemoveAll(p.dir); err != nil {
		return fmt.Errorf("failed to remove project directory: %w", err)
	}

	m.logger.Info("project deleted",
		zap.String("project_id", id),
		zap.String("path", p.path),
	)
	return nil
}

// SweepLogs applies the retention policy to every project's log and returns
// the total number of segments removed.
func (m *Manager) SweepLogs(maxAge time.Duration) int {
	m.mu.RLock()
	projects := make([]*Project, 0, len(m.byID))
	for _, p := range m.byID {
		projects = append(projects, p)
	}
	m.mu.RUnlock()

	total := 0
	for _, p := range projects {
		n, err := p.log.Sweep(maxAge)
		if err != nil {
			m.logger.Warn("log retention sweep failed",
				zap.String("project_id", p.id), zap.Error(err))
			continue
		}
		total += n
	}
	return total
}

// Close flushes and closes every project log. Used during shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		p.log.Close()
	}
}
