// Package scheduler runs the server's background jobs: message log
// retention, the agent CLI availability probe, and a periodic stats line in
// the server log.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/codedock-io/codedock/internal/executor"
	"github.com/codedock-io/codedock/internal/metrics"
	"github.com/codedock-io/codedock/internal/project"
	"github.com/codedock-io/codedock/internal/router"
)

// Options configures the background jobs.
type Options struct {
	// RetentionAge is how old a sealed log segment must be before removal.
	RetentionAge time.Duration

	// RetentionInterval is how often the sweep runs.
	RetentionInterval time.Duration

	// ProbeInterval is how often the agent CLI is re-probed.
	ProbeInterval time.Duration

	// StatsInterval is how often the stats line is logged.
	StatsInterval time.Duration
}

// Scheduler owns the gocron instance.
type Scheduler struct {
	sched   gocron.Scheduler
	manager *project.Manager
	engine  *executor.Engine
	router  *router.Router
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu   sync.RWMutex
	opts Options
}

// New builds the scheduler and registers its jobs. Start must be called to
// begin running them.
func New(opts Options, manager *project.Manager, engine *executor.Engine, r *router.Router, m *metrics.Metrics, logger *zap.Logger) (*Scheduler, error) {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Minute
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = time.Minute
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		sched:   sched,
		manager: manager,
		engine:  engine,
		router:  r,
		metrics: m,
		logger:  logger,
		opts:    opts,
	}

	if opts.RetentionInterval > 0 {
		if _, err := sched.NewJob(
			gocron.DurationJob(opts.RetentionInterval),
			gocron.NewTask(s.sweepLogs),
		); err != nil {
			return nil, err
		}
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(opts.ProbeInterval),
		gocron.NewTask(s.probeAgent),
	); err != nil {
		return nil, err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(opts.StatsInterval),
		gocron.NewTask(s.logStats),
	); err != nil {
		return nil, err
	}

	return s, nil
}

// Start begins running the jobs on their intervals.
func (s *Scheduler) Start() {
	s.sched.Start()
}

// Shutdown stops the jobs and waits for running ones to finish.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}

// SetRetentionAge applies a reloaded retention age to future sweeps.
func (s *Scheduler) SetRetentionAge(age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.RetentionAge = age
}

func (s *Scheduler) sweepLogs() {
	s.mu.RLock()
	age := s.opts.RetentionAge
	s.mu.RUnlock()
	if age <= 0 {
		return
	}

	removed := s.manager.SweepLogs(age)
	if removed > 0 {
		s.metrics.SegmentsRemoved.Add(float64(removed))
	}
}

func (s *Scheduler) probeAgent() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	version, err := s.engine.CheckBinary(ctx)
	s.router.SetAgentStatus(err == nil, version)
	if err != nil {
		s.logger.Warn("agent cli probe failed", zap.Error(err))
	}
}

func (s *Scheduler) logStats() {
	h := s.router.Health()
	s.logger.Info("server stats",
		zap.String("status", h.Status),
		zap.Int("projects", h.Projects),
		zap.Int("connections", h.Connections),
		zap.Int("executions", h.Executions),
		zap.Uint64("rss_bytes", h.Resources.RSSBytes),
		zap.Int("goroutines", h.Resources.Goroutines),
	)
}
