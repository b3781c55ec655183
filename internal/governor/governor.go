// Package governor supervises process-level resources. It samples RSS and
// goroutine count on an interval, exports them as metrics, and flips the
// server into a degraded mode when the soft memory limit is crossed. While
// degraded, new connections and new executions are refused with
// RESOURCE_LIMIT; established connections keep working.
package governor

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/codedock-io/codedock/internal/metrics"
	"github.com/codedock-io/codedock/internal/protocol"
)

// Options configures the governor. Zero SoftMemoryBytes or MaxGoroutines
// disables the respective check.
type Options struct {
	SampleInterval  time.Duration
	SoftMemoryBytes uint64
	MaxGoroutines   int
}

// Snapshot is a point-in-time view of the sampled resources, used by the
// health and stats responses.
type Snapshot struct {
	RSSBytes   uint64 `json:"rss_bytes"`
	Goroutines int    `json:"goroutines"`
	Degraded   bool   `json:"degraded"`
}

// Governor is safe for concurrent use.
type Governor struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	proc    *process.Process

	mu         sync.RWMutex
	opts       Options
	rss        uint64
	goroutines int
	degraded   bool
}

// New builds a governor bound to the current process.
func New(opts Options, m *metrics.Metrics, logger *zap.Logger) (*Governor, error) {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 10 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	g := &Governor{
		logger:  logger,
		metrics: m,
		proc:    proc,
		opts:    opts,
	}
	g.sample()
	return g, nil
}

// Run samples until the context is cancelled.
func (g *Governor) Run(ctx context.Context) {
	g.mu.RLock()
	interval := g.opts.SampleInterval
	g.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (g *Governor) sample() {
	goroutines := runtime.NumGoroutine()

	var rss uint64
	if mem, err := g.proc.MemoryInfo(); err == nil {
		rss = mem.RSS
	} else {
		g.logger.Debug("memory sample failed", zap.Error(err))
	}

	g.metrics.MemoryRSSBytes.Set(float64(rss))
	g.metrics.Goroutines.Set(float64(goroutines))

	g.mu.Lock()
	g.rss = rss
	g.goroutines = goroutines
	soft := g.opts.SoftMemoryBytes
	wasDegraded := g.degraded
	overLimit := soft > 0 && rss > soft
	g.degraded = overLimit
	g.mu.Unlock()

	if overLimit && !wasDegraded {
		g.logger.Warn("soft memory limit exceeded, entering degraded mode",
			zap.Uint64("rss_bytes", rss),
			zap.Uint64("soft_limit_bytes", soft),
		)
		// Return freed pages to the OS before the next sample decides
		// whether degraded mode can be lifted.
		debug.FreeOSMemory()
	}
	if !overLimit && wasDegraded {
		g.logger.Info("memory back under soft limit, degraded mode lifted",
			zap.Uint64("rss_bytes", rss))
	}
}

// AllowConnection is the admission check for new WebSocket upgrades.
func (g *Governor) AllowConnection() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.degraded {
		return protocol.Errorf(protocol.ErrResourceLimit,
			"server is over its memory budget")
	}
	if g.opts.MaxGoroutines > 0 && g.goroutines > g.opts.MaxGoroutines {
		return protocol.Errorf(protocol.ErrResourceLimit,
			"server is over its goroutine budget")
	}
	return nil
}

// AllowExecution is the admission check for starting an agent process.
func (g *Governor) AllowExecution() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.degraded {
		return protocol.Errorf(protocol.ErrResourceLimit,
			"server is over its memory budget")
	}
	return nil
}

// Snapshot returns the latest sample.
func (g *Governor) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Snapshot{
		RSSBytes:   g.rss,
		Goroutines: g.goroutines,
		Degraded:   g.degraded,
	}
}

// SetSoftMemoryLimit applies a reloaded soft limit. Takes effect at the next
// sample.
func (g *Governor) SetSoftMemoryLimit(bytes uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opts.SoftMemoryBytes = bytes
}
