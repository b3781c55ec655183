// Package executor runs the agent CLI as a subprocess and streams its
// newline-delimited JSON output to a project's subscribers and message log.
//
// One execution at a time per project, bounded server-wide by a slot
// semaphore. The child's lifetime is governed by a context: the execution
// deadline, an explicit kill, and server shutdown all cancel it. On cancel
// the child first receives SIGTERM and, if still alive after the grace
// window, SIGKILL.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/codedock-io/codedock/internal/metrics"
	"github.com/codedock-io/codedock/internal/msglog"
	"github.com/codedock-io/codedock/internal/project"
	"github.com/codedock-io/codedock/internal/protocol"
	"github.com/codedock-io/codedock/internal/validation"
)

// stderrCap bounds how much child stderr is retained for error reporting.
const stderrCap = 8 * 1024

// Options configures the engine.
type Options struct {
	// Binary is the agent CLI executable.
	Binary string

	// MaxConcurrent caps simultaneously running executions.
	MaxConcurrent int

	// Timeout is the per-execution deadline.
	Timeout time.Duration

	// KillGrace is the window between SIGTERM and SIGKILL.
	KillGrace time.Duration
}

// execution is the record of one running child process.
type execution struct {
	projectID string
	startedAt time.Time
	cancel    context.CancelFunc

	// killed is set before cancel when the termination was requested by a
	// client, so the exit is classified as a kill rather than a failure.
	mu     sync.Mutex
	killed bool
}

func (e *execution) markKilled() {
	e.mu.Lock()
	e.killed = true
	e.mu.Unlock()
}

func (e *execution) wasKilled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killed
}

// Engine starts, streams, and reaps agent CLI executions.
type Engine struct {
	opts      Options
	broadcast project.Broadcaster
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// slots is the server-wide concurrency semaphore.
	slots chan struct{}

	mu     sync.Mutex
	active map[string]*execution

	wg sync.WaitGroup
}

// New creates an engine. broadcast publishes frames to a project's
// subscribers.
func New(opts Options, broadcast project.Broadcaster, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		opts:      opts,
		broadcast: broadcast,
		metrics:   m,
		logger:    logger,
		slots:     make(chan struct{}, opts.MaxConcurrent),
		active:    make(map[string]*execution),
	}
}

// CheckBinary verifies the agent CLI is present and runs, and returns the
// version string it reports. Called at startup and by the availability probe;
// the health payload serves the cached result.
func (e *Engine) CheckBinary(ctx context.Context) (string, error) {
	path, err := exec.LookPath(e.opts.Binary)
	if err != nil {
		return "", protocol.Errorf(protocol.ErrClaudeNotFound,
			"agent binary %q not found on PATH", e.opts.Binary)
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(probeCtx, path, "--version").Output()
	if err != nil {
		return "", protocol.Errorf(protocol.ErrClaudeNotFound,
			"agent binary %q is not runnable", e.opts.Binary)
	}
	return strings.TrimSpace(string(out)), nil
}

// Start begins an execution for the project. The prompt must already be
// validated. Synchronous failures (no slot, project busy, log write) are
// returned to the caller; once Start returns nil the execution continues in
// the background and its outcome is delivered through project_state
// broadcasts.
func (e *Engine) Start(ctx context.Context, p *project.Project, prompt string, opts *validation.ExecuteOptions) error {
	select {
	case e.slots <- struct{}{}:
	default:
		return protocol.Errorf(protocol.ErrResourceLimit,
			"execution slots are exhausted (%d running)", e.opts.MaxConcurrent)
	}

	release := func() { <-e.slots }

	if err := p.BeginExecution(); err != nil {
		release()
		return err
	}

	// The prompt goes to the log before the process exists: a crash after
	// this point can lose the response but never the request.
	if err := p.AppendClient(ctx, prompt); err != nil {
		e.metrics.LogAppendErrors.Inc()
		p.EndExecution("failed to record the prompt", "")
		release()
		return protocol.Errorf(protocol.ErrInternal, "failed to record the prompt")
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.Timeout)
	rec := &execution{
		projectID: p.ID(),
		startedAt: time.Now(),
		cancel:    cancel,
	}

	cmd := exec.CommandContext(execCtx, e.opts.Binary, buildArgs(prompt, p.SessionID(), opts)...)
	cmd.Dir = p.Path()
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.opts.KillGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		p.EndExecution("failed to start the agent process", "")
		release()
		return protocol.Errorf(protocol.ErrInternal, "failed to start the agent process")
	}
	var stderr limitedBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		release()
		if errors.Is(err, exec.ErrNotFound) {
			p.EndExecution("agent binary not found", "")
			return protocol.Errorf(protocol.ErrClaudeNotFound,
				"agent binary %q not found", e.opts.Binary)
		}
		p.EndExecution("failed to start the agent process", "")
		return protocol.Errorf(protocol.ErrInternal, "failed to start the agent process")
	}

	e.mu.Lock()
	e.active[p.ID()] = rec
	e.mu.Unlock()
	e.metrics.ExecutionsActive.Inc()

	e.logger.Info("execution started",
		zap.String("project_id", p.ID()),
		zap.Int("prompt_bytes", len(prompt)),
		zap.Bool("continues_session", p.SessionID() != ""),
	)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		defer cancel()
		e.run(execCtx, p, rec, cmd, stdout, &stderr)
	}()
	return nil
}

// run streams the child's stdout and reaps it. Runs on its own goroutine.
func (e *Engine) run(ctx context.Context, p *project.Project, rec *execution, cmd *exec.Cmd, stdout io.Reader, stderr *limitedBuffer) {
	sessionID := e.stream(ctx, p, stdout)
	waitErr := cmd.Wait()

	e.mu.Lock()
	delete(e.active, p.ID())
	e.mu.Unlock()
	e.metrics.ExecutionsActive.Dec()

	duration := time.Since(rec.startedAt)
	e.metrics.ExecutionDuration.Observe(duration.Seconds())

	outcome, errMsg := classify(ctx, waitErr, rec, stderr)
	e.metrics.ExecutionsTotal.WithLabelValues(outcome).Inc()

	logCtx, logCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer logCancel()

	switch outcome {
	case metrics.OutcomeCompleted:
		e.logger.Info("execution completed",
			zap.String("project_id", p.ID()),
			zap.Duration("duration", duration),
		)

	case metrics.OutcomeTimeout:
		e.logger.Warn("execution timed out",
			zap.String("project_id", p.ID()),
			zap.Duration("duration", duration),
		)
		e.broadcast(p.ID(), protocol.ErrorFrame(p.ID(),
			protocol.ErrExecutionTimeout, errMsg))
		if err := p.Log().AppendString(logCtx, msglog.DirectionAgent, "execution timed out"); err != nil {
			e.metrics.LogAppendErrors.Inc()
		}

	case metrics.OutcomeKilled:
		e.logger.Info("execution killed",
			zap.String("project_id", p.ID()),
			zap.Duration("duration", duration),
		)
		if err := p.Log().AppendString(logCtx, msglog.DirectionAgent, "execution killed by client request"); err != nil {
			e.metrics.LogAppendErrors.Inc()
		}

	default:
		e.logger.Warn("execution failed",
			zap.String("project_id", p.ID()),
			zap.Duration("duration", duration),
			zap.String("error", errMsg),
		)
		if err := p.Log().AppendString(logCtx, msglog.DirectionAgent, errMsg); err != nil {
			e.metrics.LogAppendErrors.Inc()
		}
	}

	if outcome == metrics.OutcomeCompleted {
		p.EndExecution("", sessionID)
	} else {
		p.EndExecution(errMsg, sessionID)
	}
}

// stream reads the child's stdout line by line. Each line is logged first,
// then broadcast, so the durable log is never behind what clients saw.
// Returns the last session identifier observed in the stream.
func (e *Engine) stream(ctx context.Context, p *project.Project, stdout io.Reader) string {
	var sessionID string

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var payload json.RawMessage
		if json.Valid(line) {
			payload = json.RawMessage(append([]byte(nil), line...))
			if id := extractSessionID(payload); id != "" {
				sessionID = id
			}
		} else {
			// Not JSON; pass the raw text through as a JSON string so
			// clients still see it.
			encoded, err := json.Marshal(string(line))
			if err != nil {
				continue
			}
			payload = encoded
		}

		if err := p.AppendAgent(ctx, payload); err != nil {
			e.metrics.LogAppendErrors.Inc()
			e.logger.Warn("failed to log agent event",
				zap.String("project_id", p.ID()), zap.Error(err))
		}
		e.broadcast(p.ID(), protocol.NewFrame(protocol.TypeAgentMessage, p.ID(), payload))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		e.logger.Warn("agent stdout read failed",
			zap.String("project_id", p.ID()), zap.Error(err))
	}
	return sessionID
}

// Kill terminates any in-flight execution for the project. A kill with
// nothing running is a no-op success.
func (e *Engine) Kill(projectID string) {
	e.mu.Lock()
	rec, ok := e.active[projectID]
	e.mu.Unlock()
	if !ok {
		return
	}
	rec.markKilled()
	rec.cancel()
	e.logger.Info("kill requested", zap.String("project_id", projectID))
}

// ActiveCount returns the number of running executions.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown cancels every running execution and waits for the reapers, up to
// the context deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, rec := range e.active {
		rec.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executions still running at shutdown deadline: %w", ctx.Err())
	}
}

// classify maps a child exit to an outcome label and client-facing message.
func classify(ctx context.Context, waitErr error, rec *execution, stderr *limitedBuffer) (string, string) {
	switch {
	case rec.wasKilled():
		return metrics.OutcomeKilled, "execution killed by request"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return metrics.OutcomeTimeout, "execution exceeded its deadline"
	case errors.Is(ctx.Err(), context.Canceled):
		return metrics.OutcomeKilled, "execution cancelled by server shutdown"
	case waitErr == nil:
		return metrics.OutcomeCompleted, ""
	default:
		msg := "agent process failed"
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			msg = fmt.Sprintf("agent process exited with code %d", exitErr.ExitCode())
		}
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg = fmt.Sprintf("%s: %s", msg, s)
		}
		return metrics.OutcomeFailed, msg
	}
}

// extractSessionID pulls a top-level session_id string out of an agent
// event, returning "" when absent. The token is opaque to the server.
func extractSessionID(event json.RawMessage) string {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(event, &probe); err != nil {
		return ""
	}
	return probe.SessionID
}

// buildArgs assembles the CLI argument vector from the prompt, the stored
// session identifier, and the whitelisted options.
func buildArgs(prompt, sessionID string, opts *validation.ExecuteOptions) []string {
	args := []string{"--output-format", "stream-json", "--verbose"}

	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	if opts != nil {
		if opts.Model != "" {
			args = append(args, "--model", opts.Model)
		}
		if opts.FallbackModel != "" {
			args = append(args, "--fallback-model", opts.FallbackModel)
		}
		if opts.PermissionMode != "" {
			args = append(args, "--permission-mode", opts.PermissionMode)
		}
		if opts.AppendSystemPrompt != "" {
			args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
		}
		if len(opts.AllowedTools) > 0 {
			args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
		}
		if len(opts.DisallowedTools) > 0 {
			args = append(args, "--disallowed-tools", strings.Join(opts.DisallowedTools, ","))
		}
		for _, dir := range opts.AddDirs {
			args = append(args, "--add-dir", dir)
		}
		if opts.DangerouslySkipPermissions {
			args = append(args, "--dangerously-skip-permissions")
		}
	}

	args = append(args, "--print", prompt)
	return args
}

// limitedBuffer retains at most stderrCap bytes and discards the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := stderrCap - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
