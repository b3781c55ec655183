// Command codedock-server is the WebSocket server that fronts a local agent
// CLI: it manages filesystem-scoped projects, runs executions, and streams
// agent output to every subscribed client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/codedock-io/codedock/internal/api"
	"github.com/codedock-io/codedock/internal/config"
	"github.com/codedock-io/codedock/internal/executor"
	"github.com/codedock-io/codedock/internal/governor"
	"github.com/codedock-io/codedock/internal/metrics"
	"github.com/codedock-io/codedock/internal/msglog"
	"github.com/codedock-io/codedock/internal/project"
	"github.com/codedock-io/codedock/internal/router"
	"github.com/codedock-io/codedock/internal/scheduler"
	"github.com/codedock-io/codedock/internal/ws"
)

// version is injected at build time via -ldflags.
var version = "dev"

var (
	flagConfig   string
	flagPort     int
	flagDataDir  string
	flagLogLevel string
)

func main() {
	// A .env file is a convenience for development; absence is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "codedock-server",
		Short:         "WebSocket server bridging clients to a local agent CLI",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	rootCmd.Flags().StringVar(&flagConfig, "config", envOrDefault("CODEDOCK_CONFIG", ""), "path to the YAML config file")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "listen port (overrides config)")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	// Flags win over the file and the environment.
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = flagPort
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.Projects.DataDir = flagDataDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	atomicLevel := zap.NewAtomicLevelAt(level)

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = atomicLevel
	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting codedock-server",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Projects.DataDir),
	)

	m := metrics.New()

	gov, err := governor.New(governor.Options{
		SampleInterval:  cfg.Governor.SampleInterval.Std(),
		SoftMemoryBytes: cfg.Governor.SoftMemoryBytes,
		MaxGoroutines:   cfg.Governor.MaxGoroutines,
	}, m, logger.Named("governor"))
	if err != nil {
		return fmt.Errorf("failed to start resource governor: %w", err)
	}

	manager, err := project.NewManager(project.Options{
		Root:        filepath.Join(cfg.Projects.DataDir, "projects"),
		MaxProjects: cfg.Projects.MaxProjects,
		Log: msglog.Options{
			SegmentMaxBytes: cfg.Log.SegmentMaxBytes,
			FlushInterval:   cfg.Log.FlushInterval.Std(),
		},
	}, logger.Named("project"))
	if err != nil {
		return fmt.Errorf("failed to load projects: %w", err)
	}
	m.ProjectsActive.Set(float64(manager.Count()))

	hub := ws.NewHub(ws.Limits{
		MaxConnections:      cfg.Limits.MaxConnections,
		MaxConnectionsPerIP: cfg.Limits.MaxConnectionsPerIP,
		MaxFrameBytes:       cfg.Limits.MaxFrameBytes,
		SendQueueSize:       cfg.Limits.SendQueueSize,
		RateLimitPerSec:     cfg.Limits.RateLimitPerSec,
		RateLimitBurst:      cfg.Limits.RateLimitBurst,
	}, m, logger.Named("ws"))
	manager.SetBroadcaster(hub.Broadcast)

	engine := executor.New(executor.Options{
		Binary:        cfg.Execution.Binary,
		MaxConcurrent: cfg.Execution.MaxConcurrent,
		Timeout:       cfg.Execution.Timeout.Std(),
		KillGrace:     cfg.Execution.KillGrace.Std(),
	}, hub.Broadcast, m, logger.Named("executor"))

	rtr := router.New(router.Options{
		AllowedRoots:   cfg.Projects.AllowedRoots,
		MaxPromptBytes: cfg.Execution.MaxPromptBytes,
		DataDir:        cfg.Projects.DataDir,
		Version:        version,
	}, manager, engine, hub, gov, m, logger.Named("router"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The agent CLI may be installed after the server starts; executions
	// fail with a clear error until the probe succeeds.
	if agentVersion, err := engine.CheckBinary(ctx); err != nil {
		logger.Warn("agent cli unavailable", zap.Error(err))
		rtr.SetAgentStatus(false, "")
	} else {
		rtr.SetAgentStatus(true, agentVersion)
	}

	sched, err := scheduler.New(scheduler.Options{
		RetentionAge:      cfg.Log.RetentionAge.Std(),
		RetentionInterval: cfg.Log.RetentionInterval.Std(),
	}, manager, engine, rtr, m, logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	sched.Start()

	go gov.Run(ctx)
	go reloadOnHUP(ctx, logger, atomicLevel, gov, sched)

	srv := api.New(api.Options{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, hub, rtr, gov, m, logger.Named("api"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	hub.CloseAll()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		// The grace-then-force sequence did not finish in time; exiting
		// anyway rather than hanging. The OS reaps what is left.
		logger.Error("forcing exit with executions unfinished", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	if err := sched.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown failed", zap.Error(err))
	}
	manager.Close()

	logger.Info("shutdown complete")
	return nil
}

// reloadOnHUP applies the hot-reloadable configuration on SIGHUP: log
// level, log retention age, and the soft memory limit.
func reloadOnHUP(ctx context.Context, logger *zap.Logger, level zap.AtomicLevel, gov *governor.Governor, sched *scheduler.Scheduler) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			cfg, err := config.Load(flagConfig)
			if err != nil {
				logger.Error("config reload failed", zap.Error(err))
				continue
			}
			reload := config.ReloadableFrom(cfg)

			if parsed, err := zapcore.ParseLevel(reload.LogLevel); err == nil {
				level.SetLevel(parsed)
			}
			sched.SetRetentionAge(reload.RetentionAge.Std())
			gov.SetSoftMemoryLimit(reload.SoftMemoryBytes)

			logger.Info("configuration reloaded",
				zap.String("log_level", reload.LogLevel),
				zap.Duration("retention_age", reload.RetentionAge.Std()),
			)
		case <-ctx.Done():
			return
		}
	}
}
