// Package config holds the server configuration. Values are resolved in
// precedence order: command-line flags, then the YAML config file, then
// CODEDOCK_* environment variables, then the built-in defaults. Flags are
// applied by the command layer; this package owns the other three sources.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" decode directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Projects  ProjectsConfig  `yaml:"projects"`
	Execution ExecutionConfig `yaml:"execution"`
	Log       LogConfig       `yaml:"log"`
	Limits    LimitsConfig    `yaml:"limits"`
	Governor  GovernorConfig  `yaml:"governor"`
	LogLevel  string          `yaml:"log_level"`
}

// ServerConfig covers the listener and connection admission.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AllowedOrigins restricts WebSocket upgrades by Origin header. Empty
	// means browser origins are not checked (non-browser clients send none).
	AllowedOrigins []string `yaml:"allowed_origins"`

	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ProjectsConfig covers project registration and persistence.
type ProjectsConfig struct {
	// DataDir is the root under which per-project state directories live.
	DataDir string `yaml:"data_dir"`

	// AllowedRoots, when non-empty, restricts project paths to these
	// directory prefixes.
	AllowedRoots []string `yaml:"allowed_roots"`

	// MaxProjects caps the number of registered projects.
	MaxProjects int `yaml:"max_projects"`
}

// ExecutionConfig covers the agent CLI subprocess.
type ExecutionConfig struct {
	// Binary is the agent CLI executable, looked up on PATH unless absolute.
	Binary string `yaml:"binary"`

	// MaxConcurrent caps simultaneously running executions server-wide.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Timeout is the per-execution deadline.
	Timeout Duration `yaml:"timeout"`

	// KillGrace is how long a process gets between SIGTERM and SIGKILL.
	KillGrace Duration `yaml:"kill_grace"`

	// MaxPromptBytes bounds the prompt accepted from clients.
	MaxPromptBytes int `yaml:"max_prompt_bytes"`
}

// LogConfig covers the per-project message log.
type LogConfig struct {
	SegmentMaxBytes   int64    `yaml:"segment_max_bytes"`
	RetentionAge      Duration `yaml:"retention_age"`
	RetentionInterval Duration `yaml:"retention_interval"`
	FlushInterval     Duration `yaml:"flush_interval"`
}

// LimitsConfig covers per-connection and per-client resource limits.
type LimitsConfig struct {
	MaxConnections      int `yaml:"max_connections"`
	MaxConnectionsPerIP int `yaml:"max_connections_per_ip"`

	// MaxFrameBytes bounds a single inbound WebSocket message.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`

	// SendQueueSize is the per-connection outbound buffer, in frames.
	SendQueueSize int `yaml:"send_queue_size"`

	// RateLimitPerSec and RateLimitBurst shape inbound messages per
	// connection with a token bucket.
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

// GovernorConfig covers process-level resource supervision.
type GovernorConfig struct {
	SampleInterval Duration `yaml:"sample_interval"`

	// SoftMemoryBytes is the RSS threshold above which the governor forces
	// a GC and starts refusing new work. Zero disables the check.
	SoftMemoryBytes uint64 `yaml:"soft_memory_bytes"`

	// MaxGoroutines refuses new connections above this count.
	// Zero disables the check.
	MaxGoroutines int `yaml:"max_goroutines"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8443,
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Projects: ProjectsConfig{
			DataDir:     defaultDataDir(),
			MaxProjects: 100,
		},
		Execution: ExecutionConfig{
			Binary:         "claude",
			MaxConcurrent:  5,
			Timeout:        Duration(5 * time.Minute),
			KillGrace:      Duration(5 * time.Second),
			MaxPromptBytes: 1 << 20,
		},
		Log: LogConfig{
			SegmentMaxBytes:   1 << 30,
			RetentionAge:      Duration(30 * 24 * time.Hour),
			RetentionInterval: Duration(1 * time.Hour),
			FlushInterval:     Duration(100 * time.Millisecond),
		},
		Limits: LimitsConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 32,
			MaxFrameBytes:       4 << 20,
			SendQueueSize:       256,
			RateLimitPerSec:     50,
			RateLimitBurst:      100,
		},
		Governor: GovernorConfig{
			SampleInterval: Duration(10 * time.Second),
			MaxGoroutines:  50000,
		},
		LogLevel: "info",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".codedock", "data")
}

// Load resolves the configuration from defaults, environment, and an
// optional YAML file (file wins over environment). An empty path skips the
// file; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.applyEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CODEDOCK_* environment variables onto the config.
func (c *Config) applyEnv() {
	envString("CODEDOCK_HOST", &c.Server.Host)
	envInt("CODEDOCK_PORT", &c.Server.Port)
	envString("CODEDOCK_DATA_DIR", &c.Projects.DataDir)
	envString("CODEDOCK_LOG_LEVEL", &c.LogLevel)
	envString("CODEDOCK_AGENT_BINARY", &c.Execution.Binary)
	envInt("CODEDOCK_MAX_PROJECTS", &c.Projects.MaxProjects)
	envInt("CODEDOCK_MAX_CONNECTIONS", &c.Limits.MaxConnections)
	envInt("CODEDOCK_MAX_CONCURRENT_EXECUTIONS", &c.Execution.MaxConcurrent)
	envDuration("CODEDOCK_EXECUTION_TIMEOUT", &c.Execution.Timeout)
	envDuration("CODEDOCK_LOG_RETENTION_AGE", &c.Log.RetentionAge)
	envInt64("CODEDOCK_LOG_SEGMENT_MAX_BYTES", &c.Log.SegmentMaxBytes)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Projects.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Projects.MaxProjects < 1 {
		return fmt.Errorf("max_projects must be at least 1")
	}
	if c.Execution.Binary == "" {
		return fmt.Errorf("execution binary is required")
	}
	if c.Execution.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("execution timeout must be positive")
	}
	if c.Log.SegmentMaxBytes < 1024 {
		return fmt.Errorf("segment_max_bytes must be at least 1024")
	}
	if c.Limits.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1")
	}
	if c.Limits.SendQueueSize < 1 {
		return fmt.Errorf("send_queue_size must be at least 1")
	}
	for _, root := range c.Projects.AllowedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("allowed root %q is not absolute", root)
		}
	}
	return nil
}

// Reloadable is the subset of configuration applied on SIGHUP without a
// restart. Anything else needs a process restart to change.
type Reloadable struct {
	LogLevel        string
	RetentionAge    Duration
	SoftMemoryBytes uint64
}

// ReloadableFrom extracts the hot-reloadable values from a freshly loaded
// configuration.
func ReloadableFrom(c *Config) Reloadable {
	return Reloadable{
		LogLevel:        c.LogLevel,
		RetentionAge:    c.Log.RetentionAge,
		SoftMemoryBytes: c.Governor.SoftMemoryBytes,
	}
}
