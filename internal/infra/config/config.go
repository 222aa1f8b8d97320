// Package config loads coordinator configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"  envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"` // "text" or "json"
	Output string `yaml:"output" envconfig:"LOG_OUTPUT"` // "stdout", "stderr", or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"  envconfig:"TRACE_ENABLED"`
	Exporter string `yaml:"exporter" envconfig:"TRACE_EXPORTER"` // "stdout" or "noop"
}

// CoordinatorConfig holds the core coordination knobs. Per-definition config
// overrides inherit from these defaults.
type CoordinatorConfig struct {
	MaxConcurrentAgents int           `yaml:"max_concurrent_agents" envconfig:"MAX_CONCURRENT_AGENTS"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"    envconfig:"HEARTBEAT_INTERVAL"`
	TaskTimeout         time.Duration `yaml:"task_timeout"          envconfig:"TASK_TIMEOUT"`
	MaxRetries          int           `yaml:"max_retries"           envconfig:"MAX_RETRIES"`
	RequestTimeout      time.Duration `yaml:"request_timeout"       envconfig:"REQUEST_TIMEOUT"`

	// Breaker gates the optional circuit breaker around Execute hooks.
	Breaker BreakerConfig `yaml:"breaker"`

	// Supervision tunes the health supervisor and its maintenance cycle.
	Supervision SupervisionConfig `yaml:"supervision"`
}

// BreakerConfig configures per-instance circuit breakers. Disabled by
// default so dispatch semantics are unchanged unless opted in.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"      envconfig:"BREAKER_ENABLED"`
	MaxFailures uint32        `yaml:"max_failures" envconfig:"BREAKER_MAX_FAILURES"`
	Timeout     time.Duration `yaml:"timeout"      envconfig:"BREAKER_TIMEOUT"`
}

// SupervisionConfig tunes health probing and background maintenance.
type SupervisionConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" envconfig:"FAILURE_THRESHOLD"`
	IdleThreshold    time.Duration `yaml:"idle_threshold"    envconfig:"IDLE_THRESHOLD"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"      envconfig:"IDLE_TIMEOUT"`
	MaintenanceEvery time.Duration `yaml:"maintenance_every" envconfig:"MAINTENANCE_EVERY"`
	SnapshotTTL      time.Duration `yaml:"snapshot_ttl"      envconfig:"SNAPSHOT_TTL"`
	ErrorLogTrim     int           `yaml:"error_log_trim"    envconfig:"ERROR_LOG_TRIM"`
	DegradedAbove    int           `yaml:"degraded_above"    envconfig:"DEGRADED_ABOVE"`

	// RestartsPerMinute caps forced restarts so a crash-looping definition
	// cannot hot-loop terminate/redeploy.
	RestartsPerMinute int `yaml:"restarts_per_minute" envconfig:"RESTARTS_PER_MINUTE"`
}

// Config is the top-level application configuration.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			MaxConcurrentAgents: 50,
			HeartbeatInterval:   5 * time.Second,
			TaskTimeout:         30 * time.Second,
			MaxRetries:          3,
			RequestTimeout:      10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
			Supervision: SupervisionConfig{
				FailureThreshold:  3,
				IdleThreshold:     5 * time.Second,
				IdleTimeout:       15 * time.Second,
				MaintenanceEvery:  30 * time.Second,
				SnapshotTTL:       time.Hour,
				ErrorLogTrim:      100,
				DegradedAbove:     10,
				RestartsPerMinute: 10,
			},
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Enabled: false, Exporter: "noop"},
	}
}

// Load reads the YAML file at path (if it exists) on top of the defaults,
// then applies AGENTCORE_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	// envconfig chains nested struct names into the key, which would bury the
	// documented flat AGENTCORE_* names. Process each section directly so the
	// envconfig tags resolve as AGENTCORE_<TAG>.
	for _, section := range []any{
		&cfg.Coordinator,
		&cfg.Coordinator.Breaker,
		&cfg.Coordinator.Supervision,
		&cfg.Logger,
		&cfg.Tracer,
	} {
		if err := envconfig.Process("agentcore", section); err != nil {
			return Config{}, fmt.Errorf("apply env overrides: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with.
func (c Config) Validate() error {
	if c.Coordinator.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("coordinator.max_concurrent_agents must be positive")
	}
	if c.Coordinator.HeartbeatInterval <= 0 {
		return fmt.Errorf("coordinator.heartbeat_interval must be positive")
	}
	if c.Coordinator.TaskTimeout <= 0 {
		return fmt.Errorf("coordinator.task_timeout must be positive")
	}
	if c.Coordinator.Supervision.FailureThreshold <= 0 {
		return fmt.Errorf("coordinator.supervision.failure_threshold must be positive")
	}
	return nil
}
