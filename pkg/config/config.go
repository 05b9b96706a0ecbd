// Package config provides configuration structures and loading logic for the
// pipeline engine.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-pipeline/internal/governance"
	"github.com/polisai/polis-pipeline/pkg/domain"
	"github.com/polisai/polis-pipeline/pkg/logging"
	"github.com/polisai/polis-pipeline/pkg/pool"
	"github.com/polisai/polis-pipeline/pkg/telemetry"
)

// Runtime kinds.
const (
	RuntimeDocker = "docker"
	RuntimeLocal  = "local"
)

// Config holds the global configuration of the engine.
type Config struct {
	Pool      PoolConfig       `yaml:"pool"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Storage   StorageConfig    `yaml:"storage"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   logging.Config   `yaml:"logging"`
	Control   ControlConfig    `yaml:"control"`
}

// PoolConfig bounds the containers a pipeline may hold. Zero means
// unlimited.
type PoolConfig struct {
	MaxContainers     int           `yaml:"max_containers"`
	MaxCPU            float64       `yaml:"max_cpu"`
	MaxMemGB          float64       `yaml:"max_mem_gb"`
	LaunchesPerSecond int           `yaml:"launches_per_second"`
	LaunchBurst       int           `yaml:"launch_burst"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// Limits converts the configuration into pool limits.
func (c PoolConfig) Limits() pool.Limits {
	return pool.Limits{
		MaxContainers:     c.MaxContainers,
		MaxCPU:            c.MaxCPU,
		MaxMemGB:          c.MaxMemGB,
		LaunchesPerSecond: c.LaunchesPerSecond,
		LaunchBurst:       c.LaunchBurst,
		IdleTimeout:       c.IdleTimeout,
	}
}

// SchedulerConfig tunes how nodes wait for capacity.
type SchedulerConfig struct {
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            *bool         `yaml:"jitter"`
}

// Backoff converts the configuration into a backoff policy configuration.
func (c SchedulerConfig) Backoff() governance.BackoffConfig {
	cfg := governance.DefaultBackoffConfig()
	if c.InitialBackoff > 0 {
		cfg.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		cfg.MaxBackoff = c.MaxBackoff
	}
	if c.BackoffMultiplier > 0 {
		cfg.BackoffMultiplier = c.BackoffMultiplier
	}
	if c.Jitter != nil {
		cfg.Jitter = *c.Jitter
	}
	return cfg
}

// RuntimeConfig selects where containers run.
type RuntimeConfig struct {
	Kind         string `yaml:"kind"`
	DockerBinary string `yaml:"docker_binary"`
	// WorkDir is the root of per-container working directories of the local
	// runtime.
	WorkDir string `yaml:"work_dir"`
}

// StorageConfig selects where pipeline snapshots go. An empty SnapshotDir
// keeps them in memory.
type StorageConfig struct {
	SnapshotDir string `yaml:"snapshot_dir"`
}

// ControlConfig configures the live control HTTP server. An empty address
// disables it.
type ControlConfig struct {
	Address string `yaml:"address"`
	// DataURL is the base URL commands use to reach the data API. Derived
	// from Address when empty; set it when containers cannot reach the
	// engine's host as localhost.
	DataURL string `yaml:"data_url"`
}

// DataEndpoint returns the data API URL handed to commands, or "" when the
// control server is disabled.
func (c ControlConfig) DataEndpoint() string {
	if c.DataURL != "" {
		return strings.TrimRight(c.DataURL, "/")
	}
	if c.Address == "" {
		return ""
	}
	host, port, err := net.SplitHostPort(c.Address)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/data"
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Kind:         RuntimeDocker,
			DockerBinary: "docker",
		},
		Logging: logging.Config{
			Level: "info",
		},
		Telemetry: telemetry.Config{
			ServiceName: "polis-pipeline",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	ints := map[string]*int{
		"POLIS_PIPELINE_MAX_CONTAINERS":      &cfg.Pool.MaxContainers,
		"POLIS_PIPELINE_LAUNCHES_PER_SECOND": &cfg.Pool.LaunchesPerSecond,
	}
	for name, dst := range ints {
		if val := os.Getenv(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", domain.ErrConfigInvalid, name, err)
			}
			*dst = n
		}
	}
	floats := map[string]*float64{
		"POLIS_PIPELINE_MAX_CPU":    &cfg.Pool.MaxCPU,
		"POLIS_PIPELINE_MAX_MEM_GB": &cfg.Pool.MaxMemGB,
	}
	for name, dst := range floats {
		if val := os.Getenv(name); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", domain.ErrConfigInvalid, name, err)
			}
			*dst = f
		}
	}

	if val := os.Getenv("POLIS_PIPELINE_RUNTIME"); val != "" {
		cfg.Runtime.Kind = val
	}
	if val := os.Getenv("POLIS_PIPELINE_DOCKER_BINARY"); val != "" {
		cfg.Runtime.DockerBinary = val
	}
	if val := os.Getenv("POLIS_PIPELINE_SNAPSHOT_DIR"); val != "" {
		cfg.Storage.SnapshotDir = val
	}
	if val := os.Getenv("POLIS_PIPELINE_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.Endpoint = val
	}
	if val := os.Getenv("POLIS_PIPELINE_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("POLIS_PIPELINE_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_PIPELINE_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
	if val := os.Getenv("POLIS_PIPELINE_CONTROL_ADDR"); val != "" {
		cfg.Control.Address = val
	}
	if val := os.Getenv("POLIS_PIPELINE_DATA_URL"); val != "" {
		cfg.Control.DataURL = val
	}
	return nil
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool configuration: %w", err)
	}
	if err := c.Scheduler.Backoff().Validate(); err != nil {
		return fmt.Errorf("scheduler configuration: %w", err)
	}
	if err := c.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime configuration: %w", err)
	}
	if err := validateLogging(&c.Logging); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry configuration: sample_ratio must be within [0, 1]")
	}
	return nil
}

// Validate performs validation of pool limits
func (c *PoolConfig) Validate() error {
	switch {
	case c.MaxContainers < 0:
		return fmt.Errorf("max_containers must not be negative")
	case c.MaxCPU < 0:
		return fmt.Errorf("max_cpu must not be negative")
	case c.MaxMemGB < 0:
		return fmt.Errorf("max_mem_gb must not be negative")
	case c.LaunchesPerSecond < 0 || c.LaunchBurst < 0:
		return fmt.Errorf("launch rate must not be negative")
	case c.IdleTimeout < 0:
		return fmt.Errorf("idle_timeout must not be negative")
	}
	return nil
}

// Validate performs validation of the runtime selection
func (c *RuntimeConfig) Validate() error {
	c.Kind = strings.ToLower(strings.TrimSpace(c.Kind))
	switch c.Kind {
	case "":
		c.Kind = RuntimeDocker
	case RuntimeDocker, RuntimeLocal:
	default:
		return fmt.Errorf("invalid runtime %q, supported runtimes: docker, local", c.Kind)
	}
	if c.Kind == RuntimeDocker && strings.TrimSpace(c.DockerBinary) == "" {
		c.DockerBinary = "docker"
	}
	return nil
}

func validateLogging(c *logging.Config) error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
