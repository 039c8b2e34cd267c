package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// RuntimeConfig is the ambient configuration layer: logging, metrics,
// retry, and circuit-breaker thresholds for the engine's infrastructure
// components. It is independent of the MarFS namespace/repo configuration
// (see marfsconfig.go), which describes placement and is XML-shaped.
// RuntimeConfig is yaml.v2-tagged structs, trimmed to the sections
// MarFS's own ambient stack needs.
type RuntimeConfig struct {
	Global     GlobalConfig     `yaml:"global"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Resource   ResourceConfig   `yaml:"resource"`
}

// GlobalConfig represents global runtime settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	HealthPort  int    `yaml:"health_port"`
}

// NetworkConfig represents DAL/MDAL transport resiliency settings.
type NetworkConfig struct {
	Timeouts       TimeoutConfig        `yaml:"timeouts"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// TimeoutConfig represents DAL open/put/get timeout settings.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Read    time.Duration `yaml:"read"`
	Write   time.Duration `yaml:"write"`
}

// RetryConfig represents the bounded-retry policy for transient I/O
// errors.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents the circuit breaker wrapping DAL calls.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// MonitoringConfig represents metrics/health/logging settings.
type MonitoringConfig struct {
	Metrics      MetricsConfig      `yaml:"metrics"`
	HealthChecks HealthChecksConfig `yaml:"health_checks"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// MetricsConfig represents Prometheus collector settings.
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Prometheus   bool              `yaml:"prometheus"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthChecksConfig represents health check settings.
type HealthChecksConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoggingConfig represents structured logging settings.
type LoggingConfig struct {
	Structured bool   `yaml:"structured"`
	Format     string `yaml:"format"`
}

// ResourceConfig represents resource-manager iteration defaults.
type ResourceConfig struct {
	LogRoot          string `yaml:"log_root"`
	WorkerCount      int    `yaml:"worker_count"`
	ThreadsPerWorker int    `yaml:"threads_per_worker"`
	GCThresholdDays  int    `yaml:"gc_threshold_days"`
	RebuildThreshold int    `yaml:"rebuild_threshold_days"`
}

// NewDefault returns a RuntimeConfig with sensible defaults.
func NewDefault() *RuntimeConfig {
	return &RuntimeConfig{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			MetricsPort: 8080,
			HealthPort:  8081,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 10 * time.Second,
				Read:    30 * time.Second,
				Write:   300 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   1 * time.Second,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          60 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:    true,
				Prometheus: true,
				CustomLabels: map[string]string{
					"service": "marfs",
				},
			},
			HealthChecks: HealthChecksConfig{
				Enabled:  true,
				Interval: 30 * time.Second,
				Timeout:  5 * time.Second,
			},
			Logging: LoggingConfig{
				Structured: true,
				Format:     "json",
			},
		},
		Resource: ResourceConfig{
			LogRoot:          "/var/lib/marfs/resourcelog",
			WorkerCount:      4,
			ThreadsPerWorker: 8,
			GCThresholdDays:  14,
			RebuildThreshold: 3,
		},
	}
}

// LoadFromFile loads the runtime configuration from a YAML file.
func (c *RuntimeConfig) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read runtime config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse runtime config file: %w", err)
	}
	return nil
}

// LoadFromEnv applies MARFS_* environment variable overrides.
func (c *RuntimeConfig) LoadFromEnv() error {
	if val := os.Getenv("MARFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("MARFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("MARFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Global.MetricsPort = port
		}
	}
	if val := os.Getenv("MARFS_RETRY_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Network.Retry.MaxAttempts = n
		}
	}
	if val := os.Getenv("MARFS_CIRCUIT_BREAKER_ENABLED"); val != "" {
		c.Network.CircuitBreaker.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("MARFS_RESOURCE_LOG_ROOT"); val != "" {
		c.Resource.LogRoot = val
	}
	if val := os.Getenv("MARFS_RESOURCE_WORKER_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Resource.WorkerCount = n
		}
	}
	return nil
}

// SaveToFile saves the runtime configuration to a YAML file.
func (c *RuntimeConfig) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal runtime config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create runtime config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write runtime config file: %w", err)
	}
	return nil
}

// Validate validates the runtime configuration.
func (c *RuntimeConfig) Validate() error {
	if c.Network.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("network.retry.max_attempts must be greater than 0")
	}
	if c.Global.MetricsPort == c.Global.HealthPort {
		return fmt.Errorf("metrics_port and health_port cannot be the same")
	}
	if c.Resource.WorkerCount <= 0 {
		return fmt.Errorf("resource.worker_count must be greater than 0")
	}
	if c.Resource.ThreadsPerWorker <= 0 {
		return fmt.Errorf("resource.threads_per_worker must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
