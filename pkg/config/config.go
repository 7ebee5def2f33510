package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TaskTypeOverride carries per-task-type tuning
type TaskTypeOverride struct {
	ExecutionTimeoutSec int `yaml:"executionTimeoutSec"`
	MaxRetries          int `yaml:"maxRetries"`
}

// Config holds the master configuration
type Config struct {
	EnvironmentName string `yaml:"environmentName"`
	JournalRoot     string `yaml:"journalRoot"`
	DataDir         string `yaml:"dataDir"`

	ListenAddr  string `yaml:"listenAddr"`
	APIAddr     string `yaml:"apiAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`

	HeartbeatIntervalSec        int `yaml:"heartbeatIntervalSec"`
	OfflineAfterMissedIntervals int `yaml:"offlineAfterMissedIntervals"`
	ReadinessTimeoutSec         int `yaml:"readinessTimeoutSec"`
	ExecutionTimeoutSec         int `yaml:"executionTimeoutSec"`
	CancelGraceSec              int `yaml:"cancelGraceSec"`
	LogFlushTimeoutSec          int `yaml:"logFlushTimeoutSec"`
	ActionIDGraceSec            int `yaml:"actionIdGraceSec"`

	MaxConcurrentMasterActions int  `yaml:"maxConcurrentMasterActions"`
	MaxRetries                 int  `yaml:"maxRetries"`
	FailFastOnNodeOffline      bool `yaml:"failFastOnNodeOffline"`

	TaskTypeOverrides map[string]TaskTypeOverride `yaml:"taskTypeOverrides"`
}

// Default returns a config populated with the documented defaults
func Default() *Config {
	return &Config{
		JournalRoot: "/var/lib/sitekeeper/journal",
		DataDir:     "/var/lib/sitekeeper",

		ListenAddr:  ":7400",
		APIAddr:     ":7401",
		MetricsAddr: ":7402",
		LogLevel:    "info",

		HeartbeatIntervalSec:        15,
		OfflineAfterMissedIntervals: 3,
		ReadinessTimeoutSec:         30,
		ExecutionTimeoutSec:         600,
		CancelGraceSec:              15,
		LogFlushTimeoutSec:          10,
		ActionIDGraceSec:            60,

		MaxConcurrentMasterActions: 1,
		MaxRetries:                 0,

		TaskTypeOverrides: make(map[string]TaskTypeOverride),
	}
}

// Load reads a YAML config file and applies it over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required options
func (c *Config) Validate() error {
	if c.EnvironmentName == "" {
		return fmt.Errorf("environmentName is required")
	}
	if c.MaxConcurrentMasterActions < 1 {
		return fmt.Errorf("maxConcurrentMasterActions must be at least 1")
	}
	return nil
}

// HeartbeatInterval returns the heartbeat interval as a duration
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// ReadinessTimeout returns the readiness-gate timeout as a duration
func (c *Config) ReadinessTimeout() time.Duration {
	return time.Duration(c.ReadinessTimeoutSec) * time.Second
}

// ExecutionTimeout returns the execution timeout for a task type, honoring
// per-type overrides and falling back to the global default.
func (c *Config) ExecutionTimeout(taskType string) time.Duration {
	if o, ok := c.TaskTypeOverrides[taskType]; ok && o.ExecutionTimeoutSec > 0 {
		return time.Duration(o.ExecutionTimeoutSec) * time.Second
	}
	return time.Duration(c.ExecutionTimeoutSec) * time.Second
}

// RetryLimit returns the max retries for a task type
func (c *Config) RetryLimit(taskType string) int {
	if o, ok := c.TaskTypeOverrides[taskType]; ok && o.MaxRetries > 0 {
		return o.MaxRetries
	}
	return c.MaxRetries
}

// CancelGrace returns the cancellation grace period as a duration
func (c *Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSec) * time.Second
}

// LogFlushTimeout returns the log-flush handshake timeout as a duration
func (c *Config) LogFlushTimeout() time.Duration {
	return time.Duration(c.LogFlushTimeoutSec) * time.Second
}

// ActionIDGrace returns the id-mapping grace window as a duration
func (c *Config) ActionIDGrace() time.Duration {
	return time.Duration(c.ActionIDGraceSec) * time.Second
}
