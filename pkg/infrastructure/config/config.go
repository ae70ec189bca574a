package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all ClipForge daemon configuration
type Config struct {
	// HTTP operational surface
	Server ServerConfig `json:"server"`

	// Worker pools, one per supported task type
	Pools []PoolConfig `json:"pools"`

	// Task registry retention and event log
	Registry RegistryConfig `json:"registry"`

	// Health aggregation
	Health HealthConfig `json:"health"`

	// System configuration
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	ListenAddr         string `json:"listen_addr"`
	ShutdownTimeoutSec int    `json:"shutdown_timeout_seconds"`

	// Computed
	ShutdownTimeout time.Duration `json:"-"`
}

// PoolConfig holds the bounds and autoscale policy of one worker pool
type PoolConfig struct {
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	MinWorkers       int     `json:"min_workers"`
	MaxWorkers       int     `json:"max_workers"`
	MaxQueueSize     int     `json:"max_queue_size"`
	TaskTimeoutSec   int     `json:"task_timeout_seconds"`
	ScaleUp          float64 `json:"scale_up_threshold"`
	ScaleDown        float64 `json:"scale_down_threshold"`
	ScaleIntervalSec int     `json:"scale_interval_seconds"`
	IdleTimeoutSec   int     `json:"idle_timeout_seconds"`

	// Computed durations
	TaskTimeout   time.Duration `json:"-"`
	ScaleInterval time.Duration `json:"-"`
	IdleTimeout   time.Duration `json:"-"`
}

// RegistryConfig holds task retention and sweep settings
type RegistryConfig struct {
	RetentionMinutes     int `json:"retention_minutes"`
	SweepIntervalMinutes int `json:"sweep_interval_minutes"`
	EventLogCapacity     int `json:"event_log_capacity"`

	// Computed
	Retention     time.Duration `json:"-"`
	SweepInterval time.Duration `json:"-"`
}

// HealthConfig holds health aggregation settings
type HealthConfig struct {
	WindowSec        int `json:"window_seconds"`
	TargetTaskMs     int `json:"target_task_ms"`
	StatsIntervalSec int `json:"stats_interval_seconds"`

	// Computed
	Window         time.Duration `json:"-"`
	TargetDuration time.Duration `json:"-"`
	StatsInterval  time.Duration `json:"-"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Output string `json:"output"` // console, file, both
	File   string `json:"file,omitempty"`
	Format string `json:"format"` // text, json
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			ListenAddr:         "127.0.0.1:8420",
			ShutdownTimeoutSec: 15,
		},
		Pools: []PoolConfig{
			defaultPool("video", "video_processing", 2, 8),
			defaultPool("image", "image_processing", 1, 4),
			defaultPool("compression", "compression", 1, 4),
			defaultPool("analysis", "analysis", 1, 2),
		},
		Registry: RegistryConfig{
			RetentionMinutes:     60,
			SweepIntervalMinutes: 10,
			EventLogCapacity:     2048,
		},
		Health: HealthConfig{
			WindowSec:        60,
			TargetTaskMs:     30000,
			StatsIntervalSec: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "console",
			Format: "text",
		},
	}
	config.updateComputedFields()
	return config
}

func defaultPool(name, taskType string, min, max int) PoolConfig {
	return PoolConfig{
		Name:             name,
		Type:             taskType,
		MinWorkers:       min,
		MaxWorkers:       max,
		MaxQueueSize:     64,
		TaskTimeoutSec:   120,
		ScaleUp:          0.8,
		ScaleDown:        0.3,
		ScaleIntervalSec: 5,
		IdleTimeoutSec:   30,
	}
}

// LoadConfig loads configuration from file with environment variable overrides
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	config.applyEnvironmentOverrides()
	config.updateComputedFields()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// loadFromFile loads configuration from a JSON file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// SaveToFile writes the configuration to a JSON file
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// updateComputedFields populates computed durations from their integer settings
func (c *Config) updateComputedFields() {
	c.Server.ShutdownTimeout = time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
	for i := range c.Pools {
		c.Pools[i].TaskTimeout = time.Duration(c.Pools[i].TaskTimeoutSec) * time.Second
		c.Pools[i].ScaleInterval = time.Duration(c.Pools[i].ScaleIntervalSec) * time.Second
		c.Pools[i].IdleTimeout = time.Duration(c.Pools[i].IdleTimeoutSec) * time.Second
	}
	c.Registry.Retention = time.Duration(c.Registry.RetentionMinutes) * time.Minute
	c.Registry.SweepInterval = time.Duration(c.Registry.SweepIntervalMinutes) * time.Minute
	c.Health.Window = time.Duration(c.Health.WindowSec) * time.Second
	c.Health.TargetDuration = time.Duration(c.Health.TargetTaskMs) * time.Millisecond
	c.Health.StatsInterval = time.Duration(c.Health.StatsIntervalSec) * time.Second
}

// applyEnvironmentOverrides applies CLIPFORGE_* environment variable overrides
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("CLIPFORGE_LISTEN_ADDR"); val != "" {
		c.Server.ListenAddr = val
	}
	if val := os.Getenv("CLIPFORGE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("CLIPFORGE_LOG_OUTPUT"); val != "" {
		c.Logging.Output = val
	}
	if val := os.Getenv("CLIPFORGE_LOG_FILE"); val != "" {
		c.Logging.File = val
	}
	if val := os.Getenv("CLIPFORGE_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("CLIPFORGE_RETENTION_MINUTES"); val != "" {
		if minutes, err := strconv.Atoi(val); err == nil {
			c.Registry.RetentionMinutes = minutes
		}
	}
	if val := os.Getenv("CLIPFORGE_EVENT_LOG_CAPACITY"); val != "" {
		if capacity, err := strconv.Atoi(val); err == nil {
			c.Registry.EventLogCapacity = capacity
		}
	}
	if val := os.Getenv("CLIPFORGE_MAX_WORKERS"); val != "" {
		if max, err := strconv.Atoi(val); err == nil && max > 0 {
			for i := range c.Pools {
				if c.Pools[i].MaxWorkers > max {
					c.Pools[i].MaxWorkers = max
				}
				if c.Pools[i].MinWorkers > max {
					c.Pools[i].MinWorkers = max
				}
			}
		}
	}
}

// Validate checks the configuration for invalid settings
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}

	seenTypes := make(map[string]bool)
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("pool name must not be empty")
		}
		if p.Type == "" {
			return fmt.Errorf("pool %s: type must not be empty", p.Name)
		}
		if seenTypes[p.Type] {
			return fmt.Errorf("pool %s: duplicate pool for type %s", p.Name, p.Type)
		}
		seenTypes[p.Type] = true
		if p.MinWorkers < 1 {
			return fmt.Errorf("pool %s: min_workers must be at least 1", p.Name)
		}
		if p.MaxWorkers < p.MinWorkers {
			return fmt.Errorf("pool %s: max_workers must be >= min_workers", p.Name)
		}
		if p.MaxQueueSize < 1 {
			return fmt.Errorf("pool %s: max_queue_size must be at least 1", p.Name)
		}
		if p.ScaleUp <= p.ScaleDown {
			return fmt.Errorf("pool %s: scale_up_threshold must exceed scale_down_threshold", p.Name)
		}
		if p.ScaleUp > 1 {
			return fmt.Errorf("pool %s: scale_up_threshold must be within (0,1]", p.Name)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		return fmt.Errorf("logging.output must be one of console, file, both")
	}
	if c.Logging.Output != "console" && c.Logging.File == "" {
		return fmt.Errorf("logging.file is required when output is %q", c.Logging.Output)
	}

	if c.Registry.RetentionMinutes < 1 {
		return fmt.Errorf("registry.retention_minutes must be at least 1")
	}
	if c.Health.WindowSec < 1 {
		return fmt.Errorf("health.window_seconds must be at least 1")
	}
	return nil
}
