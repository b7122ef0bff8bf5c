// Package config loads the leadflow YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full leadflow configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Results    ResultsConfig    `yaml:"results"`
	Providers  []ProviderConfig `yaml:"providers"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`
}

type HTTPConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"` // mounts /debug/pprof
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

type SchedulerConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

type ProcessorConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	ItemTimeout      time.Duration `yaml:"item_timeout"`
	StaleTimeout     time.Duration `yaml:"stale_timeout"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
}

type AggregatorConfig struct {
	ProviderCap       int `yaml:"provider_cap"`
	OverRequestFactor int `yaml:"over_request_factor"`
	LowYieldThreshold int `yaml:"low_yield_threshold"`
	LowYieldRemaining int `yaml:"low_yield_remaining"`
}

type DispatchConfig struct {
	Timeout  time.Duration `yaml:"timeout"`
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
	AMQPURL  string        `yaml:"amqp_url"`
}

// ResultsConfig selects where completed batches go. An empty Dir keeps no
// files and only mints handles.
type ResultsConfig struct {
	Dir string `yaml:"dir"`
}

// ProviderConfig registers one HTTP JSON source. List order is cascade order.
type ProviderConfig struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
	Cap       int               `yaml:"cap"`
	RateEvery time.Duration     `yaml:"rate_every"`
	Burst     int               `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "leadflow.db"},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Logging:  LoggingConfig{Level: "info", Format: "console"},
		Scheduler: SchedulerConfig{
			CheckInterval: 30 * time.Second,
		},
		Processor: ProcessorConfig{
			PollInterval: 2 * time.Second,
			ItemTimeout:  10 * time.Minute,
			RetryDelay:   5 * time.Minute,
		},
		Aggregator: AggregatorConfig{
			ProviderCap:       100,
			OverRequestFactor: 2,
			LowYieldThreshold: 5,
			LowYieldRemaining: 10,
		},
		Dispatch: DispatchConfig{
			Timeout:  10 * time.Second,
			Attempts: 3,
			Backoff:  time.Second,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDerived()
	return cfg, cfg.Validate()
}

func (c *Config) applyDerived() {
	if c.Processor.StaleTimeout == 0 {
		c.Processor.StaleTimeout = 2 * c.Processor.ItemTimeout
	}
	for i := range c.Providers {
		if c.Providers[i].Cap == 0 {
			c.Providers[i].Cap = c.Aggregator.ProviderCap
		}
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver: unsupported %q (use sqlite or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported %q (use console or json)", c.Logging.Format)
	}
	if c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.check_interval must be > 0")
	}
	if c.Processor.PollInterval <= 0 {
		return fmt.Errorf("processor.poll_interval must be > 0")
	}
	if c.Processor.ItemTimeout <= 0 {
		return fmt.Errorf("processor.item_timeout must be > 0")
	}
	if c.Processor.StaleTimeout < c.Processor.ItemTimeout {
		return fmt.Errorf("processor.stale_timeout must be >= item_timeout")
	}
	if c.Processor.MaxRetryAttempts < 0 {
		return fmt.Errorf("processor.max_retry_attempts must be >= 0")
	}
	if c.Aggregator.OverRequestFactor < 1 {
		return fmt.Errorf("aggregator.over_request_factor must be >= 1")
	}
	if c.Dispatch.Attempts < 1 {
		return fmt.Errorf("dispatch.attempts must be >= 1")
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.URL == "" {
			return fmt.Errorf("providers[%d]: url is required", i)
		}
		if p.Cap < 0 {
			return fmt.Errorf("providers[%d]: cap must be >= 0", i)
		}
	}
	return nil
}
