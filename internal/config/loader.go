package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. CALLBACKD_STORE_DSN.
const EnvPrefix = "CALLBACKD_"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, then applies environment
// overrides. An empty path skips the file and starts from Defaults().
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
		}

		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		if info.IsDir() {
			absPath = filepath.Join(absPath, "config.yaml")
			if _, err := os.Stat(absPath); err != nil {
				return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
			}
		}

		if err := loadConfigFile(absPath, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadConfigFile decodes path over cfg, so keys absent from the file keep
// their current values.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validate can report it.
		return match
	})
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = defaults.Store.Driver
	}
	cfg.Store.Driver = strings.ToLower(cfg.Store.Driver)
	if cfg.Store.Driver == DriverSQLite && cfg.Store.Path == "" {
		cfg.Store.Path = defaults.Store.Path
	}
	if cfg.Store.MaxConns == 0 {
		cfg.Store.MaxConns = defaults.Store.MaxConns
	}

	if cfg.Workers.Count == 0 {
		cfg.Workers.Count = defaults.Workers.Count
	}

	cfg.WorkerDefaults = cfg.WorkerDefaults.WithFallback(defaults.WorkerDefaults)

	if cfg.Dispatch.MaxResponseBytes == 0 {
		cfg.Dispatch.MaxResponseBytes = defaults.Dispatch.MaxResponseBytes
	}
	if cfg.Dispatch.RetryBackoffMax == 0 {
		cfg.Dispatch.RetryBackoffMax = defaults.Dispatch.RetryBackoffMax
	}

	if cfg.WriteBack.Attempts == 0 {
		cfg.WriteBack.Attempts = defaults.WriteBack.Attempts
	}
	if cfg.WriteBack.Backoff == 0 {
		cfg.WriteBack.Backoff = defaults.WriteBack.Backoff
	}

	if cfg.Reaper.Interval == 0 {
		cfg.Reaper.Interval = defaults.Reaper.Interval
	}
	if cfg.Reaper.Grace == 0 {
		cfg.Reaper.Grace = defaults.Reaper.Grace
	}

	if cfg.Ops.Listen == "" {
		cfg.Ops.Listen = defaults.Ops.Listen
	}

	return cfg
}

// WithFallback fills zero-valued fields from fb.
func (w WorkerConfig) WithFallback(fb WorkerConfig) WorkerConfig {
	if w.BatchSize <= 0 {
		w.BatchSize = fb.BatchSize
	}
	if w.TickInterval <= 0 {
		w.TickInterval = fb.TickInterval
	}
	if w.CallbackTimeout <= 0 {
		w.CallbackTimeout = fb.CallbackTimeout
	}
	if w.MaxRetries < 0 {
		w.MaxRetries = fb.MaxRetries
	}
	return w
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	switch cfg.Store.Driver {
	case DriverSQLite:
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
		if m := envVarPattern.FindStringSubmatch(cfg.Store.DSN); len(m) > 1 {
			return fmt.Errorf("store.dsn: environment variable ${%s} is not set", m[1])
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres (got %q)", cfg.Store.Driver)
	}

	if cfg.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1")
	}

	if err := cfg.WorkerDefaults.Validate(); err != nil {
		return fmt.Errorf("worker_defaults: %w", err)
	}

	if cfg.Dispatch.MaxInFlight < 0 {
		return fmt.Errorf("dispatch.max_in_flight must not be negative")
	}
	if cfg.Dispatch.RetryBackoff < 0 || cfg.Dispatch.RetryBackoffMax < 0 {
		return fmt.Errorf("dispatch retry backoff values must not be negative")
	}

	if cfg.WriteBack.Attempts < 1 {
		return fmt.Errorf("writeback.attempts must be at least 1")
	}

	if cfg.Reaper.Enabled {
		if cfg.Reaper.Interval <= 0 {
			return fmt.Errorf("reaper.interval must be positive")
		}
		if bound := cfg.CycleBound(cfg.WorkerDefaults); cfg.Reaper.Grace <= bound {
			return fmt.Errorf("reaper.grace %s must exceed the longest possible cycle %s", cfg.Reaper.Grace, bound)
		}
	}

	return nil
}

// Validate reports whether the tunables can drive a worker.
func (w WorkerConfig) Validate() error {
	if w.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if w.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive")
	}
	if w.CallbackTimeout <= 0 {
		return fmt.Errorf("callback_timeout must be positive")
	}
	if w.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

// cycleMargin covers claim and write-back statement time on top of the
// callback and backoff waits.
const cycleMargin = time.Second

// CycleBound is the longest a worker running wc can hold a claim: every wave
// of callbacks hitting its timeout, then every write-back attempt failing
// after its full backoff. A claim younger than this may belong to a running
// cycle, so reaper.grace must exceed it.
func (c *Config) CycleBound(wc WorkerConfig) time.Duration {
	waves := 1
	if n := c.Dispatch.MaxInFlight; n > 0 && n < wc.BatchSize {
		waves = (wc.BatchSize + n - 1) / n
	}
	bound := time.Duration(waves) * wc.CallbackTimeout

	delay := c.WriteBack.Backoff
	for range max(c.WriteBack.Attempts-1, 0) {
		bound += delay
		delay *= 2
	}
	return bound + cycleMargin
}
