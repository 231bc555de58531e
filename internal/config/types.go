package config

import "time"

// Config represents the complete callbackd configuration.
type Config struct {
	Service        ServiceConfig   `yaml:"service"         envPrefix:"SERVICE_"`
	Store          StoreConfig     `yaml:"store"           envPrefix:"STORE_"`
	Workers        WorkersConfig   `yaml:"workers"         envPrefix:"WORKERS_"`
	WorkerDefaults WorkerConfig    `yaml:"worker_defaults" envPrefix:"WORKER_DEFAULTS_"`
	Dispatch       DispatchConfig  `yaml:"dispatch"        envPrefix:"DISPATCH_"`
	WriteBack      WriteBackConfig `yaml:"writeback"       envPrefix:"WRITEBACK_"`
	Reaper         ReaperConfig    `yaml:"reaper"          envPrefix:"REAPER_"`
	Ops            OpsConfig       `yaml:"ops"             envPrefix:"OPS_"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"       env:"NAME"`
	LogLevel  string `yaml:"log_level"  env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
	// PIDFile, when set, makes start refuse to run alongside another
	// supervisor holding the same file.
	PIDFile string `yaml:"pid_file" env:"PID_FILE"`
}

// StoreConfig selects and locates the event store.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver   string `yaml:"driver"    env:"DRIVER"`
	Path     string `yaml:"path"      env:"PATH"`
	DSN      string `yaml:"dsn"       env:"DSN"`
	MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`
}

// WorkersConfig controls how many worker loops the supervisor starts.
type WorkersConfig struct {
	Count int `yaml:"count" env:"COUNT"`
}

// WorkerConfig holds the per-cycle tunables. It is loaded once at startup,
// normally from the dispatcher_config row, and copied into every worker.
type WorkerConfig struct {
	BatchSize       int           `yaml:"batch_size"       env:"BATCH_SIZE"`
	TickInterval    time.Duration `yaml:"tick_interval"    env:"TICK_INTERVAL"`
	CallbackTimeout time.Duration `yaml:"callback_timeout" env:"CALLBACK_TIMEOUT"`
	MaxRetries      int           `yaml:"max_retries"      env:"MAX_RETRIES"`
}

// DispatchConfig tunes outbound callback execution.
type DispatchConfig struct {
	// MaxInFlight caps concurrent callbacks per cycle. Zero means unbounded.
	// With a cap, a slow endpoint delays the rest of its batch.
	MaxInFlight      int           `yaml:"max_in_flight"      env:"MAX_IN_FLIGHT"`
	MaxResponseBytes int64         `yaml:"max_response_bytes" env:"MAX_RESPONSE_BYTES"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"      env:"RETRY_BACKOFF"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"  env:"RETRY_BACKOFF_MAX"`
	SigningSecret    string        `yaml:"signing_secret"     env:"SIGNING_SECRET"`
}

// WriteBackConfig defines how hard a worker tries to persist cycle results.
type WriteBackConfig struct {
	Attempts int           `yaml:"attempts" env:"ATTEMPTS"`
	Backoff  time.Duration `yaml:"backoff"  env:"BACKOFF"`
}

// ReaperConfig defines stale claim recovery.
type ReaperConfig struct {
	Enabled  bool          `yaml:"enabled"  env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Grace    time.Duration `yaml:"grace"    env:"GRACE"`
}

// OpsConfig defines the read-only health/metrics listener.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Listen  string `yaml:"listen"  env:"LISTEN"`
}

// DefaultWorkerConfig returns the fallback used when no config row exists.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:       200,
		TickInterval:    10 * time.Second,
		CallbackTimeout: 5 * time.Second,
		MaxRetries:      5,
	}
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "callbackd",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Store: StoreConfig{
			Driver:   DriverSQLite,
			Path:     "./data/callbackd.db",
			MaxConns: 10,
		},
		Workers: WorkersConfig{
			Count: 2,
		},
		WorkerDefaults: DefaultWorkerConfig(),
		Dispatch: DispatchConfig{
			MaxResponseBytes: 64 * 1024,
			RetryBackoffMax:  time.Hour,
		},
		WriteBack: WriteBackConfig{
			Attempts: 3,
			Backoff:  200 * time.Millisecond,
		},
		Reaper: ReaperConfig{
			Enabled:  true,
			Interval: time.Minute,
			Grace:    5 * time.Minute,
		},
		Ops: OpsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9090",
		},
	}
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
