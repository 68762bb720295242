package config

import (
	"fmt"
	"time"
)

// Config represents the complete configuration for a demux process.
type Config struct {
	// Reader contains the action reader configuration
	Reader ReaderConfig `yaml:"reader" json:"reader" toml:"reader"`

	// Watcher contains the action watcher configuration
	Watcher WatcherConfig `yaml:"watcher" json:"watcher" toml:"watcher"`

	// Chain contains the chain adapter configuration
	Chain ChainConfig `yaml:"chain" json:"chain" toml:"chain"`

	// DB contains the datastore configuration
	DB DatabaseConfig `yaml:"db" json:"db" toml:"db"`

	// Logging contains the logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging" toml:"logging"`

	// Metrics contains the metrics server configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics" toml:"metrics"`
}

// ReaderConfig represents the configuration for the action reader.
type ReaderConfig struct {
	// StartAtBlock is the first block to ingest
	StartAtBlock uint64 `yaml:"start_at_block" json:"start_at_block" toml:"start_at_block"`

	// OnlyIrreversible gates the reader on the last irreversible block
	OnlyIrreversible bool `yaml:"only_irreversible" json:"only_irreversible" toml:"only_irreversible"`

	// HistoryWindow is the fork-detection depth in blocks. It must be at
	// least the maximum expected fork depth of the chain.
	HistoryWindow uint32 `yaml:"history_window" json:"history_window" toml:"history_window"`
}

// ApplyDefaults sets default values for optional reader configuration fields.
func (r *ReaderConfig) ApplyDefaults() {
	if r.StartAtBlock == 0 {
		r.StartAtBlock = 1
	}
	if r.HistoryWindow == 0 {
		r.HistoryWindow = 180
	}
}

// WatcherConfig represents the configuration for the action watcher.
type WatcherConfig struct {
	// PollInterval is the sleep between polls when the head is caught up.
	// Typical value: half the chain's block time.
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval" toml:"poll_interval"`

	// MaxRetries is the retry budget per block for transient failures
	MaxRetries uint32 `yaml:"max_retries" json:"max_retries" toml:"max_retries"`

	// EffectRunMode is "fire-and-forget" or "await"
	EffectRunMode string `yaml:"effect_run_mode" json:"effect_run_mode" toml:"effect_run_mode"`

	// ReplayTarget overrides the replay boundary. Zero means the chain
	// head observed when ingestion starts.
	ReplayTarget uint64 `yaml:"replay_target" json:"replay_target" toml:"replay_target"`
}

// ApplyDefaults sets default values for optional watcher configuration fields.
func (w *WatcherConfig) ApplyDefaults() {
	if w.PollInterval.Duration == 0 {
		w.PollInterval = NewDuration(250 * time.Millisecond)
	}
	if w.MaxRetries == 0 {
		w.MaxRetries = 10
	}
	if w.EffectRunMode == "" {
		w.EffectRunMode = "fire-and-forget"
	}
}

// ChainConfig represents the configuration for the chain adapter.
type ChainConfig struct {
	// RPCURL is the chain RPC endpoint URL
	RPCURL string `yaml:"rpc_url" json:"rpc_url" toml:"rpc_url"`

	// RequestTimeout is the per-call deadline for chain RPC requests
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout" toml:"request_timeout"`

	// Addresses restricts extracted actions to these contract addresses.
	// Empty means all addresses.
	Addresses []string `yaml:"addresses" json:"addresses" toml:"addresses"`

	// Topics restricts extracted actions to these topic0 values.
	// Empty means all topics.
	Topics []string `yaml:"topics" json:"topics" toml:"topics"`

	// Retry contains the RPC retry configuration
	Retry *RetryConfig `yaml:"retry" json:"retry" toml:"retry"`
}

// ApplyDefaults sets default values for optional chain configuration fields.
func (c *ChainConfig) ApplyDefaults() {
	if c.RequestTimeout.Duration == 0 {
		c.RequestTimeout = NewDuration(30 * time.Second)
	}
	if c.Retry == nil {
		c.Retry = &RetryConfig{}
	}
	c.Retry.ApplyDefaults()
}

// RetryConfig represents retry behavior for chain RPC calls.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts per call
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`

	// InitialBackoff is the backoff before the second attempt
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff" toml:"initial_backoff"`

	// MaxBackoff caps the backoff between attempts
	MaxBackoff Duration `yaml:"max_backoff" json:"max_backoff" toml:"max_backoff"`

	// BackoffMultiplier is the exponential growth factor
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier" toml:"backoff_multiplier"`
}

// ApplyDefaults sets default values for optional retry configuration fields.
func (r *RetryConfig) ApplyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.InitialBackoff.Duration == 0 {
		r.InitialBackoff = NewDuration(500 * time.Millisecond)
	}
	if r.MaxBackoff.Duration == 0 {
		r.MaxBackoff = NewDuration(30 * time.Second)
	}
	if r.BackoffMultiplier == 0 {
		r.BackoffMultiplier = 2.0
	}
}

// DatabaseConfig represents the sqlite datastore configuration.
type DatabaseConfig struct {
	// Path is the file path to the SQLite database
	Path string `yaml:"path" json:"path" toml:"path"`

	// JournalMode sets the SQLite journal mode (e.g., "WAL", "DELETE")
	// WAL mode is recommended for better concurrency
	JournalMode string `yaml:"journal_mode" json:"journal_mode" toml:"journal_mode"`

	// Synchronous sets the synchronization level ("FULL", "NORMAL", "OFF")
	Synchronous string `yaml:"synchronous" json:"synchronous" toml:"synchronous"`

	// BusyTimeout is the time in milliseconds to wait when the database is locked
	BusyTimeout int `yaml:"busy_timeout" json:"busy_timeout" toml:"busy_timeout"`

	// CacheSize is the size of the page cache (negative = KB, positive = pages)
	CacheSize int `yaml:"cache_size" json:"cache_size" toml:"cache_size"`

	// MaxOpenConnections is the maximum number of open database connections
	MaxOpenConnections int `yaml:"max_open_connections" json:"max_open_connections" toml:"max_open_connections"`

	// MaxIdleConnections is the maximum number of idle connections in the pool
	MaxIdleConnections int `yaml:"max_idle_connections" json:"max_idle_connections" toml:"max_idle_connections"`

	// EnableForeignKeys enables foreign key constraint enforcement
	EnableForeignKeys bool `yaml:"enable_foreign_keys" json:"enable_foreign_keys" toml:"enable_foreign_keys"`

	// BlockJournalRetention is the number of applied-block journal rows
	// kept behind the cursor for rollback hash recovery. It must cover at
	// least the reader's history window.
	BlockJournalRetention uint64 `yaml:"block_journal_retention" json:"block_journal_retention" toml:"block_journal_retention"`
}

// ApplyDefaults sets default values for optional database configuration fields.
func (d *DatabaseConfig) ApplyDefaults() {
	if d.JournalMode == "" {
		d.JournalMode = "WAL"
	}
	if d.Synchronous == "" {
		d.Synchronous = "NORMAL"
	}
	if d.BusyTimeout == 0 {
		d.BusyTimeout = 5000
	}
	if d.CacheSize == 0 {
		d.CacheSize = 10000
	}
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 25
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
	if d.BlockJournalRetention == 0 {
		d.BlockJournalRetention = 360
	}
	// EnableForeignKeys defaults to false (zero value)
}

// LoggingConfig represents the logging configuration.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error"
	Level string `yaml:"level" json:"level" toml:"level"`

	// Development enables the console encoder and stack traces
	Development bool `yaml:"development" json:"development" toml:"development"`
}

// ApplyDefaults sets default values for optional logging configuration fields.
func (l *LoggingConfig) ApplyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
}

// MetricsConfig represents the metrics server configuration.
type MetricsConfig struct {
	// Enabled toggles the metrics HTTP server
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// ListenAddress is the host:port the metrics server binds to
	ListenAddress string `yaml:"listen_address" json:"listen_address" toml:"listen_address"`

	// Path is the HTTP path metrics are exposed on
	Path string `yaml:"path" json:"path" toml:"path"`
}

// ApplyDefaults sets default values for optional metrics configuration fields.
func (m *MetricsConfig) ApplyDefaults() {
	if m.ListenAddress == "" {
		m.ListenAddress = ":9090"
	}
	if m.Path == "" {
		m.Path = "/metrics"
	}
}

// ApplyDefaults sets default values for optional configuration fields.
func (c *Config) ApplyDefaults() {
	c.Reader.ApplyDefaults()
	c.Watcher.ApplyDefaults()
	c.Chain.ApplyDefaults()
	c.DB.ApplyDefaults()
	c.Logging.ApplyDefaults()
	c.Metrics.ApplyDefaults()
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}

	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}

	if c.Reader.StartAtBlock == 0 {
		return fmt.Errorf("reader.start_at_block must be >= 1")
	}

	if c.Reader.HistoryWindow == 0 {
		return fmt.Errorf("reader.history_window must be > 0")
	}

	if c.Watcher.PollInterval.Duration <= 0 {
		return fmt.Errorf("watcher.poll_interval must be > 0")
	}

	if c.Watcher.EffectRunMode != "fire-and-forget" && c.Watcher.EffectRunMode != "await" {
		return fmt.Errorf("watcher.effect_run_mode must be one of: 'fire-and-forget', 'await'")
	}

	if c.DB.JournalMode != "" && c.DB.JournalMode != "WAL" &&
		c.DB.JournalMode != "DELETE" && c.DB.JournalMode != "TRUNCATE" &&
		c.DB.JournalMode != "PERSIST" && c.DB.JournalMode != "MEMORY" {
		return fmt.Errorf("db.journal_mode must be one of: WAL, DELETE, TRUNCATE, PERSIST, MEMORY")
	}

	if c.DB.Synchronous != "" && c.DB.Synchronous != "FULL" &&
		c.DB.Synchronous != "NORMAL" && c.DB.Synchronous != "OFF" {
		return fmt.Errorf("db.synchronous must be one of: FULL, NORMAL, OFF")
	}

	if uint64(c.Reader.HistoryWindow) > c.DB.BlockJournalRetention {
		return fmt.Errorf("db.block_journal_retention (%d) must be >= reader.history_window (%d)",
			c.DB.BlockJournalRetention, c.Reader.HistoryWindow)
	}

	return nil
}
