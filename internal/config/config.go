// Package config provides configuration loading for embedpool.
//
// Configuration is assembled from hardcoded defaults, an optional YAML file
// and EMBEDPOOL_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete embedpool configuration.
type Config struct {
	Pool      PoolConfig      `koanf:"pool"`
	Encoder   EncoderConfig   `koanf:"encoder"`
	NATS      NATSConfig      `koanf:"nats"`
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// PoolConfig controls how workers are spawned and fed.
type PoolConfig struct {
	// Devices pins workers to explicit device ids ("cuda:0", "cpu", ...).
	// Empty means: every visible accelerator, else CPUWorkers x "cpu".
	Devices    []string `koanf:"devices"`
	CPUWorkers int      `koanf:"cpu_workers"`
	// ChunkSize of 0 spreads the input evenly over the workers.
	ChunkSize int `koanf:"chunk_size"`
	// Kind is "query" or "corpus".
	Kind string `koanf:"kind"`
	// FailureMode is "silent" or "propagate".
	FailureMode string `koanf:"failure_mode"`
	// Spawner is "process" or "goroutine".
	Spawner string `koanf:"spawner"`
}

// EncoderConfig selects the single-device encode capability.
type EncoderConfig struct {
	Provider   string `koanf:"provider"` // fastembed, tei, hash
	Model      string `koanf:"model"`
	CacheDir   string `koanf:"cache_dir"`
	RuntimeDir string `koanf:"runtime_dir"` // ONNX runtime library dir
	MaxLength  int    `koanf:"max_length"`
	BatchSize  int    `koanf:"batch_size"`
	BaseURL    string `koanf:"base_url"`
	APIKey     Secret `koanf:"api_key"`

	// DeviceURLs routes a device id to its own TEI instance.
	DeviceURLs map[string]string `koanf:"device_urls"`
	// Dimension is only used by the hash provider.
	Dimension int `koanf:"dimension"`
	// QueryPrompt is the TEI prompt name used for query pools.
	QueryPrompt string `koanf:"query_prompt"`
}

// NATSConfig configures the work and result subjects used by process workers.
type NATSConfig struct {
	// URL of an external server. Empty starts an embedded server.
	URL           string   `koanf:"url"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	MaxPayloadMB  int      `koanf:"max_payload_mb"`
	ConnectWait   Duration `koanf:"connect_wait"`
}

// ServerConfig holds HTTP server configuration for `embedpool serve`.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RequestTimeout  Duration `koanf:"request_timeout"`
	RateLimit       float64  `koanf:"rate_limit"`
	RateBurst       int      `koanf:"rate_burst"`
	MaxItems        int      `koanf:"max_items"`
}

// StoreConfig configures the chromem sink used by `embedpool encode --store`.
type StoreConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`
}

// LoggingConfig is the subset of logging settings exposed through config files.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed through config files.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`

	// TLSSkipVerify accepts collector certificates from an internal CA.
	TLSSkipVerify bool `koanf:"tls_skip_verify"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Pool.CPUWorkers == 0 {
		cfg.Pool.CPUWorkers = 4
	}
	if cfg.Pool.Kind == "" {
		cfg.Pool.Kind = "corpus"
	}
	if cfg.Pool.FailureMode == "" {
		cfg.Pool.FailureMode = "propagate"
	}
	if cfg.Pool.Spawner == "" {
		cfg.Pool.Spawner = "process"
	}

	if cfg.Encoder.Provider == "" {
		cfg.Encoder.Provider = "fastembed"
	}
	if cfg.Encoder.Model == "" {
		cfg.Encoder.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Encoder.MaxLength == 0 {
		cfg.Encoder.MaxLength = 512
	}
	if cfg.Encoder.BatchSize == 0 {
		cfg.Encoder.BatchSize = 256
	}
	if cfg.Encoder.BaseURL == "" {
		cfg.Encoder.BaseURL = "http://localhost:8080"
	}
	if cfg.Encoder.Dimension == 0 {
		cfg.Encoder.Dimension = 384 // bge-small-en-v1.5
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "embedpool"
	}
	if cfg.NATS.MaxPayloadMB == 0 {
		cfg.NATS.MaxPayloadMB = 64
	}
	if cfg.NATS.ConnectWait == 0 {
		cfg.NATS.ConnectWait = Duration(5 * time.Second)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = Duration(2 * time.Minute)
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 20
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 40
	}
	if cfg.Server.MaxItems == 0 {
		cfg.Server.MaxItems = 100_000
	}

	if cfg.Store.Collection == "" {
		cfg.Store.Collection = "embedpool_default"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Pool.CPUWorkers < 1 {
		return fmt.Errorf("pool.cpu_workers must be >= 1, got %d", c.Pool.CPUWorkers)
	}
	if c.Pool.ChunkSize < 0 {
		return fmt.Errorf("pool.chunk_size must be >= 0, got %d", c.Pool.ChunkSize)
	}
	switch c.Pool.Kind {
	case "query", "corpus":
	default:
		return fmt.Errorf("pool.kind must be 'query' or 'corpus', got %q", c.Pool.Kind)
	}
	switch c.Pool.FailureMode {
	case "silent", "propagate":
	default:
		return fmt.Errorf("pool.failure_mode must be 'silent' or 'propagate', got %q", c.Pool.FailureMode)
	}
	switch c.Pool.Spawner {
	case "process", "goroutine":
	default:
		return fmt.Errorf("pool.spawner must be 'process' or 'goroutine', got %q", c.Pool.Spawner)
	}
	for i, d := range c.Pool.Devices {
		if d == "" {
			return fmt.Errorf("pool.devices[%d] is empty", i)
		}
	}

	switch c.Encoder.Provider {
	case "fastembed", "tei", "hash":
	default:
		return fmt.Errorf("encoder.provider must be one of fastembed, tei, hash, got %q", c.Encoder.Provider)
	}
	if c.Encoder.Provider == "tei" && c.Encoder.BaseURL == "" && len(c.Encoder.DeviceURLs) == 0 {
		return errors.New("encoder.base_url required for tei provider")
	}
	if c.Encoder.BatchSize < 1 {
		return fmt.Errorf("encoder.batch_size must be >= 1, got %d", c.Encoder.BatchSize)
	}

	if c.NATS.MaxPayloadMB < 1 || c.NATS.MaxPayloadMB > 64 {
		return fmt.Errorf("nats.max_payload_mb must be 1-64, got %d", c.NATS.MaxPayloadMB)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
	}

	return nil
}
