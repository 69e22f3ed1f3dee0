// Package config provides configuration loading and validation for demuxd.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultCommandQueueSize   = 32
	defaultMaxOffsetSegments  = 8
	defaultErrorThreshold     = 5
	defaultOutputBuffers      = 8
	defaultOutputBufferSize   = 64 * 1024
	defaultRate               = 1000
	defaultPollInterval       = time.Second
	defaultStuckTicks         = 30
	defaultInitialWaitTicks   = 20
	defaultHighWatermark      = 10 * time.Second
	defaultLowWatermark       = 2 * time.Second
	defaultStartWatermark     = 5 * time.Second
	defaultAudioCacheCeiling  = 4 * 1024 * 1024
	defaultVideoCacheCeiling  = 32 * 1024 * 1024
	defaultBitrate            = 128_000
	defaultStarvedFraction    = 0.5
	defaultLowBitrateStarved  = 0.8
	defaultLowBitrateCutoff   = 64_000
	defaultMemoryFraction     = 0.1
	defaultHTTPTimeout        = 30 * time.Second
	defaultRetryAttempts      = 3
	defaultRetryDelay         = time.Second
	defaultBreakerThreshold   = 5
	defaultBreakerTimeout     = 30 * time.Second
	defaultWindowSize         = 16 * 1024 * 1024
	defaultReadChunk          = 64 * 1024
	defaultReadahead          = 256 * 1024
	defaultHLSPollInterval    = 2 * time.Second
	defaultMaxPendingBytes    = 8 * 1024 * 1024
	defaultMaxOpenConns       = 10
	defaultMaxIdleConns       = 5
	defaultControlAddr        = "127.0.0.1:8089"
	defaultControlReadTimeout = 10 * time.Second
)

// Config holds all configuration for demuxd.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Parser    ParserConfig    `mapstructure:"parser"`
	Buffering BufferingConfig `mapstructure:"buffering"`
	Source    SourceConfig    `mapstructure:"source"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Control   ControlConfig   `mapstructure:"control"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
	// Redact lists additional attribute keys whose values are always masked.
	Redact []string `mapstructure:"redact"`
}

// ParserConfig holds the track parsing coordinator tunables.
type ParserConfig struct {
	CommandQueueSize  int      `mapstructure:"command_queue_size"`
	MaxOffsetSegments int      `mapstructure:"max_offset_segments"` // per stream ring
	ErrorThreshold    int      `mapstructure:"error_threshold"`     // consecutive errors before forced end-of-stream
	LowPower          bool     `mapstructure:"low_power"`
	PrefetchOffsets   bool     `mapstructure:"prefetch_offsets"`
	OutputBuffers     int      `mapstructure:"output_buffers"` // downstream buffers per stream
	OutputBufferSize  ByteSize `mapstructure:"output_buffer_size"`
	Rate              int32    `mapstructure:"rate"` // per-mille, 1000 = normal speed
	Readahead         ByteSize `mapstructure:"readahead"`
	MaxPendingBytes   ByteSize `mapstructure:"max_pending_bytes"`
}

// BufferingConfig holds the cache watermark and buffering monitor tunables.
type BufferingConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	StuckTicks       int           `mapstructure:"stuck_ticks"`
	InitialWaitTicks int           `mapstructure:"initial_wait_ticks"`
	HighWatermark    time.Duration `mapstructure:"high_watermark"`
	LowWatermark     time.Duration `mapstructure:"low_watermark"`
	StartWatermark   time.Duration `mapstructure:"start_watermark"`
	AudioCache       ByteSize      `mapstructure:"audio_cache"`
	VideoCache       ByteSize      `mapstructure:"video_cache"`
	DefaultBitrate   int64         `mapstructure:"default_bitrate"` // bits per second
	// StarvedFraction is the free share of a stream's downstream queue at
	// which the stream counts as starved.
	StarvedFraction float64 `mapstructure:"starved_fraction"`
	// LowBitrateStarvedFraction replaces StarvedFraction for streams below
	// LowBitrateCutoff.
	LowBitrateStarvedFraction float64 `mapstructure:"low_bitrate_starved_fraction"`
	LowBitrateCutoff          int64   `mapstructure:"low_bitrate_cutoff"`
	// MemoryFraction caps the cache ceiling to this share of available system memory.
	MemoryFraction float64 `mapstructure:"memory_fraction"`
}

// SourceConfig holds byte-source (content pipe) configuration.
type SourceConfig struct {
	Timeout                 time.Duration `mapstructure:"timeout"`
	RetryAttempts           int           `mapstructure:"retry_attempts"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
	WindowSize              ByteSize      `mapstructure:"window_size"`
	ReadChunk               ByteSize      `mapstructure:"read_chunk"`
	HLSPollInterval         time.Duration `mapstructure:"hls_poll_interval"`
	UserAgent               string        `mapstructure:"user_agent"`
}

// DatabaseConfig holds the probe cache / bookmark store configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	// ProbeTTL bounds how long a cached probe result is trusted. 0 keeps
	// results forever.
	ProbeTTL time.Duration `mapstructure:"probe_ttl"`
}

// ControlConfig holds the optional control HTTP endpoint configuration.
type ControlConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads configuration from file, environment variables, and defaults.
// Priority: flags (bound by the caller) > environment variables > config file > defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	return LoadWithViper(v, configPath)
}

// LoadWithViper loads configuration using a caller-supplied viper instance.
// Defaults must already be registered on v.
func LoadWithViper(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("demuxd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/demuxd")
		v.AddConfigPath("$HOME/.config/demuxd")
	}

	v.SetEnvPrefix("DEMUXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults registers all default configuration values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.redact", []string{"password", "dsn", "authorization"})

	v.SetDefault("parser.command_queue_size", defaultCommandQueueSize)
	v.SetDefault("parser.max_offset_segments", defaultMaxOffsetSegments)
	v.SetDefault("parser.error_threshold", defaultErrorThreshold)
	v.SetDefault("parser.low_power", false)
	v.SetDefault("parser.prefetch_offsets", true)
	v.SetDefault("parser.output_buffers", defaultOutputBuffers)
	v.SetDefault("parser.output_buffer_size", defaultOutputBufferSize)
	v.SetDefault("parser.rate", defaultRate)
	v.SetDefault("parser.readahead", defaultReadahead)
	v.SetDefault("parser.max_pending_bytes", defaultMaxPendingBytes)

	v.SetDefault("buffering.enabled", true)
	v.SetDefault("buffering.poll_interval", defaultPollInterval)
	v.SetDefault("buffering.stuck_ticks", defaultStuckTicks)
	v.SetDefault("buffering.initial_wait_ticks", defaultInitialWaitTicks)
	v.SetDefault("buffering.high_watermark", defaultHighWatermark)
	v.SetDefault("buffering.low_watermark", defaultLowWatermark)
	v.SetDefault("buffering.start_watermark", defaultStartWatermark)
	v.SetDefault("buffering.audio_cache", defaultAudioCacheCeiling)
	v.SetDefault("buffering.video_cache", defaultVideoCacheCeiling)
	v.SetDefault("buffering.default_bitrate", defaultBitrate)
	v.SetDefault("buffering.starved_fraction", defaultStarvedFraction)
	v.SetDefault("buffering.low_bitrate_starved_fraction", defaultLowBitrateStarved)
	v.SetDefault("buffering.low_bitrate_cutoff", defaultLowBitrateCutoff)
	v.SetDefault("buffering.memory_fraction", defaultMemoryFraction)

	v.SetDefault("source.timeout", defaultHTTPTimeout)
	v.SetDefault("source.retry_attempts", defaultRetryAttempts)
	v.SetDefault("source.retry_delay", defaultRetryDelay)
	v.SetDefault("source.circuit_breaker_threshold", defaultBreakerThreshold)
	v.SetDefault("source.circuit_breaker_timeout", defaultBreakerTimeout)
	v.SetDefault("source.window_size", defaultWindowSize)
	v.SetDefault("source.read_chunk", defaultReadChunk)
	v.SetDefault("source.hls_poll_interval", defaultHLSPollInterval)
	v.SetDefault("source.user_agent", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "demuxd.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.probe_ttl", 7*24*time.Hour)

	v.SetDefault("control.addr", defaultControlAddr)
	v.SetDefault("control.read_timeout", defaultControlReadTimeout)
	v.SetDefault("control.shutdown_timeout", 5*time.Second)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Parser.CommandQueueSize < 1 {
		return fmt.Errorf("parser.command_queue_size must be at least 1")
	}
	if c.Parser.MaxOffsetSegments < 1 {
		return fmt.Errorf("parser.max_offset_segments must be at least 1")
	}
	if c.Parser.ErrorThreshold < 1 {
		return fmt.Errorf("parser.error_threshold must be at least 1")
	}
	if c.Parser.OutputBuffers < 1 {
		return fmt.Errorf("parser.output_buffers must be at least 1")
	}
	if c.Parser.OutputBufferSize < 1024 {
		return fmt.Errorf("parser.output_buffer_size must be at least 1KiB")
	}
	if c.Parser.Rate == 0 {
		return fmt.Errorf("parser.rate must not be zero")
	}

	if err := c.Buffering.validate(); err != nil {
		return err
	}

	if c.Source.WindowSize < c.Source.ReadChunk {
		return fmt.Errorf("source.window_size must be at least source.read_chunk")
	}
	if c.Source.RetryAttempts < 0 {
		return fmt.Errorf("source.retry_attempts must not be negative")
	}

	if c.Database.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Database.Driver] {
			return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
	}

	return nil
}

func (b *BufferingConfig) validate() error {
	if b.PollInterval <= 0 {
		return fmt.Errorf("buffering.poll_interval must be positive")
	}
	if b.StuckTicks < 1 {
		return fmt.Errorf("buffering.stuck_ticks must be at least 1")
	}
	if b.LowWatermark <= 0 || b.HighWatermark < b.LowWatermark {
		return fmt.Errorf("buffering watermarks must satisfy 0 < low_watermark <= high_watermark")
	}
	if b.StartWatermark < b.LowWatermark || b.StartWatermark > b.HighWatermark {
		return fmt.Errorf("buffering.start_watermark must lie between low_watermark and high_watermark")
	}
	for name, f := range map[string]float64{
		"starved_fraction":             b.StarvedFraction,
		"low_bitrate_starved_fraction": b.LowBitrateStarvedFraction,
		"memory_fraction":              b.MemoryFraction,
	} {
		if f <= 0 || f > 1 {
			return fmt.Errorf("buffering.%s must be in (0, 1]", name)
		}
	}
	if b.DefaultBitrate <= 0 {
		return fmt.Errorf("buffering.default_bitrate must be positive")
	}
	return nil
}

// Default returns a Config populated with default values only.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg, decodeHook())
	return &cfg
}

// decodeHook adds TextUnmarshaler support so ByteSize values such as
// "4MiB" decode from files and environment variables.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
}
