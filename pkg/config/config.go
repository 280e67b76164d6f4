package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittomq/pkg/api"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides (DITTOMQ_SERVER_LISTEN, ...).
const EnvPrefix = "DITTOMQ"

// Config represents the DittoMQ broker configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOMQ_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// API contains the admin HTTP API configuration
	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Server configures the client-facing transport
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Journal configures the memory-mapped operation journal
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`

	// Store configures the badger binding store
	Store StoreConfig `mapstructure:"store" yaml:"store"`

	// Session configures per-session flow control and large messages
	Session SessionConfig `mapstructure:"session" yaml:"session"`

	// Transaction configures XA transaction timeouts
	Transaction TransactionConfig `mapstructure:"transaction" yaml:"transaction"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use a non-TLS connection to the collector
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures Prometheus metrics collection.
// Metrics are exposed on the admin API under /metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// ServerConfig configures the client-facing TCP transport.
type ServerConfig struct {
	// Listen is the host:port the broker accepts client connections on
	// Default: "0.0.0.0:5445"
	Listen string `mapstructure:"listen" validate:"required,hostname_port" yaml:"listen"`

	// MaxFrameSize bounds a single inbound frame. Larger frames fail the connection.
	// Supports human-readable formats: "10MiB", "512KB"
	// Default: 10MiB
	MaxFrameSize ByteSize `mapstructure:"max_frame_size" validate:"gt=0" yaml:"max_frame_size"`

	// ConnectionTTL fails a connection when nothing is received for this long.
	// Clients send PING well within this interval.
	// Default: 60s
	ConnectionTTL time.Duration `mapstructure:"connection_ttl" validate:"gte=0" yaml:"connection_ttl"`

	// ConfirmationWindowSize is the default number of confirmed bytes after which
	// the server sends PACKETS_CONFIRMED. -1 disables confirmations.
	// Default: 1MiB
	ConfirmationWindowSize int `mapstructure:"confirmation_window_size" validate:"gte=-1" yaml:"confirmation_window_size"`

	// PacketRate limits inbound packets per second per connection. 0 disables limiting.
	PacketRate float64 `mapstructure:"packet_rate" validate:"gte=0" yaml:"packet_rate"`

	// PacketBurst is the burst allowance for PacketRate.
	PacketBurst int `mapstructure:"packet_burst" validate:"gte=0" yaml:"packet_burst"`
}

// JournalConfig configures the operation journal.
type JournalConfig struct {
	// Enabled controls whether durable writes go to the journal. When false,
	// storage completions resolve immediately (non-persistent broker).
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Path is the journal file path (required when enabled)
	Path string `mapstructure:"path" validate:"required_if=Enabled true" yaml:"path"`

	// InitialSize is the initial journal file size; the file doubles when full.
	// Default: 16MiB
	InitialSize ByteSize `mapstructure:"initial_size" yaml:"initial_size"`

	// QueueSize is the number of pending writes the journal writer buffers.
	// Default: 4096
	QueueSize int `mapstructure:"queue_size" validate:"gte=0" yaml:"queue_size"`
}

// StoreConfig configures the badger binding store.
type StoreConfig struct {
	// Path is the badger data directory. Ignored when InMemory is true.
	Path string `mapstructure:"path" validate:"required_unless=InMemory true" yaml:"path"`

	// InMemory keeps the store in memory (tests, non-persistent brokers)
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`
}

// SessionConfig configures per-session flow control.
type SessionConfig struct {
	// ConsumerWindowSize is the credit window granted to new consumers.
	// -1 means unbounded.
	ConsumerWindowSize int `mapstructure:"consumer_window_size" validate:"gte=-1" yaml:"consumer_window_size"`

	// MinLargeMessageSize is the chunk size used when delivering large messages.
	// Default: 100KiB
	MinLargeMessageSize ByteSize `mapstructure:"min_large_message_size" yaml:"min_large_message_size"`

	// AddressMaxSize is the per-address byte budget for producer credits.
	// -1 means unbounded.
	AddressMaxSize ByteSize `mapstructure:"address_max_size" yaml:"address_max_size"`

	// ExpiryAddress receives expired messages. Empty drops them.
	ExpiryAddress string `mapstructure:"expiry_address" yaml:"expiry_address"`
}

// TransactionConfig configures XA transaction handling.
type TransactionConfig struct {
	// Timeout is the default XA transaction timeout
	// Default: 5m
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`

	// ScanPeriod is how often the reaper looks for timed out transactions
	// Default: 1s
	ScanPeriod time.Duration `mapstructure:"scan_period" validate:"gt=0" yaml:"scan_period"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration, returning instructions when no file exists.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  dittomq config init\n\n"+
				"Or specify a custom config file:\n"+
				"  dittomq <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  dittomq config init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML with owner-only permissions,
// since the file may carry the admin token hash.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	err := v.ReadInConfig()
	if err == nil {
		return true, nil
	}

	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to read config file: %w", err)
}

// getConfigDir returns $XDG_CONFIG_HOME/dittomq, ~/.config/dittomq, or "."
// when no home directory is available.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittomq")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dittomq")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
