package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Default values applied by ApplyDefaults.
const (
	DefaultListen                 = "0.0.0.0:5445"
	DefaultMaxFrameSize           = 10 * units.MiB
	DefaultConnectionTTL          = 60 * time.Second
	DefaultConfirmationWindowSize = units.MiB
	DefaultJournalInitialSize     = 16 * units.MiB
	DefaultJournalQueueSize       = 4096
	DefaultConsumerWindowSize     = units.MiB
	DefaultMinLargeMessageSize    = 100 * units.KiB
	DefaultTransactionTimeout     = 5 * time.Minute
	DefaultTransactionScanPeriod  = time.Second
	DefaultShutdownTimeout        = 30 * time.Second
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyServerDefaults(&cfg.Server)
	applyJournalDefaults(&cfg.Journal)
	applySessionDefaults(&cfg.Session)
	applyTransactionDefaults(&cfg.Transaction)
	cfg.API.ApplyDefaults()

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	if cfg.Profiling.Endpoint == "" {
		cfg.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(cfg.Profiling.ProfileTypes) == 0 {
		cfg.Profiling.ProfileTypes = []string{"cpu", "alloc_space", "inuse_space", "goroutines"}
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.ConnectionTTL == 0 {
		cfg.ConnectionTTL = DefaultConnectionTTL
	}
	if cfg.ConfirmationWindowSize == 0 {
		cfg.ConfirmationWindowSize = DefaultConfirmationWindowSize
	}
	if cfg.PacketRate > 0 && cfg.PacketBurst == 0 {
		cfg.PacketBurst = int(cfg.PacketRate)
	}
}

func applyJournalDefaults(cfg *JournalConfig) {
	if cfg.InitialSize == 0 {
		cfg.InitialSize = DefaultJournalInitialSize
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultJournalQueueSize
	}
}

func applySessionDefaults(cfg *SessionConfig) {
	if cfg.ConsumerWindowSize == 0 {
		cfg.ConsumerWindowSize = DefaultConsumerWindowSize
	}
	if cfg.MinLargeMessageSize == 0 {
		cfg.MinLargeMessageSize = DefaultMinLargeMessageSize
	}
	if cfg.AddressMaxSize == 0 {
		cfg.AddressMaxSize = -1
	}
}

func applyTransactionDefaults(cfg *TransactionConfig) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTransactionTimeout
	}
	if cfg.ScanPeriod == 0 {
		cfg.ScanPeriod = DefaultTransactionScanPeriod
	}
}

// GetDefaultConfig returns a Config with all default values applied.
//
// The default broker is persistent, with its journal and store under the
// user's state directory.
func GetDefaultConfig() *Config {
	stateDir := GetDefaultStateDir()
	cfg := &Config{
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join(stateDir, "journal.dat"),
		},
		Store: StoreConfig{
			Path: filepath.Join(stateDir, "store"),
		},
	}

	ApplyDefaults(cfg)
	return cfg
}

// GetDefaultStateDir returns the directory holding the journal and store:
// %LOCALAPPDATA%\dittomq on Windows, $XDG_STATE_HOME/dittomq (or
// ~/.local/state/dittomq) elsewhere.
func GetDefaultStateDir() string {
	if runtime.GOOS == "windows" {
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "dittomq")
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "dittomq")
		}
		return filepath.Join(homeDir, "AppData", "Local", "dittomq")
	}

	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "dittomq")
		}
		stateDir = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateDir, "dittomq")
}
