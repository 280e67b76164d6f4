package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/marmos91/dittomq/internal/logger"
	"github.com/marmos91/dittomq/internal/telemetry"
	"github.com/marmos91/dittomq/pkg/api"
	"github.com/marmos91/dittomq/pkg/broker"
	"github.com/marmos91/dittomq/pkg/config"
	"github.com/marmos91/dittomq/pkg/journal"
	"github.com/marmos91/dittomq/pkg/metrics"
	"github.com/marmos91/dittomq/pkg/persistence"
	"github.com/marmos91/dittomq/pkg/remoting"
	"github.com/marmos91/dittomq/pkg/server"
	"github.com/spf13/cobra"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the DittoMQ broker",
	Long: `Start the DittoMQ broker with the specified configuration.

By default, the broker runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/dittomq/config.yaml.

Examples:
  # Start in background (default)
  dittomq start

  # Start in foreground
  dittomq start --foreground

  # Start with custom config file
  dittomq start --config /etc/dittomq/config.yaml

  # Start with environment variable overrides
  DITTOMQ_LOGGING_LEVEL=DEBUG dittomq start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/dittomq/dittomq.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/dittomq/dittomq.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "dittomq",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "dittomq",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	fmt.Println("DittoMQ - A session-oriented message broker")
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	} else {
		logger.Info("Telemetry disabled")
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint, "profile_types", cfg.Telemetry.Profiling.ProfileTypes)
	} else {
		logger.Info("Profiling disabled")
	}

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		if cfg.API.IsEnabled() {
			logger.Info("Metrics enabled", "endpoint", fmt.Sprintf(":%d/metrics", cfg.API.Port))
		} else {
			logger.Warn("Metrics enabled but the admin API is disabled; /metrics is not served")
		}
	} else {
		logger.Info("Metrics collection disabled")
	}
	reg := metrics.GetRegistry()

	sm, err := openStorage(cfg, persistence.NewStorageMetrics(reg))
	if err != nil {
		return err
	}

	brokerSrv := broker.NewServer(sm, brokerOptions(cfg), broker.NewBrokerMetrics(reg), server.NewSessionMetrics(reg))
	if err := brokerSrv.Start(ctx); err != nil {
		_ = brokerSrv.Stop(cfg.ShutdownTimeout)
		return err
	}

	transport := remoting.NewServer(remoting.ServerConfig{
		Listen:          cfg.Server.Listen,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Connection: remoting.ConnectionConfig{
			MaxFrameSize: int(cfg.Server.MaxFrameSize.Int64()),
			TTL:          cfg.Server.ConnectionTTL,
			PacketRate:   cfg.Server.PacketRate,
			PacketBurst:  cfg.Server.PacketBurst,
		},
	}, brokerSrv, remoting.NewTransportMetrics(reg))

	var apiServer *api.Server
	if cfg.API.IsEnabled() {
		apiServer = api.NewServer(cfg.API, brokerSrv)
		logger.Info("API server configured", "port", cfg.API.Port)
	} else {
		logger.Info("API server disabled")
	}

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	serverDone := make(chan error, 2)
	go func() {
		serverDone <- transport.Serve(ctx)
	}()
	if apiServer != nil {
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				serverDone <- fmt.Errorf("API server: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Broker is running. Press Ctrl+C to stop.", "listen", cfg.Server.Listen)

	var runErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
	case runErr = <-serverDone:
		if runErr != nil {
			logger.Error("Server error", "error", runErr)
		}
	}

	return errors.Join(runErr, shutdown(cfg, cancel, transport, apiServer, brokerSrv))
}

// shutdown stops accepting connections, then closes sessions and storage.
func shutdown(cfg *config.Config, cancel context.CancelFunc, transport *remoting.Server, apiServer *api.Server, brokerSrv *broker.Server) error {
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stopCancel()

	var errs []error
	if err := transport.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop transport: %w", err))
	}
	if apiServer != nil {
		if err := apiServer.Stop(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop API server: %w", err))
		}
	}
	cancel()

	if err := brokerSrv.Stop(cfg.ShutdownTimeout); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error("Shutdown error", "error", err)
		return err
	}
	logger.Info("Broker stopped gracefully")
	return nil
}

// openStorage opens the journal (when enabled) and the binding store.
func openStorage(cfg *config.Config, m *persistence.StorageMetrics) (*persistence.StorageManager, error) {
	var j journal.Journal = journal.NewNullJournal()
	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
		mj, err := journal.Open(cfg.Journal.Path, cfg.Journal.InitialSize.Int64())
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		logger.Info("Journal opened", "path", cfg.Journal.Path)
		j = mj
	} else {
		logger.Info("Journal disabled, broker is not persistent")
	}

	store, err := persistence.OpenBindingStore(persistence.StoreOptions{
		Path:     cfg.Store.Path,
		InMemory: cfg.Store.InMemory,
	})
	if err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("failed to open binding store: %w", err)
	}

	return persistence.NewStorageManager(persistence.ManagerOptions{
		Journal: j,
		Store:   store,
		Writer:  persistence.WriterConfig{QueueSize: cfg.Journal.QueueSize},
		Metrics: m,
	}), nil
}

// brokerOptions maps the session and transaction configuration onto the broker.
func brokerOptions(cfg *config.Config) broker.Options {
	opts := broker.DefaultOptions()
	opts.ConfirmationWindowSize = cfg.Server.ConfirmationWindowSize
	opts.ConsumerWindowSize = cfg.Session.ConsumerWindowSize
	opts.MinLargeMessageSize = int(cfg.Session.MinLargeMessageSize.Int64())
	opts.AddressMaxSize = cfg.Session.AddressMaxSize.Int64()
	opts.ExpiryAddress = cfg.Session.ExpiryAddress
	opts.TransactionTimeout = cfg.Transaction.Timeout
	opts.TransactionScanPeriod = cfg.Transaction.ScanPeriod
	return opts
}
