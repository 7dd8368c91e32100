// Package app wires the reactor, clients, proxy servers and their ambient services together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/snmproxy/internal/client"
	"github.com/geekxflood/snmproxy/internal/metrics"
	"github.com/geekxflood/snmproxy/internal/proxy"
	"github.com/geekxflood/snmproxy/internal/reactor"
	"github.com/geekxflood/snmproxy/internal/retry"
	"github.com/geekxflood/snmproxy/internal/storage"
	"github.com/geekxflood/snmproxy/internal/types"
)

// AppConfig holds configuration for the main application
type AppConfig struct {
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	LogLevel      string        `json:"log_level"`
	LogFormat     string        `json:"log_format"`
	LogOutput     string        `json:"log_output"`
	PollInterval  time.Duration `json:"poll_interval"`
	StatsInterval time.Duration `json:"stats_interval"`
	PIDFile       string        `json:"pid_file"`
}

// DefaultAppConfig returns a default application configuration
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Name:          "snmproxy",
		Version:       "dev",
		LogLevel:      "info",
		LogFormat:     "json",
		LogOutput:     "stdout",
		PollInterval:  500 * time.Millisecond,
		StatsInterval: 30 * time.Second,
	}
}

// LoadAppConfig reads the app section.
func LoadAppConfig(cfg config.Provider) (*AppConfig, error) {
	appConfig := DefaultAppConfig()
	if cfg == nil {
		return appConfig, nil
	}

	if name, err := cfg.GetString("app.name", appConfig.Name); err == nil {
		appConfig.Name = name
	}

	if logLevel, err := cfg.GetString("app.log_level", appConfig.LogLevel); err == nil {
		appConfig.LogLevel = logLevel
	}

	if logFormat, err := cfg.GetString("app.log_format", appConfig.LogFormat); err == nil {
		appConfig.LogFormat = logFormat
	}

	if logOutput, err := cfg.GetString("app.log_output", appConfig.LogOutput); err == nil {
		appConfig.LogOutput = logOutput
	}

	if interval, err := cfg.GetDuration("app.poll_interval", appConfig.PollInterval); err == nil {
		appConfig.PollInterval = interval
	}

	if interval, err := cfg.GetDuration("app.stats_interval", appConfig.StatsInterval); err == nil {
		appConfig.StatsInterval = interval
	}

	if pidFile, err := cfg.GetString("app.pid_file", appConfig.PIDFile); err == nil {
		appConfig.PIDFile = pidFile
	}

	if appConfig.PollInterval <= 0 {
		return nil, fmt.Errorf("app.poll_interval must be positive, got %v", appConfig.PollInterval)
	}
	if appConfig.StatsInterval <= 0 {
		return nil, fmt.Errorf("app.stats_interval must be positive, got %v", appConfig.StatsInterval)
	}
	switch appConfig.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("app.log_level must be one of debug, info, warn, error, got %q", appConfig.LogLevel)
	}
	switch appConfig.LogFormat {
	case logging.FormatJSON, logging.FormatLogfmt:
	default:
		return nil, fmt.Errorf("app.log_format must be json or logfmt, got %q", appConfig.LogFormat)
	}
	return appConfig, nil
}

// Options override configuration from the command line. Zero fields keep the configured value.
type Options struct {
	Version   string
	PIDFile   string
	LogOutput string
	Logger    logging.Logger

	// Binder and Clock replace the UDP binder and wall clock, for tests.
	Binder reactor.Binder
	Clock  types.Clock
}

// AppStats is a snapshot of application state, refreshed from the reactor goroutine.
type AppStats struct {
	StartTime    time.Time           `json:"start_time"`
	Uptime       time.Duration       `json:"uptime"`
	Proxies      []string            `json:"proxies"`
	Clients      int                 `json:"clients"`
	Pending      int                 `json:"pending_requests"`
	CacheEntries int                 `json:"cache_entries"`
	Sockets      []types.SocketStats `json:"sockets"`
	HealthStatus string              `json:"health_status"`
}

// Application is the running proxy process
type Application struct {
	config         *AppConfig
	configProvider config.Provider
	options        Options
	logger         logging.Logger
	logCloser      io.Closer
	now            types.Clock

	reactor  *reactor.Reactor
	registry *client.Registry
	servers  []*proxy.Server
	storages map[string]*storage.Storage
	retry    *retry.RetryConfig
	metrics  *metrics.MetricsManager

	nextStats    time.Time
	shutdownOnce sync.Once
	shutdownErr  error

	stats *AppStats
	mu    sync.RWMutex
}

// NewApplication creates an application from configuration. Initialize must be called before Run.
func NewApplication(configProvider config.Provider, opts Options) (*Application, error) {
	if configProvider == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	appConfig, err := LoadAppConfig(configProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to load application configuration: %w", err)
	}
	if opts.Version != "" {
		appConfig.Version = opts.Version
	}
	if opts.PIDFile != "" {
		appConfig.PIDFile = opts.PIDFile
	}
	if opts.LogOutput != "" {
		appConfig.LogOutput = opts.LogOutput
	}

	logger := opts.Logger
	var logCloser io.Closer
	if logger == nil {
		logger, logCloser, err = logging.NewLogger(logging.Config{
			Level:  appConfig.LogLevel,
			Format: appConfig.LogFormat,
			Output: appConfig.LogOutput,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
	}

	clock := opts.Clock
	if clock == nil {
		clock = types.SystemClock
	}

	app := &Application{
		config:         appConfig,
		configProvider: configProvider,
		options:        opts,
		logger:         logger.With("component", "app"),
		logCloser:      logCloser,
		now:            clock,
		storages:       make(map[string]*storage.Storage),
		stats: &AppStats{
			StartTime:    clock(),
			HealthStatus: "starting",
		},
	}

	app.logger.Info("Creating SNMP proxy application",
		"name", appConfig.Name,
		"version", appConfig.Version)

	return app, nil
}

// Initialize builds every component. A proxy that cannot bind its sockets is a startup failure.
func (a *Application) Initialize() error {
	a.logger.Info("Initializing application components")

	retryConfig, err := retry.LoadRetryConfig(a.configProvider)
	if err != nil {
		return fmt.Errorf("failed to load retry configuration: %w", err)
	}
	a.retry = retryConfig

	if err := a.initializeMetrics(); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := a.initializeReactor(); err != nil {
		return fmt.Errorf("failed to initialize reactor: %w", err)
	}

	if err := a.initializeClients(); err != nil {
		return fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := a.initializeProxies(); err != nil {
		a.reactor.Close()
		a.closeStorages()
		return fmt.Errorf("failed to initialize proxies: %w", err)
	}

	// Servers first so cache refreshes run before the timeout sweep.
	for _, s := range a.servers {
		a.reactor.Register(s)
	}
	a.reactor.Register(a.registry)
	a.reactor.Register(pollerFunc(a.updateStats))
	a.updateStats()

	a.logger.Info("Application components initialized",
		"proxies", len(a.servers),
		"clients", a.registry.Len())
	return nil
}

func (a *Application) initializeMetrics() error {
	m, err := metrics.NewMetricsManager(a.configProvider, a.logger)
	if err != nil {
		return err
	}
	a.metrics = m
	return nil
}

func (a *Application) initializeReactor() error {
	cfg, err := reactor.LoadConfig(a.configProvider)
	if err != nil {
		return err
	}
	if a.options.Binder != nil {
		cfg.Binder = a.options.Binder
	}
	cfg.Clock = a.now

	r, err := reactor.New(cfg, a.logger, a.metrics)
	if err != nil {
		return err
	}
	a.reactor = r
	return nil
}

func (a *Application) initializeClients() error {
	cfg, err := client.LoadClientConfig(a.configProvider)
	if err != nil {
		return err
	}
	a.registry = client.NewRegistry(a.reactor, cfg, a.now, a.logger, a.metrics)
	return nil
}

func (a *Application) initializeProxies() error {
	configs, err := proxy.LoadProxyConfigs(a.configProvider, a.logger)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return fmt.Errorf("no proxy could be loaded from configuration")
	}

	for _, pc := range configs {
		upstream, err := a.registry.Ensure(pc.Target)
		if err != nil {
			return fmt.Errorf("proxy %s: %w", pc.Name, err)
		}

		server, err := proxy.NewServer(a.reactor, pc, upstream, a.now, a.logger, a.metrics)
		if err != nil {
			return fmt.Errorf("proxy %s: %w", pc.Name, err)
		}

		if pc.Statistics.Database != "" {
			sink, err := a.openStorage(pc.Statistics.Database)
			if err != nil {
				return fmt.Errorf("proxy %s: %w", pc.Name, err)
			}
			server.SetStatsSink(newGuardedSink(sink, a.retry.CircuitBreakerConfig, a.now, a.logger))
		}

		a.servers = append(a.servers, server)
	}
	return nil
}

// openStorage shares one store between proxies writing to the same database.
func (a *Application) openStorage(path string) (*storage.Storage, error) {
	if s, ok := a.storages[path]; ok {
		return s, nil
	}
	cfg := storage.LoadStorageConfig(a.configProvider)
	cfg.ConnectionString = path

	var s *storage.Storage
	result := retry.NewRetryer(a.retry).Retry(context.Background(), func(_ context.Context, attempt int) error {
		var err error
		if s, err = storage.Open(cfg, a.logger); err != nil {
			a.logger.Warn("Failed to open statistics database", "database", path, "attempt", attempt, "error", err.Error())
		}
		return err
	})
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to open statistics database %s: %w", path, err)
	}
	a.storages[path] = s
	return s, nil
}

// Run serves until ctx is cancelled or a termination signal arrives, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	if a.reactor == nil {
		return fmt.Errorf("application is not initialized")
	}
	a.logger.Info("Starting SNMP proxy application")

	if err := a.writePIDFile(); err != nil {
		a.Shutdown()
		return err
	}

	if err := a.metrics.Start(); err != nil {
		a.Shutdown()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	a.metrics.SetComponentHealth("reactor", true)
	a.metrics.SetReady(true)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("Received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	a.setHealth("healthy")
	a.logger.Info("SNMP proxy application started", "poll_interval", a.config.PollInterval.String())

	runErr := a.reactor.Run(ctx, a.config.PollInterval)

	if err := a.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown saves statistics and releases every resource. It is safe to call more than once.
func (a *Application) Shutdown() error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("Shutting down SNMP proxy application")
		a.setHealth("stopping")

		var errs []error
		for _, s := range a.servers {
			s.SaveStats()
		}
		if a.reactor != nil {
			a.reactor.Close()
		}
		if err := a.closeStorages(); err != nil {
			errs = append(errs, err)
		}
		if a.metrics != nil {
			a.metrics.SetReady(false)
			if err := a.metrics.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop metrics: %w", err))
			}
		}
		if err := a.removePIDFile(); err != nil {
			errs = append(errs, err)
		}

		a.setHealth("stopped")
		a.shutdownErr = errors.Join(errs...)
		a.logger.Info("SNMP proxy application stopped")

		if a.logCloser != nil {
			if err := a.logCloser.Close(); err != nil {
				a.shutdownErr = errors.Join(a.shutdownErr, fmt.Errorf("failed to close log file: %w", err))
			}
		}
	})
	return a.shutdownErr
}

func (a *Application) closeStorages() error {
	var errs []error
	for path, s := range a.storages {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close statistics database %s: %w", path, err))
		}
		delete(a.storages, path)
	}
	return errors.Join(errs...)
}

func (a *Application) writePIDFile() error {
	if a.config.PIDFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(a.config.PIDFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// removePIDFile removes the pid file only while it still names this process.
func (a *Application) removePIDFile() error {
	if a.config.PIDFile == "" {
		return nil
	}
	data, err := os.ReadFile(a.config.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read pid file: %w", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		return nil
	}
	if err := os.Remove(a.config.PIDFile); err != nil {
		return fmt.Errorf("failed to remove pid file: %w", err)
	}
	return nil
}

type pollerFunc func()

func (f pollerFunc) Poll() { f() }

// updateStats runs on the reactor goroutine and publishes a snapshot for other readers.
func (a *Application) updateStats() {
	now := a.now()
	if now.Before(a.nextStats) {
		return
	}
	a.nextStats = now.Add(a.config.StatsInterval)

	proxies := make([]string, 0, len(a.servers))
	entries := 0
	for _, s := range a.servers {
		proxies = append(proxies, s.Name())
		entries += len(s.Caches())
	}
	sockets := a.reactor.Stats()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Uptime = now.Sub(a.stats.StartTime)
	a.stats.Proxies = proxies
	a.stats.Clients = a.registry.Len()
	a.stats.Pending = a.registry.Pending()
	a.stats.CacheEntries = entries
	a.stats.Sockets = sockets
}

// GetStats returns application statistics
func (a *Application) GetStats() *AppStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := *a.stats
	stats.Uptime = a.now().Sub(a.stats.StartTime)
	stats.Proxies = append([]string(nil), a.stats.Proxies...)
	stats.Sockets = append([]types.SocketStats(nil), a.stats.Sockets...)
	return &stats
}

func (a *Application) setHealth(status string) {
	a.mu.Lock()
	a.stats.HealthStatus = status
	a.mu.Unlock()
}

// GetConfig returns the application configuration
func (a *Application) GetConfig() *AppConfig {
	return a.config
}

// GetLogger returns the application logger
func (a *Application) GetLogger() logging.Logger {
	return a.logger
}

// Servers returns the running proxy servers.
func (a *Application) Servers() []*proxy.Server {
	return a.servers
}

// Reactor returns the socket reactor.
func (a *Application) Reactor() *reactor.Reactor {
	return a.reactor
}

// IsHealthy returns whether the application is healthy
func (a *Application) IsHealthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats.HealthStatus == "healthy"
}
