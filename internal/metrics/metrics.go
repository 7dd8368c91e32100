// Package metrics provides Prometheus metrics integration and system monitoring
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/model"
)

// MetricsConfig defines the configuration for the metrics system
type MetricsConfig struct {
	Enabled        bool          `json:"enabled"`
	ListenAddress  string        `json:"listen_address"`
	MetricsPath    string        `json:"metrics_path"`
	HealthPath     string        `json:"health_path"`
	ReadyPath      string        `json:"ready_path"`
	UpdateInterval time.Duration `json:"update_interval"`
	Namespace      string        `json:"namespace"`
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:        true,
		ListenAddress:  ":9117",
		MetricsPath:    "/metrics",
		HealthPath:     "/health",
		ReadyPath:      "/ready",
		UpdateInterval: 30 * time.Second,
		Namespace:      "snmproxy",
	}
}

// MetricsManager manages Prometheus metrics and health endpoints
type MetricsManager struct {
	config   *MetricsConfig
	logger   logging.Logger
	registry *prometheus.Registry
	router   *gin.Engine
	server   *http.Server

	// Application metrics
	socketMetrics   *SocketMetrics
	proxyMetrics    *ProxyMetrics
	upstreamMetrics *UpstreamMetrics
	cacheMetrics    *CacheMetrics
	systemMetrics   *SystemMetrics

	// Health status
	healthStatus map[string]bool
	readyStatus  bool
	startTime    time.Time
	mu           sync.RWMutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Recorder = (*MetricsManager)(nil)

// SocketMetrics contains reactor socket metrics
type SocketMetrics struct {
	DatagramsReceived *prometheus.CounterVec
	DatagramsDropped  *prometheus.CounterVec
	DatagramsSent     *prometheus.CounterVec
	DatagramSize      *prometheus.HistogramVec
	SocketsClosed     *prometheus.CounterVec
	SocketsRebound    *prometheus.CounterVec
}

// ProxyMetrics contains proxy server dispatch metrics
type ProxyMetrics struct {
	Requests *prometheus.CounterVec
}

// UpstreamMetrics contains outbound client metrics
type UpstreamMetrics struct {
	Requests *prometheus.CounterVec
	Timeouts *prometheus.CounterVec
	Pending  *prometheus.GaugeVec
}

// CacheMetrics contains cache refresh metrics
type CacheMetrics struct {
	Refreshes       *prometheus.CounterVec
	RefreshDuration *prometheus.HistogramVec
	Entries         *prometheus.GaugeVec
}

// SystemMetrics contains system resource metrics
type SystemMetrics struct {
	MemoryUsage    prometheus.Gauge
	GoroutineCount prometheus.Gauge
	GCDuration     prometheus.Histogram
	Uptime         prometheus.Gauge
}

// NewMetricsManager creates a new metrics manager
func NewMetricsManager(cfg config.Provider, logger logging.Logger) (*MetricsManager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	// Load metrics configuration
	metricsConfig, err := loadMetricsConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load metrics configuration: %w", err)
	}

	// Create custom registry
	registry := prometheus.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())

	manager := &MetricsManager{
		config:       metricsConfig,
		logger:       logger.With("component", "metrics"),
		registry:     registry,
		healthStatus: make(map[string]bool),
		readyStatus:  false,
		startTime:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}

	// Initialize metrics
	if err := manager.initializeMetrics(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	manager.router = manager.newRouter()

	return manager, nil
}

// initializeMetrics creates and registers all Prometheus metrics
func (m *MetricsManager) initializeMetrics() error {
	namespace := m.config.Namespace

	m.socketMetrics = &SocketMetrics{
		DatagramsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "datagrams_received_total",
			Help:      "Total number of datagrams received per bound endpoint",
		}, []string{"endpoint"}),
		DatagramsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "datagrams_dropped_total",
			Help:      "Total number of inbound datagrams dropped, by reason",
		}, []string{"endpoint", "reason"}),
		DatagramsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "datagrams_sent_total",
			Help:      "Total number of datagrams sent per bound endpoint",
		}, []string{"endpoint"}),
		DatagramSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "datagram_size_bytes",
			Help:      "Size of datagrams received and sent",
			Buckets:   []float64{64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384},
		}, []string{"direction"}),
		SocketsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "closed_total",
			Help:      "Total number of sockets invalidated after a send failure",
		}, []string{"endpoint"}),
		SocketsRebound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "socket",
			Name:      "rebound_total",
			Help:      "Total number of closed sockets bound again",
		}, []string{"endpoint"}),
	}

	m.proxyMetrics = &ProxyMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total number of manager requests by PDU kind and how they were answered",
		}, []string{"proxy", "pdu", "path"}),
	}

	m.upstreamMetrics = &UpstreamMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of requests sent to upstream agents",
		}, []string{"target"}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "timeouts_total",
			Help:      "Total number of upstream requests completed by the inactivity timeout",
		}, []string{"target"}),
		Pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "pending_requests",
			Help:      "Number of outstanding correlation entries",
		}, []string{"target"}),
	}

	m.cacheMetrics = &CacheMetrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refreshes_total",
			Help:      "Total number of cache refresh walks by result",
		}, []string{"base_oid", "result"}),
		RefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "refresh_duration_seconds",
			Help:      "Time spent walking an upstream subtree",
			Buckets:   prometheus.DefBuckets,
		}, []string{"base_oid"}),
		Entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of var-bindings held by a cache entry",
		}, []string{"base_oid"}),
	}

	m.systemMetrics = &SystemMetrics{
		MemoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_total",
			Help:      "Current number of goroutines",
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_duration_seconds",
			Help:      "Time spent in garbage collection",
			Buckets:   prometheus.DefBuckets,
		}),
		Uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		}),
	}

	// Register all metrics
	collectors := []prometheus.Collector{
		m.socketMetrics.DatagramsReceived,
		m.socketMetrics.DatagramsDropped,
		m.socketMetrics.DatagramsSent,
		m.socketMetrics.DatagramSize,
		m.socketMetrics.SocketsClosed,
		m.socketMetrics.SocketsRebound,

		m.proxyMetrics.Requests,

		m.upstreamMetrics.Requests,
		m.upstreamMetrics.Timeouts,
		m.upstreamMetrics.Pending,

		m.cacheMetrics.Refreshes,
		m.cacheMetrics.RefreshDuration,
		m.cacheMetrics.Entries,

		m.systemMetrics.MemoryUsage,
		m.systemMetrics.GoroutineCount,
		m.systemMetrics.GCDuration,
		m.systemMetrics.Uptime,
	}

	for _, collector := range collectors {
		if err := m.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return nil
}

// newRouter builds the HTTP surface: metrics, health and readiness.
func (m *MetricsManager) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(m.config.MetricsPath, gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})))
	r.GET(m.config.HealthPath, m.healthHandler)
	r.GET(m.config.ReadyPath, m.readyHandler)

	return r
}

// Handler returns the HTTP handler serving the metrics endpoints.
func (m *MetricsManager) Handler() http.Handler {
	return m.router
}

// Start starts the metrics server and background monitoring
func (m *MetricsManager) Start() error {
	if !m.config.Enabled {
		m.logger.Info("Metrics collection is disabled")
		return nil
	}

	m.logger.Info("Starting metrics server",
		"listen_address", m.config.ListenAddress,
		"metrics_path", m.config.MetricsPath)

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in background
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server error", "error", err.Error())
			m.SetComponentHealth("metrics", false)
		}
	}()

	// Start system metrics collection
	m.wg.Add(1)
	go m.collectSystemMetrics()

	m.logger.Info("Metrics server started successfully")
	return nil
}

// Stop stops the metrics server and background monitoring
func (m *MetricsManager) Stop() error {
	if !m.config.Enabled {
		return nil
	}

	m.logger.Info("Stopping metrics server")

	// Cancel context to stop background goroutines
	m.cancel()

	// Shutdown HTTP server
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := m.server.Shutdown(ctx); err != nil {
			m.logger.Error("Error shutting down metrics server", "error", err.Error())
		}
	}

	// Wait for all goroutines to finish
	m.wg.Wait()

	m.logger.Info("Metrics server stopped")
	return nil
}

// collectSystemMetrics collects system resource metrics periodically
func (m *MetricsManager) collectSystemMetrics() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.updateSystemMetrics()
		}
	}
}

// updateSystemMetrics updates system resource metrics
func (m *MetricsManager) updateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.systemMetrics.MemoryUsage.Set(float64(memStats.Alloc))
	m.systemMetrics.GoroutineCount.Set(float64(runtime.NumGoroutine()))
	m.systemMetrics.Uptime.Set(time.Since(m.startTime).Seconds())
	m.systemMetrics.GCDuration.Observe(float64(memStats.PauseTotalNs) / 1e9)
}

// healthHandler handles health check requests
func (m *MetricsManager) healthHandler(c *gin.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	unhealthy := []string{}
	for component, healthy := range m.healthStatus {
		if !healthy {
			unhealthy = append(unhealthy, component)
		}
	}

	if len(unhealthy) == 0 {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(m.startTime).String(),
		})
		return
	}

	m.logger.Debug("Components unhealthy", "components", unhealthy)
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"status":    "unhealthy",
		"unhealthy": unhealthy,
	})
}

// readyHandler handles readiness check requests
func (m *MetricsManager) readyHandler(c *gin.Context) {
	m.mu.RLock()
	ready := m.readyStatus
	m.mu.RUnlock()

	if ready {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	} else {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
	}
}

// SetComponentHealth sets the health status for a component
func (m *MetricsManager) SetComponentHealth(component string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.healthStatus[component] = healthy
	m.logger.Debug("Component health updated",
		"component", component,
		"healthy", healthy)
}

// SetReady sets the overall readiness status
func (m *MetricsManager) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readyStatus = ready
	m.logger.Info("Readiness status updated", "ready", ready)
}

// DatagramReceived implements Recorder.
func (m *MetricsManager) DatagramReceived(endpoint string, size int) {
	m.socketMetrics.DatagramsReceived.WithLabelValues(endpoint).Inc()
	m.socketMetrics.DatagramSize.WithLabelValues("in").Observe(float64(size))
}

// DatagramDropped implements Recorder.
func (m *MetricsManager) DatagramDropped(endpoint, reason string) {
	m.socketMetrics.DatagramsDropped.WithLabelValues(endpoint, reason).Inc()
}

// DatagramSent implements Recorder.
func (m *MetricsManager) DatagramSent(endpoint string, size int) {
	m.socketMetrics.DatagramsSent.WithLabelValues(endpoint).Inc()
	m.socketMetrics.DatagramSize.WithLabelValues("out").Observe(float64(size))
}

// SocketClosed implements Recorder.
func (m *MetricsManager) SocketClosed(endpoint string) {
	m.socketMetrics.SocketsClosed.WithLabelValues(endpoint).Inc()
	m.SetComponentHealth("socket "+endpoint, false)
}

// SocketRebound implements Recorder.
func (m *MetricsManager) SocketRebound(endpoint string) {
	m.socketMetrics.SocketsRebound.WithLabelValues(endpoint).Inc()
	m.SetComponentHealth("socket "+endpoint, true)
}

// RequestHandled implements Recorder.
func (m *MetricsManager) RequestHandled(proxy, pdu, path string) {
	m.proxyMetrics.Requests.WithLabelValues(proxy, pdu, path).Inc()
}

// UpstreamRequest implements Recorder.
func (m *MetricsManager) UpstreamRequest(target string) {
	m.upstreamMetrics.Requests.WithLabelValues(target).Inc()
}

// UpstreamTimeout implements Recorder.
func (m *MetricsManager) UpstreamTimeout(target string) {
	m.upstreamMetrics.Timeouts.WithLabelValues(target).Inc()
}

// PendingRequests implements Recorder.
func (m *MetricsManager) PendingRequests(target string, n int) {
	m.upstreamMetrics.Pending.WithLabelValues(target).Set(float64(n))
}

// CacheRefresh implements Recorder.
func (m *MetricsManager) CacheRefresh(base string, duration time.Duration, entries int, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.cacheMetrics.Refreshes.WithLabelValues(base, result).Inc()
	m.cacheMetrics.RefreshDuration.WithLabelValues(base).Observe(duration.Seconds())
	if err == nil {
		m.cacheMetrics.Entries.WithLabelValues(base).Set(float64(entries))
	}
}

// GetSocketMetrics returns the socket metrics instance
func (m *MetricsManager) GetSocketMetrics() *SocketMetrics {
	return m.socketMetrics
}

// GetProxyMetrics returns the proxy metrics instance
func (m *MetricsManager) GetProxyMetrics() *ProxyMetrics {
	return m.proxyMetrics
}

// GetUpstreamMetrics returns the upstream metrics instance
func (m *MetricsManager) GetUpstreamMetrics() *UpstreamMetrics {
	return m.upstreamMetrics
}

// GetCacheMetrics returns the cache metrics instance
func (m *MetricsManager) GetCacheMetrics() *CacheMetrics {
	return m.cacheMetrics
}

// loadMetricsConfig loads metrics configuration from the config provider
func loadMetricsConfig(cfg config.Provider) (*MetricsConfig, error) {
	config := DefaultMetricsConfig()
	if cfg == nil {
		return config, nil
	}

	if enabled, err := cfg.GetBool("metrics.enabled"); err == nil {
		config.Enabled = enabled
	}

	if listenAddress, err := cfg.GetString("metrics.listen_address"); err == nil {
		config.ListenAddress = listenAddress
	}

	if metricsPath, err := cfg.GetString("metrics.metrics_path"); err == nil {
		config.MetricsPath = metricsPath
	}

	if healthPath, err := cfg.GetString("metrics.health_path"); err == nil {
		config.HealthPath = healthPath
	}

	if readyPath, err := cfg.GetString("metrics.ready_path"); err == nil {
		config.ReadyPath = readyPath
	}

	if updateInterval, err := cfg.GetDuration("metrics.update_interval"); err == nil {
		config.UpdateInterval = updateInterval
	}

	if namespace, err := cfg.GetString("metrics.namespace"); err == nil {
		config.Namespace = namespace
	}

	if config.UpdateInterval <= 0 {
		return nil, fmt.Errorf("metrics.update_interval must be positive, got %v", config.UpdateInterval)
	}
	if config.Namespace != "" && !model.IsValidMetricName(model.LabelValue(config.Namespace)) {
		return nil, fmt.Errorf("metrics.namespace %q is not a valid metric name prefix", config.Namespace)
	}

	return config, nil
}
