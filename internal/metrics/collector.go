package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/objectfs/realmpool/pkg/errors"
	"github.com/objectfs/realmpool/pkg/pool"
	"github.com/objectfs/realmpool/pkg/realm"
	"github.com/objectfs/realmpool/pkg/utils"
)

// Collector exports connection pool activity to Prometheus. It implements pool.Observer.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	acquisitions     *prometheus.CounterVec
	handlersCreated  *prometheus.CounterVec
	handlersEvicted  *prometheus.CounterVec
	handlersClosed   *prometheus.CounterVec
	keepAlives       *prometheus.CounterVec
	errorCounter     *prometheus.CounterVec
	idleAtEviction   *prometheus.HistogramVec
	registryHandlers prometheus.Gauge
	lockedHandlers   prometheus.Gauge
	monitorRunning   prometheus.Gauge

	// Internal tracking, keyed by realm
	realms    map[string]*RealmMetrics
	lastReset time.Time

	// Optional source for /debug/pool
	pool *pool.Pool

	server   *http.Server
	listener net.Listener
}

var _ pool.Observer = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Address   string            `yaml:"address"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// NewDefaultConfig returns the default metrics configuration.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "realmpool",
		Subsystem: "",
		Labels:    make(map[string]string),
	}
}

// RealmMetrics tracks pool activity for one realm.
type RealmMetrics struct {
	Acquisitions    int64     `json:"acquisitions"`
	Reused          int64     `json:"reused"`
	Failures        int64     `json:"failures"`
	Created         int64     `json:"created"`
	Evicted         int64     `json:"evicted"`
	Closed          int64     `json:"closed"`
	KeepAlives      int64     `json:"keep_alives"`
	KeepAliveErrors int64     `json:"keep_alive_errors"`
	LastAcquired    time.Time `json:"last_acquired"`
	LastError       string    `json:"last_error,omitempty"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *utils.StructuredLogger) (*Collector, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	collector := &Collector{
		config:    config,
		logger:    logger.WithComponent("metrics"),
		realms:    make(map[string]*RealmMetrics),
		lastReset: time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInternalError, "failed to register metrics").
			WithComponent("metrics").
			WithCause(err)
	}

	return collector, nil
}

// Registry returns the Prometheus registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// AttachPool makes the pool's registry dump and statistics available under /debug/pool.
func (c *Collector) AttachPool(p *pool.Pool) {
	c.mu.Lock()
	c.pool = p
	c.mu.Unlock()
}

// Start serves the metrics endpoint. It returns once the listener is bound.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/realms", c.debugRealmsHandler)
	mux.HandleFunc("/debug/pool", c.debugPoolHandler)

	addr := net.JoinHostPort(c.config.Address, fmt.Sprintf("%d", c.config.Port))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.NewError(errors.ErrCodeNetworkError, "cannot bind metrics listener").
			WithComponent("metrics").
			WithContext("address", addr).
			WithCause(err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	c.mu.Lock()
	c.server = server
	c.listener = listener
	c.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.logger.Info("Metrics server listening", map[string]interface{}{
		"address": listener.Addr().String(),
		"path":    c.config.Path,
	})
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (c *Collector) Addr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.listener = nil
	c.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// HandlerAcquired records a successful acquisition.
func (c *Collector) HandlerAcquired(h *pool.Handler, reused bool) {
	if !c.config.Enabled {
		return
	}

	result := "miss"
	if reused {
		result = "hit"
	}
	c.acquisitions.With(prometheus.Labels{"scheme": h.Realm().Scheme, "result": result}).Inc()

	c.track(h.Realm().String(), func(m *RealmMetrics) {
		m.Acquisitions++
		if reused {
			m.Reused++
		}
		m.LastAcquired = time.Now()
	})
}

// AcquireFailed records a failed acquisition.
func (c *Collector) AcquireFailed(loc *realm.Location, err error) {
	if !c.config.Enabled {
		return
	}

	c.acquisitions.With(prometheus.Labels{"scheme": loc.Realm.Scheme, "result": "error"}).Inc()
	c.RecordError("acquire", err)
	c.track(loc.Realm.String(), func(m *RealmMetrics) {
		m.Failures++
		m.LastError = err.Error()
	})
}

// HandlerCreated records a registry insert.
func (c *Collector) HandlerCreated(h *pool.Handler) {
	if !c.config.Enabled {
		return
	}

	c.handlersCreated.With(prometheus.Labels{"scheme": h.Realm().Scheme}).Inc()
	c.track(h.Realm().String(), func(m *RealmMetrics) { m.Created++ })
}

// HandlerEvicted records an idle eviction.
func (c *Collector) HandlerEvicted(h *pool.Handler) {
	if !c.config.Enabled {
		return
	}

	scheme := h.Realm().Scheme
	c.handlersEvicted.With(prometheus.Labels{"scheme": scheme}).Inc()
	c.idleAtEviction.With(prometheus.Labels{"scheme": scheme}).Observe(time.Since(h.LastActivity()).Seconds())
	c.track(h.Realm().String(), func(m *RealmMetrics) { m.Evicted++ })
}

// HandlerClosed records the outcome of a close worker.
func (c *Collector) HandlerClosed(h *pool.Handler, err error) {
	if !c.config.Enabled {
		return
	}

	c.handlersClosed.With(prometheus.Labels{"scheme": h.Realm().Scheme, "status": outcome(err)}).Inc()
	if err != nil {
		c.RecordError("close", err)
	}
	c.track(h.Realm().String(), func(m *RealmMetrics) { m.Closed++ })
}

// KeepAliveSent records the outcome of a keep-alive worker.
func (c *Collector) KeepAliveSent(h *pool.Handler, err error) {
	if !c.config.Enabled {
		return
	}

	c.keepAlives.With(prometheus.Labels{"scheme": h.Realm().Scheme, "status": outcome(err)}).Inc()
	if err != nil {
		c.RecordError("keepalive", err)
	}
	c.track(h.Realm().String(), func(m *RealmMetrics) {
		m.KeepAlives++
		if err != nil {
			m.KeepAliveErrors++
			m.LastError = err.Error()
		}
	})
}

// RegistryChanged updates the registry gauges.
func (c *Collector) RegistryChanged(total, locked int) {
	if !c.config.Enabled {
		return
	}

	c.registryHandlers.Set(float64(total))
	c.lockedHandlers.Set(float64(locked))
}

// MonitorStateChanged updates the monitor gauge.
func (c *Collector) MonitorStateChanged(running bool) {
	if !c.config.Enabled {
		return
	}

	if running {
		c.monitorRunning.Set(1)
	} else {
		c.monitorRunning.Set(0)
	}
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"code":      classifyError(err),
	}).Inc()
}

// GetRealmMetrics returns a copy of the per-realm tracking.
func (c *Collector) GetRealmMetrics() map[string]RealmMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]RealmMetrics, len(c.realms))
	for k, v := range c.realms {
		out[k] = *v
	}
	return out
}

// ResetMetrics clears the per-realm tracking. Prometheus counters are not reset.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.realms = make(map[string]*RealmMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) track(key string, update func(*RealmMetrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.realms[key]
	if !ok {
		m = &RealmMetrics{}
		c.realms[key] = m
	}
	update(m)
}

func (c *Collector) initMetrics() {
	constLabels := prometheus.Labels(c.config.Labels)

	c.acquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "acquisitions_total",
			Help:        "Handler acquisitions by result (hit, miss, error)",
			ConstLabels: constLabels,
		},
		[]string{"scheme", "result"},
	)

	c.handlersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "handlers_created_total",
			Help:        "Connection handlers added to the registry",
			ConstLabels: constLabels,
		},
		[]string{"scheme"},
	)

	c.handlersEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "handlers_evicted_total",
			Help:        "Connection handlers removed for inactivity",
			ConstLabels: constLabels,
		},
		[]string{"scheme"},
	)

	c.handlersClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "handlers_closed_total",
			Help:        "Connection handler closes by status",
			ConstLabels: constLabels,
		},
		[]string{"scheme", "status"},
	)

	c.keepAlives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "keepalives_total",
			Help:        "Keep-alive pings by status",
			ConstLabels: constLabels,
		},
		[]string{"scheme", "status"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of errors by operation and error code",
			ConstLabels: constLabels,
		},
		[]string{"operation", "code"},
	)

	c.idleAtEviction = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "handler_idle_at_eviction_seconds",
			Help:        "Idle time of handlers when they were evicted",
			Buckets:     prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
			ConstLabels: constLabels,
		},
		[]string{"scheme"},
	)

	c.registryHandlers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "registry_handlers",
			Help:        "Number of registered connection handlers",
			ConstLabels: constLabels,
		},
	)

	c.lockedHandlers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "registry_locked_handlers",
			Help:        "Number of registered handlers held exclusively",
			ConstLabels: constLabels,
		},
	)

	c.monitorRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "monitor_running",
			Help:        "1 while the idle monitor goroutine is active",
			ConstLabels: constLabels,
		},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.acquisitions,
		c.handlersCreated,
		c.handlersEvicted,
		c.handlersClosed,
		c.keepAlives,
		c.errorCounter,
		c.idleAtEviction,
		c.registryHandlers,
		c.lockedHandlers,
		c.monitorRunning,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// classifyError maps an error to a bounded label value.
func classifyError(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return string(code)
	}
	return "OTHER"
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"realmpool-metrics"}`)) // Ignore write error for health check
}

func (c *Collector) debugRealmsHandler(w http.ResponseWriter, r *http.Request) {
	realms := c.GetRealmMetrics()

	c.mu.RLock()
	lastReset := c.lastReset
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Connection Pool Realms\n")
	writef("======================\n\n")
	writef("Since: %v\n\n", lastReset.Format(time.RFC3339))

	if len(realms) == 0 {
		writef("No realms recorded.\n")
		return
	}

	names := make([]string, 0, len(realms))
	for name := range realms {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-36s %8s %8s %8s %8s %8s %10s\n",
		"Realm", "Acquire", "Reused", "Failed", "Created", "Evicted", "KeepAlive")
	writef("%-36s %8s %8s %8s %8s %8s %10s\n",
		"-----", "-------", "------", "------", "-------", "-------", "---------")
	for _, name := range names {
		m := realms[name]
		writef("%-36s %8d %8d %8d %8d %8d %10d\n",
			name, m.Acquisitions, m.Reused, m.Failures, m.Created, m.Evicted, m.KeepAlives)
	}
}

func (c *Collector) debugPoolHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	p := c.pool
	c.mu.RUnlock()

	if p == nil {
		http.Error(w, "no pool attached", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Stats    pool.PoolStats `json:"stats"`
		Handlers []string       `json:"handlers"`
	}{
		Stats:    p.Stats(),
		Handlers: p.Dump(),
	})
}
