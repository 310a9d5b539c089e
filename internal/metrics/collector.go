package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exports the sync engine and cache layer's operational counters
// as Prometheus series: actions dispatched, folded, retried, and the
// cache's hit/miss and error rates.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	actionRetries  *prometheus.CounterVec
	coalesceFolds  prometheus.Counter
	cacheRequests  *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec

	statusProvider func(ctx context.Context) (interface{}, error)
	server         *http.Server
}

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// NewCollector creates a new metrics collector.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      8080,
			Path:      "/metrics",
			Namespace: "cloudmount",
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	collector := &Collector{config: config, registry: registry}

	if err := collector.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// AttachStatusProvider wires a callback that produces the JSON-encodable
// device status snapshot served at /status; nil (the default) leaves
// that endpoint absent. Kept as an opaque callback, rather than a direct
// dependency on pkg/status, so this package doesn't need to know the
// shape of the snapshot it serves.
func (c *Collector) AttachStatusProvider(provider func(ctx context.Context) (interface{}, error)) {
	c.statusProvider = provider
}

// Start starts the metrics collection server.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	if c.statusProvider != nil {
		mux.HandleFunc("/status", c.statusHandler)
	}

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop stops the metrics collection server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation records one dispatched Action, named "<direction>_<kind>"
// by the caller (e.g. "push_upload", "pull_download_chunk") so the
// Prometheus label space stays one series per action shape rather than per
// object.
func (c *Collector) RecordOperation(operation string, duration time.Duration, success bool) {
	if !c.config.Enabled {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	c.actionsTotal.With(prometheus.Labels{"action": operation, "status": status}).Inc()
	c.actionDuration.With(prometheus.Labels{"action": operation}).Observe(duration.Seconds())
}

// RecordRetry records an Action that was requeued after a failed dispatch,
// whether the retry was immediate (transient error) or backed off
// (persistent error, still under the retry cap).
func (c *Collector) RecordRetry(kind string) {
	if !c.config.Enabled {
		return
	}
	c.actionRetries.With(prometheus.Labels{"kind": kind}).Inc()
}

// RecordCoalesceFold records one EnqueueAction call that folded its intent
// into an already-queued Action rather than inserting a new row.
func (c *Collector) RecordCoalesceFold() {
	if !c.config.Enabled {
		return
	}
	c.coalesceFolds.Inc()
}

// RecordCacheHit records a cache hit as one increment of the type=hit
// cache request counter; key and size are not recorded.
func (c *Collector) RecordCacheHit(key string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"type": "hit"}).Inc()
}

// RecordCacheMiss records a cache miss for key, which will trigger a
// download from the remote.
func (c *Collector) RecordCacheMiss(key string, size int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"type": "miss"}).Inc()
}

// RecordError records an error against operation, classified into a small
// set of buckets useful for alerting.
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}
	c.errorsTotal.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

func (c *Collector) initMetrics() error {
	c.actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "actions_total",
			Help:      "Total number of Actions dispatched by the sync engine, by action shape and outcome",
		},
		[]string{"action", "status"},
	)

	c.actionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "action_duration_seconds",
			Help:      "Duration of a dispatched Action in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"action"},
	)

	c.actionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "action_retries_total",
			Help:      "Total number of Actions requeued after a failed dispatch",
		},
		[]string{"kind"},
	)

	c.coalesceFolds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "coalesce_folds_total",
			Help:      "Total number of EnqueueAction calls folded into an already-queued Action",
		},
	)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "cache_requests_total",
			Help:      "Total number of cache reads, by hit/miss",
		},
		[]string{"type"},
	)

	c.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors, by operation and classification",
		},
		[]string{"operation", "type"},
	)

	return nil
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.actionsTotal,
		c.actionDuration,
		c.actionRetries,
		c.coalesceFolds,
		c.cacheRequests,
		c.errorsTotal,
	}
	for _, m := range collectors {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "timeout"):
		return "timeout"
	case strings.Contains(s, "connection"):
		return "connection"
	case strings.Contains(s, "not found"):
		return "not_found"
	case strings.Contains(s, "permission"):
		return "permission"
	case strings.Contains(s, "throttl"):
		return "throttling"
	default:
		return "other"
	}
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"cloudmount-metrics"}`))
}

func (c *Collector) statusHandler(w http.ResponseWriter, r *http.Request) {
	snapshot, err := c.statusProvider(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snapshot)
}
