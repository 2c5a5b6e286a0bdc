package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerTrips       *prometheus.CounterVec
	RateLimitSignals   *prometheus.CounterVec

	// Mode metrics
	ModeDecisions *prometheus.CounterVec

	// Irregularity metrics
	IrregularityBumps *prometheus.CounterVec
	IrregularityDrops *prometheus.CounterVec

	// Quota metrics
	QuotaRemaining *prometheus.GaugeVec
	QuotaLatched   *prometheus.GaugeVec
	QuotaResets    *prometheus.CounterVec

	// Attribution metrics
	PenaltiesRecorded *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "pipelineguard",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		// Breaker metrics
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_state",
				Help:      "Current breaker state per key (0 closed, 1 half-open, 2 open)",
			},
			[]string{"key"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Total number of breaker state transitions",
			},
			[]string{"key", "from", "to"},
		),
		BreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_trips_total",
				Help:      "Total number of breaker trips by failure kind",
			},
			[]string{"key", "kind"},
		),
		RateLimitSignals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rate_limit_signals_total",
				Help:      "Total number of provider rate limit signals",
			},
			[]string{"key"},
		),

		// Mode metrics
		ModeDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "mode_decisions_total",
				Help:      "Total number of pipeline mode decisions",
			},
			[]string{"mode", "trigger"},
		),

		// Irregularity metrics
		IrregularityBumps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "irregularity_bumps_total",
				Help:      "Total number of accepted irregularity bumps",
			},
			[]string{"optional"},
		),
		IrregularityDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "irregularity_drops_total",
				Help:      "Total number of irregularity bumps dropped by damping",
			},
			[]string{"reason"},
		),

		// Quota metrics
		QuotaRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "quota_remaining",
				Help:      "Remaining monthly quota per provider",
			},
			[]string{"provider"},
		),
		QuotaLatched: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "quota_latched",
				Help:      "Whether a provider quota latch is active (1 latched)",
			},
			[]string{"provider"},
		),
		QuotaResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "quota_resets_total",
				Help:      "Total number of monthly quota rollovers",
			},
			[]string{"provider"},
		),

		// Attribution metrics
		PenaltiesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "penalties_recorded_total",
				Help:      "Total number of degradation penalties recorded",
			},
			[]string{"category"},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics",
			},
			[]string{"component"},
		),
	}

	// Register all metrics
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerTrips,
		m.RateLimitSignals,
		m.ModeDecisions,
		m.IrregularityBumps,
		m.IrregularityDrops,
		m.QuotaRemaining,
		m.QuotaLatched,
		m.QuotaResets,
		m.PenaltiesRecorded,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// UpdateBreakerState updates the per-key breaker state gauge
func (m *Metrics) UpdateBreakerState(key string, state float64) {
	if m.BreakerState == nil {
		return
	}

	m.BreakerState.WithLabelValues(key).Set(state)
}

// RecordBreakerTransition records a breaker state transition
func (m *Metrics) RecordBreakerTransition(key, from, to string) {
	if m.BreakerTransitions == nil {
		return
	}

	m.BreakerTransitions.WithLabelValues(key, from, to).Inc()
}

// RecordBreakerTrip records a breaker trip by failure kind
func (m *Metrics) RecordBreakerTrip(key, kind string) {
	if m.BreakerTrips == nil {
		return
	}

	m.BreakerTrips.WithLabelValues(key, kind).Inc()
}

// RecordRateLimitSignal records an upstream rate limit signal
func (m *Metrics) RecordRateLimitSignal(key string) {
	if m.RateLimitSignals == nil {
		return
	}

	m.RateLimitSignals.WithLabelValues(key).Inc()
}

// RecordModeDecision records a pipeline mode decision
func (m *Metrics) RecordModeDecision(mode, trigger string) {
	if m.ModeDecisions == nil {
		return
	}

	if trigger == "" {
		trigger = "none"
	}
	m.ModeDecisions.WithLabelValues(mode, trigger).Inc()
}

// RecordIrregularityBump records an accepted irregularity bump
func (m *Metrics) RecordIrregularityBump(optional bool) {
	if m.IrregularityBumps == nil {
		return
	}

	m.IrregularityBumps.WithLabelValues(strconv.FormatBool(optional)).Inc()
}

// RecordIrregularityDrop records a bump rejected by damping
func (m *Metrics) RecordIrregularityDrop(reason string) {
	if m.IrregularityDrops == nil {
		return
	}

	m.IrregularityDrops.WithLabelValues(reason).Inc()
}

// UpdateQuota updates the per-provider quota gauges
func (m *Metrics) UpdateQuota(provider string, remaining int, latched bool) {
	if m.QuotaRemaining == nil {
		return
	}

	m.QuotaRemaining.WithLabelValues(provider).Set(float64(remaining))
	latchedVal := 0.0
	if latched {
		latchedVal = 1.0
	}
	m.QuotaLatched.WithLabelValues(provider).Set(latchedVal)
}

// RecordQuotaReset records a monthly quota rollover
func (m *Metrics) RecordQuotaReset(provider string) {
	if m.QuotaResets == nil {
		return
	}

	m.QuotaResets.WithLabelValues(provider).Inc()
}

// RecordPenalty records a degradation penalty entry
func (m *Metrics) RecordPenalty(category string) {
	if m.PenaltiesRecorded == nil {
		return
	}

	m.PenaltiesRecorded.WithLabelValues(category).Inc()
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// StateSource provides gauge snapshots for the periodic collector
type StateSource interface {
	BreakerStates() map[string]float64
	QuotaLevels() map[string]QuotaLevel
}

// QuotaLevel is one provider's quota snapshot
type QuotaLevel struct {
	Remaining int
	Latched   bool
}

// Collector refreshes snapshot gauges periodically
type Collector struct {
	metrics  *Metrics
	source   StateSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new gauge collector
func NewCollector(metrics *Metrics, source StateSource, interval time.Duration) *Collector {
	return &Collector{
		metrics:  metrics,
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins gauge collection
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop stops gauge collection
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.source == nil {
		return
	}

	for key, state := range c.source.BreakerStates() {
		c.metrics.UpdateBreakerState(key, state)
	}
	for provider, level := range c.source.QuotaLevels() {
		c.metrics.UpdateQuota(provider, level.Remaining, level.Latched)
	}
}
