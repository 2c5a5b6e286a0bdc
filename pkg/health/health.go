package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/pipeline-guard/pkg/logging"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	logger   *logging.Logger
	metadata map[string]string
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		checkers: make(map[string]Checker),
		logger:   logger,
		metadata: config.Metadata,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth performs all health checks
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	// Run all checks concurrently
	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			check := checker.Check(ctx)

			mutex.Lock()
			checks[name] = check

			// Update overall status
			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
			mutex.Unlock()
		}(name, checker)
	}

	wg.Wait()

	duration := time.Since(start)

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  duration,
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Handler returns a Gin handler for health checks
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// BreakerSource exposes the degraded keys a breaker checker inspects
type BreakerSource interface {
	IsOpenOrHalfOpen(key string) bool
	IsAnyOpenPrefix(prefix string) bool
}

// BreakerChecker reports unhealthy when a critical key is down and
// degraded when any other tracked key is down.
type BreakerChecker struct {
	source       BreakerSource
	name         string
	criticalKeys []string
	watchPrefix  string
}

// NewBreakerChecker creates a breaker health checker. criticalKeys down
// means unhealthy; any open key under watchPrefix means degraded.
func NewBreakerChecker(source BreakerSource, name string, criticalKeys []string, watchPrefix string) *BreakerChecker {
	return &BreakerChecker{
		source:       source,
		name:         name,
		criticalKeys: criticalKeys,
		watchPrefix:  watchPrefix,
	}
}

// Check performs the breaker health check
func (bc *BreakerChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      bc.name,
		Timestamp: start,
	}

	if bc.source == nil {
		check.Status = StatusUnknown
		check.Error = "breaker source is nil"
		check.Duration = time.Since(start)
		return check
	}

	var downCritical []string
	for _, key := range bc.criticalKeys {
		if bc.source.IsOpenOrHalfOpen(key) {
			downCritical = append(downCritical, key)
		}
	}

	switch {
	case len(downCritical) > 0:
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("critical keys down: %v", downCritical)
	case bc.source.IsAnyOpenPrefix(bc.watchPrefix):
		check.Status = StatusDegraded
		check.Message = "at least one tracked key is open"
	default:
		check.Status = StatusHealthy
		check.Message = "all tracked keys closed"
	}

	check.Duration = time.Since(start)
	return check
}

// QuotaView is the subset of latch state the quota checker needs
type QuotaView struct {
	Provider  string
	Exhausted bool
	Latched   bool
	Remaining int
}

// QuotaChecker reports degraded when some providers are latched or
// exhausted and unhealthy when all of them are.
type QuotaChecker struct {
	snapshot func() []QuotaView
	name     string
}

// NewQuotaChecker creates a quota health checker over a snapshot function
func NewQuotaChecker(snapshot func() []QuotaView, name string) *QuotaChecker {
	return &QuotaChecker{
		snapshot: snapshot,
		name:     name,
	}
}

// Check performs the quota health check
func (qc *QuotaChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      qc.name,
		Timestamp: start,
	}

	if qc.snapshot == nil {
		check.Status = StatusUnknown
		check.Error = "quota snapshot source is nil"
		check.Duration = time.Since(start)
		return check
	}

	views := qc.snapshot()
	blocked := 0
	for _, v := range views {
		if v.Exhausted || v.Latched {
			blocked++
		}
	}

	switch {
	case len(views) == 0:
		check.Status = StatusHealthy
		check.Message = "no metered providers"
	case blocked == len(views):
		check.Status = StatusUnhealthy
		check.Message = "all metered providers are quota blocked"
	case blocked > 0:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d of %d providers quota blocked", blocked, len(views))
	default:
		check.Status = StatusHealthy
		check.Message = "quota available on all providers"
	}

	check.Metadata = map[string]string{
		"providers": fmt.Sprintf("%d", len(views)),
		"blocked":   fmt.Sprintf("%d", blocked),
	}
	check.Duration = time.Since(start)
	return check
}

// CapabilityView is the subset of capability state the checker needs
type CapabilityView struct {
	Name          string
	EffectiveDown bool
	PartialDown   bool
}

// CapabilityChecker reports unhealthy when any capability is effectively
// down and degraded when one is partially down.
type CapabilityChecker struct {
	snapshot func() []CapabilityView
	name     string
}

// NewCapabilityChecker creates a capability health checker
func NewCapabilityChecker(snapshot func() []CapabilityView, name string) *CapabilityChecker {
	return &CapabilityChecker{
		snapshot: snapshot,
		name:     name,
	}
}

// Check performs the capability health check
func (cc *CapabilityChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
	}

	if cc.snapshot == nil {
		check.Status = StatusUnknown
		check.Error = "capability snapshot source is nil"
		check.Duration = time.Since(start)
		return check
	}

	status := StatusHealthy
	message := "all capabilities healthy"
	for _, v := range cc.snapshot() {
		if v.EffectiveDown {
			status = StatusUnhealthy
			message = fmt.Sprintf("capability %s is down", v.Name)
			break
		}
		if v.PartialDown {
			status = StatusDegraded
			message = fmt.Sprintf("capability %s is partially down", v.Name)
		}
	}

	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)
	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
