package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NikhilSetiya/pipeline-guard/internal/api"
	"github.com/NikhilSetiya/pipeline-guard/internal/breaker"
	"github.com/NikhilSetiya/pipeline-guard/internal/capability"
	"github.com/NikhilSetiya/pipeline-guard/internal/guard"
	"github.com/NikhilSetiya/pipeline-guard/internal/irregularity"
	"github.com/NikhilSetiya/pipeline-guard/internal/quota"
	"github.com/NikhilSetiya/pipeline-guard/pkg/config"
	"github.com/NikhilSetiya/pipeline-guard/pkg/health"
	"github.com/NikhilSetiya/pipeline-guard/pkg/logging"
	"github.com/NikhilSetiya/pipeline-guard/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "pipeline-guard",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	// Initialize metrics
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(&metrics.Config{Namespace: cfg.Metrics.Namespace, Enabled: true})
	}

	// Breaker registry with metric hooks
	registry := breaker.NewRegistry(breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		BaseCooldown:             cfg.Breaker.BaseCooldown,
		MaxCooldown:              cfg.Breaker.MaxCooldown,
		BackoffMultiplier:        cfg.Breaker.BackoffMultiplier,
		RateLimitCooldown:        cfg.Breaker.RateLimitCooldown,
		MaxRateLimitCooldown:     cfg.Breaker.MaxRateLimitCooldown,
		HalfOpenMaxTrials:        cfg.Breaker.HalfOpenMaxTrials,
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
		OnStateChange: func(key string, from, to breaker.State) {
			if m != nil {
				m.RecordBreakerTransition(key, from.String(), to.String())
			}
		},
		OnTrip: func(key string, kind breaker.FailureKind) {
			if m != nil {
				m.RecordBreakerTrip(key, string(kind))
			}
		},
	})

	// Monthly quota latches
	quotas := quota.NewManager(quota.ManagerConfig{
		MonthlyMax: cfg.Quota.MonthlyMax,
		OnUpdate: func(provider string, remaining int, latched bool) {
			if m != nil {
				m.UpdateQuota(provider, remaining, latched)
			}
		},
		OnReset: func(provider string) {
			if m != nil {
				m.RecordQuotaReset(provider)
			}
		},
	}, cfg.Quota.Providers...)

	// Capability aggregation over the registry
	caps := capability.NewAggregator(registry, capability.Capability{
		Name:     cfg.Orchestrator.WebCapability,
		Members:  cfg.Orchestrator.WebMemberKeys,
		Combined: cfg.Orchestrator.WebCombinedKey,
	})

	// Optional-signal damping with metric hooks
	accumulator := irregularity.New(irregularity.Config{
		PerCallDeltaCap:  cfg.Irregularity.PerCallDeltaCap,
		Ceiling:          cfg.Irregularity.Ceiling,
		MaxEvents:        cfg.Irregularity.MaxEvents,
		OptionalPrefixes: cfg.Irregularity.OptionalPrefixes,
		OnAccept: func(optional bool) {
			if m != nil {
				m.RecordIrregularityBump(optional)
			}
		},
		OnDrop: func(reason string) {
			if m != nil {
				m.RecordIrregularityDrop(reason)
			}
		},
	})

	// Mode orchestrator
	orchestrator := guard.NewOrchestrator(guard.OrchestratorConfig{
		ChatKey:                cfg.Orchestrator.ChatKey,
		HardAuxKeys:            cfg.Orchestrator.HardAuxKeys,
		OptionalAuxKeys:        cfg.Orchestrator.OptionalAuxKeys,
		WebCapability:          cfg.Orchestrator.WebCapability,
		StrikeThreshold:        cfg.Orchestrator.StrikeThreshold,
		CompressionThreshold:   cfg.Orchestrator.CompressionThreshold,
		SilentFailureThreshold: cfg.Orchestrator.SilentFailureThreshold,
		OnDecision: func(mode, trigger string) {
			if m != nil {
				m.RecordModeDecision(mode, trigger)
			}
		},
		OnRateLimit: func(key string) {
			if m != nil {
				m.RecordRateLimitSignal(key)
			}
		},
		OnPenalty: func(category string) {
			if m != nil {
				m.RecordPenalty(category)
			}
		},
	}, registry, caps)

	// Periodic gauge collection
	collectorCtx, stopCollector := context.WithCancel(context.Background())
	defer stopCollector()
	if m != nil {
		collector := metrics.NewCollector(m, &stateSource{registry: registry, quotas: quotas}, 15*time.Second)
		go collector.Start(collectorCtx)
	}

	// Health checks over the guard state
	healthService := health.NewService(logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"service": "pipeline-guard", "version": version},
	})
	healthService.RegisterChecker("breakers", health.NewBreakerChecker(
		registry, "breakers", []string{cfg.Orchestrator.ChatKey}, cfg.Orchestrator.WebCapability+":"))
	healthService.RegisterChecker("quota", health.NewQuotaChecker(func() []health.QuotaView {
		views := quotas.Snapshot()
		out := make([]health.QuotaView, 0, len(views))
		for _, v := range views {
			out = append(out, health.QuotaView{
				Provider:  v.Provider,
				Exhausted: v.Exhausted,
				Latched:   v.Latched,
				Remaining: v.Remaining,
			})
		}
		return out
	}, "quota"))
	healthService.RegisterChecker("capabilities", health.NewCapabilityChecker(func() []health.CapabilityView {
		statuses := caps.Snapshot()
		out := make([]health.CapabilityView, 0, len(statuses))
		for _, st := range statuses {
			out = append(out, health.CapabilityView{
				Name:          st.Name,
				EffectiveDown: st.EffectiveDown,
				PartialDown:   st.PartialDown,
			})
		}
		return out
	}, "capabilities"))

	router := api.NewRouter(api.Deps{
		Config:       cfg,
		Logger:       logger,
		Metrics:      m,
		Registry:     registry,
		Quotas:       quotas,
		Capabilities: caps,
		Orchestrator: orchestrator,
		Accumulator:  accumulator,
		Health:       healthService,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server")

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}

// version is set at build time via -ldflags
var version = "dev"

// stateSource adapts the registry and quota manager to the gauge collector
type stateSource struct {
	registry *breaker.Registry
	quotas   *quota.Manager
}

func (s *stateSource) BreakerStates() map[string]float64 {
	views := s.registry.Snapshot()
	states := make(map[string]float64, len(views))
	for _, v := range views {
		switch v.State {
		case "OPEN":
			states[v.Key] = 2
		case "HALF_OPEN":
			states[v.Key] = 1
		default:
			states[v.Key] = 0
		}
	}
	return states
}

func (s *stateSource) QuotaLevels() map[string]metrics.QuotaLevel {
	views := s.quotas.Snapshot()
	levels := make(map[string]metrics.QuotaLevel, len(views))
	for _, v := range views {
		levels[v.Provider] = metrics.QuotaLevel{Remaining: v.Remaining, Latched: v.Latched}
	}
	return levels
}
