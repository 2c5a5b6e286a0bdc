package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

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

// Deps carries everything the router needs
type Deps struct {
	Config       *config.Config
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	Registry     *breaker.Registry
	Quotas       *quota.Manager
	Capabilities *capability.Aggregator
	Orchestrator *guard.Orchestrator
	Accumulator  *irregularity.Accumulator
	Health       *health.Service
}

// NewRouter creates the HTTP router with all middleware and routes
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(RecoveryMiddleware(deps.Logger, deps.Metrics))
	router.Use(RequestIDMiddleware())
	router.Use(SecurityHeadersMiddleware())
	router.Use(LoggingMiddleware(deps.Logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
	}

	handlers := NewHandlers(deps.Registry, deps.Quotas, deps.Capabilities, deps.Orchestrator, deps.Accumulator, deps.Logger)

	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/health/live", deps.Health.LivenessHandler())
		router.GET("/health/ready", deps.Health.ReadinessHandler())
	} else {
		router.GET("/health", handlers.Health)
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("", apiInfo)

		v1.GET("/breakers", handlers.ListBreakers)
		v1.GET("/breakers/:key", handlers.GetBreaker)
		v1.POST("/breakers/:key/acquire", handlers.CheckKey)

		v1.GET("/quota", handlers.ListQuota)
		v1.POST("/quota/:provider/consume", handlers.ConsumeQuota)
		v1.GET("/capabilities", handlers.ListCapabilities)

		v1.POST("/mode/evaluate", handlers.EvaluateMode)
		v1.POST("/observe", handlers.Observe)
	}

	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "endpoint")
	})

	return router
}

func apiInfo(c *gin.Context) {
	SuccessResponse(c, http.StatusOK, gin.H{
		"name":    "pipeline-guard",
		"version": "v1",
		"endpoints": []string{
			"GET /health",
			"GET /metrics",
			"GET /api/v1/breakers",
			"GET /api/v1/breakers/:key",
			"POST /api/v1/breakers/:key/acquire",
			"GET /api/v1/quota",
			"POST /api/v1/quota/:provider/consume",
			"GET /api/v1/capabilities",
			"POST /api/v1/mode/evaluate",
			"POST /api/v1/observe",
		},
	})
}
