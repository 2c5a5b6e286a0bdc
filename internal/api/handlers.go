package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/pipeline-guard/internal/breaker"
	"github.com/NikhilSetiya/pipeline-guard/internal/capability"
	"github.com/NikhilSetiya/pipeline-guard/internal/guard"
	"github.com/NikhilSetiya/pipeline-guard/internal/irregularity"
	"github.com/NikhilSetiya/pipeline-guard/internal/quota"
	apperrors "github.com/NikhilSetiya/pipeline-guard/pkg/errors"
	"github.com/NikhilSetiya/pipeline-guard/pkg/logging"
)

// Handlers serves the read-mostly operational surface over the guard state
type Handlers struct {
	registry     *breaker.Registry
	quotas       *quota.Manager
	capabilities *capability.Aggregator
	orchestrator *guard.Orchestrator
	accumulator  *irregularity.Accumulator
	logger       *logging.Logger
	startTime    time.Time
}

// NewHandlers creates the handler set. A nil accumulator falls back to the
// default damping rules.
func NewHandlers(registry *breaker.Registry, quotas *quota.Manager, capabilities *capability.Aggregator, orchestrator *guard.Orchestrator, accumulator *irregularity.Accumulator, logger *logging.Logger) *Handlers {
	if accumulator == nil {
		accumulator = irregularity.New(irregularity.Config{})
	}
	return &Handlers{
		registry:     registry,
		quotas:       quotas,
		capabilities: capabilities,
		orchestrator: orchestrator,
		accumulator:  accumulator,
		logger:       logger,
		startTime:    time.Now(),
	}
}

// Health reports service liveness
func (h *Handlers) Health(c *gin.Context) {
	SuccessResponse(c, http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// ListBreakers returns the state of every tracked breaker key
func (h *Handlers) ListBreakers(c *gin.Context) {
	SuccessResponse(c, http.StatusOK, gin.H{
		"breakers": h.registry.Snapshot(),
	})
}

// GetBreaker returns the state of one breaker key
func (h *Handlers) GetBreaker(c *gin.Context) {
	key := c.Param("key")
	view, ok := h.registry.Inspect(key)
	if !ok {
		NotFoundResponse(c, "breaker key")
		return
	}
	SuccessResponse(c, http.StatusOK, view)
}

// ListQuota returns the monthly quota latches of every provider
func (h *Handlers) ListQuota(c *gin.Context) {
	h.quotas.MaybeResetAll(time.Now().UTC())
	SuccessResponse(c, http.StatusOK, gin.H{
		"providers": h.quotas.Snapshot(),
	})
}

// ListCapabilities returns aggregated capability health
func (h *Handlers) ListCapabilities(c *gin.Context) {
	statuses := h.capabilities.Snapshot()

	type capabilityView struct {
		capability.Status
		PreferredMember string `json:"preferred_member,omitempty"`
	}

	views := make([]capabilityView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, capabilityView{
			Status:          st,
			PreferredMember: h.capabilities.PreferredMember(st),
		})
	}

	SuccessResponse(c, http.StatusOK, gin.H{
		"capabilities": views,
	})
}

// evaluateModeRequest describes a hypothetical request to derive a mode for
type evaluateModeRequest struct {
	Query          string             `json:"query"`
	HighRisk       bool               `json:"high_risk"`
	SensitiveTopic bool               `json:"sensitive_topic"`
	Irregularity   float64            `json:"irregularity"`
	Bumps          []irregularityBump `json:"bumps,omitempty"`
	ForceBypass    string             `json:"force_bypass,omitempty"`
	Compression    string             `json:"request_compression,omitempty"`
}

// irregularityBump is one reason-tagged irregularity signal. Optional-stage
// reasons are subject to the configured damping rules.
type irregularityBump struct {
	Delta  float64 `json:"delta"`
	Reason string  `json:"reason"`
}

// EvaluateMode derives the mode a request with the given shape would get
// right now. The evaluation context is discarded afterwards.
func (h *Handlers) EvaluateMode(c *gin.Context) {
	var req evaluateModeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequestResponse(c, "invalid request body: "+err.Error())
			return
		}
	}

	ctx := h.orchestrator.NewRequest(req.Query)
	defer ctx.Finish()

	ctx.SetHighRisk(req.HighRisk)
	ctx.SetSensitiveTopic(req.SensitiveTopic)
	if req.Irregularity > 0 {
		h.accumulator.Bump(ctx, req.Irregularity, "evaluate_request")
	}
	for _, b := range req.Bumps {
		h.accumulator.Bump(ctx, b.Delta, b.Reason)
	}
	if req.ForceBypass != "" {
		ctx.ForceBypass(req.ForceBypass)
	}
	if req.Compression != "" {
		ctx.RequestCompression(req.Compression)
	}

	signals := h.orchestrator.Recompute(ctx)

	SuccessResponse(c, http.StatusOK, gin.H{
		"request_id": ctx.RequestID(),
		"signals":    signals,
	})
}

// observeRequest reports a call outcome against a breaker key
type observeRequest struct {
	Key          string `json:"key" binding:"required"`
	Outcome      string `json:"outcome" binding:"required"`
	Kind         string `json:"kind,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// Observe feeds a call outcome into the registry. Meant for sidecar
// deployments where callers report outcomes over HTTP instead of in-process.
func (h *Handlers) Observe(c *gin.Context) {
	var req observeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	switch req.Outcome {
	case "success":
		h.registry.RecordSuccess(req.Key)
	case "failure":
		kind := breaker.KindFailure
		switch breaker.FailureKind(req.Kind) {
		case breaker.KindTimeout, breaker.KindRejected, breaker.KindEmpty:
			kind = breaker.FailureKind(req.Kind)
		}
		h.registry.RecordFailureKind(req.Key, kind, req.Reason)
	case "rate_limit":
		h.registry.RecordRateLimit(req.Key, time.Duration(req.RetryAfterMs)*time.Millisecond, req.Reason)
	default:
		BadRequestResponse(c, "outcome must be one of success, failure, rate_limit")
		return
	}

	view, _ := h.registry.Inspect(req.Key)
	SuccessResponse(c, http.StatusOK, view)
}

// ConsumeQuota spends one call of the provider's monthly budget. Latched
// or exhausted providers answer 429.
func (h *Handlers) ConsumeQuota(c *gin.Context) {
	provider := c.Param("provider")
	latch := h.quotas.Get(provider)
	if !latch.ConsumeOne() {
		ErrorResponseFromError(c, apperrors.NewQuotaExhaustedError(provider))
		return
	}
	SuccessResponse(c, http.StatusOK, latch.Snapshot())
}

// CheckKey reports whether a call through the key would be admitted. Open
// keys answer with 503 and the remaining cooldown.
func (h *Handlers) CheckKey(c *gin.Context) {
	key := c.Param("key")
	if !h.registry.Allow(key) {
		ErrorResponseFromError(c, apperrors.NewBreakerOpenError(key, h.registry.RemainingOpen(key)))
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{
		"key":     key,
		"allowed": true,
	})
}
