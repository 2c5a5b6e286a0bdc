package guard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NikhilSetiya/pipeline-guard/internal/attribution"
	"github.com/NikhilSetiya/pipeline-guard/internal/breaker"
	"github.com/NikhilSetiya/pipeline-guard/internal/capability"
	"github.com/NikhilSetiya/pipeline-guard/pkg/logging"
)

// Signals is the derived operational picture behind one mode decision
type Signals struct {
	Mode    Mode     `json:"mode"`
	Trigger string   `json:"trigger,omitempty"`
	Reasons []string `json:"reasons,omitempty"`

	ChatDown         bool    `json:"chat_down"`
	AuxHardDown      bool    `json:"aux_hard_down"`
	AuxDegraded      bool    `json:"aux_degraded"`
	WebAnyDown       bool    `json:"web_any_down"`
	WebEffectiveDown bool    `json:"web_effective_down"`
	WebPartialDown   bool    `json:"web_partial_down"`
	Irregularity     float64 `json:"irregularity"`
	Frustration      bool    `json:"frustration"`
	HighRisk         bool    `json:"high_risk"`
}

// OrchestratorConfig holds the inputs of mode derivation
type OrchestratorConfig struct {
	// ChatKey is the breaker key of the primary chat model
	ChatKey string
	// HardAuxKeys are required auxiliary stages; any of them down is a
	// hard outage
	HardAuxKeys []string
	// OptionalAuxKeys are pre-processing stages whose outage only degrades
	OptionalAuxKeys []string
	// WebCapability is the aggregated web search capability name
	WebCapability string
	// StrikeThreshold is the irregularity score that forces STRIKE
	StrikeThreshold float64
	// CompressionThreshold is the irregularity score that forces COMPRESSION
	CompressionThreshold float64
	// SilentFailureThreshold is the irregularity score that, combined with
	// a hard auxiliary outage, escalates to BYPASS
	SilentFailureThreshold float64
	// OnDecision is called once per recompute with the decided mode
	OnDecision func(mode, trigger string)
	// OnRateLimit is called once per accepted rate limit observation
	OnRateLimit func(key string)
	// LedgerNow overrides the ledger clock, for tests
	LedgerNow func() time.Time
	// OnPenalty is passed to request ledgers
	OnPenalty func(category string)
}

// Orchestrator derives the pipeline mode for a request from breaker state,
// capability health and the request's own accumulated signals.
type Orchestrator struct {
	config   OrchestratorConfig
	registry *breaker.Registry
	caps     *capability.Aggregator
	logger   *logging.Logger
}

// NewOrchestrator creates an orchestrator, filling unset thresholds with
// the standard ones.
func NewOrchestrator(config OrchestratorConfig, registry *breaker.Registry, caps *capability.Aggregator) *Orchestrator {
	if config.StrikeThreshold <= 0 {
		config.StrikeThreshold = 0.60
	}
	if config.CompressionThreshold <= 0 {
		config.CompressionThreshold = 0.35
	}
	if config.SilentFailureThreshold <= 0 {
		config.SilentFailureThreshold = 0.25
	}
	if config.WebCapability == "" {
		config.WebCapability = "websearch"
	}

	return &Orchestrator{
		config:   config,
		registry: registry,
		caps:     caps,
		logger:   logging.GetLogger(),
	}
}

// NewRequest creates a request context whose ledger reports into the
// orchestrator's hooks.
func (o *Orchestrator) NewRequest(userQuery string) *Context {
	ledger := attribution.NewLedger(attribution.Config{
		OnPenalty: o.config.OnPenalty,
		Now:       o.config.LedgerNow,
	})
	return NewContextWithLedger(userQuery, ledger)
}

// Recompute derives the current mode for the request and stores the
// resulting signals on the context. Purely in-memory; safe to call after
// every observation.
func (o *Orchestrator) Recompute(ctx *Context) Signals {
	chatDown := o.config.ChatKey != "" && o.registry.IsOpenOrHalfOpen(o.config.ChatKey)

	auxHardDown := false
	var hardDownKeys []string
	for _, key := range o.config.HardAuxKeys {
		if o.registry.IsOpenOrHalfOpen(key) {
			auxHardDown = true
			hardDownKeys = append(hardDownKeys, key)
		}
	}

	// Optional pre-processing stages degrade the pipeline but never count
	// as a hard outage, no matter how many are down.
	var optionalDownKeys []string
	for _, key := range o.config.OptionalAuxKeys {
		if o.registry.IsOpenOrHalfOpen(key) {
			optionalDownKeys = append(optionalDownKeys, key)
		}
	}

	webSt := o.caps.Status(o.config.WebCapability)

	ctx.MarkCapabilityDown(o.config.WebCapability, webSt.PartialDown, webSt.EffectiveDown)
	ctx.SetPreferredProvider(o.config.WebCapability, o.caps.PreferredMember(webSt))

	auxDegraded := auxHardDown || len(optionalDownKeys) > 0
	ctx.setAux(auxDegraded, auxHardDown)

	irregularity := ctx.IrregularityScore()
	highRisk := ctx.HighRisk()
	frustration := looksFrustrated(ctx.UserQuery())
	compressionRequested, compressionWhy := ctx.CompressionRequested()
	bypassForced, bypassWhy := ctx.BypassForced()

	silentFailure := auxHardDown && irregularity >= o.config.SilentFailureThreshold

	bypass := chatDown || webSt.EffectiveDown || silentFailure || bypassForced
	strike := auxHardDown || webSt.EffectiveDown || frustration ||
		irregularity >= o.config.StrikeThreshold || highRisk
	compression := strike || webSt.EffectiveDown || auxDegraded ||
		irregularity >= o.config.CompressionThreshold || compressionRequested

	s := Signals{
		ChatDown:         chatDown,
		AuxHardDown:      auxHardDown,
		AuxDegraded:      auxDegraded,
		WebAnyDown:       webSt.AnyDown,
		WebEffectiveDown: webSt.EffectiveDown,
		WebPartialDown:   webSt.PartialDown,
		Irregularity:     irregularity,
		Frustration:      frustration,
		HighRisk:         highRisk,
	}

	switch {
	case bypass:
		s.Mode = ModeBypass
		// Trigger precedence within BYPASS: a dead chat model beats a dead
		// web capability beats silent failure beats an explicit override.
		switch {
		case chatDown:
			s.Trigger = "chat_down"
		case webSt.EffectiveDown:
			s.Trigger = "web_effective_down"
		case silentFailure:
			s.Trigger = "silent_failure"
		default:
			s.Trigger = "bypass_override"
		}
	case strike:
		s.Mode = ModeStrike
		switch {
		case auxHardDown:
			s.Trigger = "aux_down_hard"
		case irregularity >= o.config.StrikeThreshold:
			s.Trigger = "irregularity_high"
		case highRisk:
			s.Trigger = "high_risk"
		default:
			s.Trigger = "user_frustration"
		}
	case compression:
		s.Mode = ModeCompression
		switch {
		case auxDegraded:
			s.Trigger = "aux_degraded"
		case irregularity >= o.config.CompressionThreshold:
			s.Trigger = "irregularity_elevated"
		default:
			s.Trigger = "compression_requested"
		}
	default:
		s.Mode = ModeNormal
	}

	if chatDown {
		s.Reasons = append(s.Reasons, "chat_down")
	}
	for _, key := range hardDownKeys {
		s.Reasons = append(s.Reasons, "aux_down_hard:"+key)
	}
	for _, key := range optionalDownKeys {
		s.Reasons = append(s.Reasons, "optional_open:"+key)
	}
	if webSt.EffectiveDown {
		s.Reasons = append(s.Reasons, "web_effective_down")
	} else if webSt.PartialDown {
		s.Reasons = append(s.Reasons, "web_partial_down")
	}
	if silentFailure {
		s.Reasons = append(s.Reasons, "silent_failure")
	}
	if irregularity > 0 {
		s.Reasons = append(s.Reasons, fmt.Sprintf("irregularity=%.2f", irregularity))
	}
	if frustration {
		s.Reasons = append(s.Reasons, "user_frustration")
	}
	if highRisk {
		s.Reasons = append(s.Reasons, "high_risk")
	}
	if compressionRequested {
		s.Reasons = append(s.Reasons, "compression_requested:"+compressionWhy)
	}
	if bypassForced {
		s.Reasons = append(s.Reasons, "bypass_override:"+bypassWhy)
	}

	ctx.setSignals(s)

	if o.config.OnDecision != nil {
		o.config.OnDecision(string(s.Mode), s.Trigger)
	}
	o.logger.LogModeDecision(context.Background(), ctx.RequestID(), string(s.Mode), s.Trigger, irregularity, nil)

	return s
}

// ObserveSuccess records a successful call against the key and refreshes
// the request's signals.
func (o *Orchestrator) ObserveSuccess(ctx *Context, key string) Signals {
	o.registry.RecordSuccess(key)
	return o.Recompute(ctx)
}

// ObserveFailure records a classified failure against the key, attributes
// a decaying penalty to the request, and refreshes its signals.
func (o *Orchestrator) ObserveFailure(ctx *Context, key string, kind breaker.FailureKind, reason string) Signals {
	o.registry.RecordFailureKind(key, kind, reason)
	ctx.Ledger().RecordBucketedPenalty("breaker."+key, "breaker", key, 0.08, reason)
	return o.Recompute(ctx)
}

// ObserveRateLimit records an upstream rate limit signal. Local pacing
// cooldowns are not provider outages and leave the registry alone. A key
// is escalated at most once per request; duplicate 429s from parallel
// fan-out calls still refresh the signals but do not stack backoff.
func (o *Orchestrator) ObserveRateLimit(ctx *Context, key string, retryAfter time.Duration, reason string) Signals {
	if strings.Contains(strings.ToLower(reason), "cooldown") {
		o.logger.Debug("Skipping local cooldown signal", "key", key, "reason", reason)
		s, _ := ctx.Signals()
		return s
	}

	if ctx.markRateLimitOnce(key) {
		o.registry.RecordRateLimit(key, retryAfter, reason)
		ctx.Ledger().RecordPenaltyOnce("ratelimit:"+key, "breaker", key, 0.08, reason)
		if o.config.OnRateLimit != nil {
			o.config.OnRateLimit(key)
		}
	}

	return o.Recompute(ctx)
}

// frustrationPhrases are checked against the lowercased user query
var frustrationPhrases = []string{
	"not working",
	"still wrong",
	"still not",
	"doesn't work",
	"does not work",
	"broken",
	"useless",
	"try again",
	"wrong again",
}

// looksFrustrated is a cheap heuristic over the raw user query
func looksFrustrated(query string) bool {
	if query == "" {
		return false
	}
	q := strings.ToLower(query)
	for _, phrase := range frustrationPhrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}
