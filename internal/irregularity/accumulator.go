package irregularity

import (
	"math"
	"strings"

	"github.com/NikhilSetiya/pipeline-guard/internal/guard"
	"github.com/NikhilSetiya/pipeline-guard/pkg/logging"
)

// Config holds the damping rules for optional signals
type Config struct {
	// PerCallDeltaCap cuts each optional bump to at most this delta
	PerCallDeltaCap float64
	// Ceiling bounds the total optional contribution per request
	Ceiling float64
	// MaxEvents bounds how many optional bumps a request accepts
	MaxEvents int
	// OptionalPrefixes mark which reason prefixes count as optional.
	// Unknown reasons are treated as core signals and bypass damping.
	OptionalPrefixes []string
	// OnAccept is called after every accepted bump
	OnAccept func(optional bool)
	// OnDrop is called whenever damping rejects a bump
	OnDrop func(reason string)
}

// DefaultConfig returns the standard damping rules
func DefaultConfig() Config {
	return Config{
		PerCallDeltaCap: 0.2,
		Ceiling:         0.5,
		MaxEvents:       4,
		OptionalPrefixes: []string{
			"keyword_",
			"disambiguation_",
			"query_transformer_",
		},
	}
}

// Accumulator routes irregularity bumps onto a request context, damping
// signals from optional pre-processing stages so they can degrade but never
// dominate the mode decision.
type Accumulator struct {
	config Config
	logger *logging.Logger
}

// New creates an accumulator with the given damping rules, filling unset
// fields from DefaultConfig.
func New(config Config) *Accumulator {
	defaults := DefaultConfig()
	if config.PerCallDeltaCap <= 0 {
		config.PerCallDeltaCap = defaults.PerCallDeltaCap
	}
	if config.Ceiling <= 0 {
		config.Ceiling = defaults.Ceiling
	}
	if config.MaxEvents <= 0 {
		config.MaxEvents = defaults.MaxEvents
	}
	if config.OptionalPrefixes == nil {
		config.OptionalPrefixes = defaults.OptionalPrefixes
	}

	return &Accumulator{
		config: config,
		logger: logging.GetLogger(),
	}
}

// Bump raises the request's irregularity score by delta for the given
// reason. Optional-stage reasons are damped; core reasons and any bump on
// a high risk or sensitive request go through uncapped. Returns the delta
// actually applied.
func (a *Accumulator) Bump(ctx *guard.Context, delta float64, reason string) float64 {
	if delta <= 0 || math.IsNaN(delta) || math.IsInf(delta, 0) {
		return 0
	}
	if delta > 1 {
		delta = 1
	}

	// High risk and sensitive requests must surface every signal in full.
	bypass := ctx.HighRisk() || ctx.SensitiveTopic()

	if !a.optional(reason) || bypass {
		ctx.BumpIrregularity(delta, reason)
		if a.config.OnAccept != nil {
			a.config.OnAccept(false)
		}
		return delta
	}

	applied, dropped := ctx.BumpIrregularityCapped(delta, reason,
		a.config.PerCallDeltaCap, a.config.Ceiling, a.config.MaxEvents)
	if dropped {
		if a.config.OnDrop != nil {
			a.config.OnDrop(reason)
		}
		a.logger.Debug("Irregularity bump dropped",
			"request_id", ctx.RequestID(),
			"reason", reason,
			"delta", delta,
		)
		return 0
	}

	if a.config.OnAccept != nil {
		a.config.OnAccept(true)
	}
	return applied
}

// optional reports whether the reason belongs to an optional stage
func (a *Accumulator) optional(reason string) bool {
	r := strings.ToLower(reason)
	for _, prefix := range a.config.OptionalPrefixes {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}
