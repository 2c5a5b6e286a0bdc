package guard

import (
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/pipeline-guard/internal/attribution"
)

// Mode is the pipeline operating mode for one request
type Mode string

const (
	// ModeNormal - full pipeline
	ModeNormal Mode = "NORMAL"
	// ModeCompression - compress intermediate work, keep all stages
	ModeCompression Mode = "COMPRESSION"
	// ModeStrike - drop optional stages
	ModeStrike Mode = "STRIKE"
	// ModeBypass - skip the pipeline, answer directly
	ModeBypass Mode = "BYPASS"
)

// Context carries the degradation state of a single request. It is passed
// explicitly through the pipeline; all methods are safe for concurrent use
// by fan-out stages.
type Context struct {
	mu sync.Mutex

	requestID string
	userQuery string

	highRisk       bool
	sensitiveTopic bool

	irregularityScore   float64
	irregularityReasons []string
	optionalSum         float64
	optionalEvents      int
	droppedBumps        int

	compressionRequested bool
	compressionReason    string
	bypassForced         bool
	bypassReason         string

	capPartialDown   map[string]bool
	capEffectiveDown map[string]bool
	preferred        map[string]string
	planOverrides    map[string]interface{}

	auxDegraded bool
	auxHardDown bool

	rateLimitSeen map[string]bool

	ledger *attribution.Ledger

	signals     Signals
	haveSignals bool

	finished bool
}

// NewContext creates a request context with a fresh ID and ledger
func NewContext(userQuery string) *Context {
	return NewContextWithLedger(userQuery, attribution.NewLedger(attribution.Config{}))
}

// NewContextWithLedger creates a request context around an existing ledger
func NewContextWithLedger(userQuery string, ledger *attribution.Ledger) *Context {
	return &Context{
		requestID:        uuid.New().String(),
		userQuery:        userQuery,
		capPartialDown:   make(map[string]bool),
		capEffectiveDown: make(map[string]bool),
		preferred:        make(map[string]string),
		planOverrides:    make(map[string]interface{}),
		rateLimitSeen:    make(map[string]bool),
		ledger:           ledger,
	}
}

// RequestID returns the request's unique ID
func (c *Context) RequestID() string {
	return c.requestID
}

// UserQuery returns the originating user query
func (c *Context) UserQuery() string {
	return c.userQuery
}

// SetHighRisk flags the request as high risk
func (c *Context) SetHighRisk(v bool) {
	c.mu.Lock()
	c.highRisk = v
	c.mu.Unlock()
}

// HighRisk reports whether the request is flagged high risk
func (c *Context) HighRisk() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highRisk
}

// SetSensitiveTopic flags the request as touching a sensitive topic
func (c *Context) SetSensitiveTopic(v bool) {
	c.mu.Lock()
	c.sensitiveTopic = v
	c.mu.Unlock()
}

// SensitiveTopic reports whether the request touches a sensitive topic
func (c *Context) SensitiveTopic() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sensitiveTopic
}

// BumpIrregularity raises the irregularity score by delta, clamped to
// [0, 1]. Non-positive deltas are ignored.
func (c *Context) BumpIrregularity(delta float64, reason string) {
	if delta <= 0 {
		return
	}

	c.mu.Lock()
	c.irregularityScore = clamp01(c.irregularityScore + delta)
	if reason != "" {
		c.irregularityReasons = append(c.irregularityReasons, reason)
	}
	c.mu.Unlock()
}

// BumpIrregularityCapped applies a damped bump for optional signals: the
// delta is cut to perCallCap, the total optional contribution may not pass
// ceiling, and at most maxEvents optional bumps are accepted per request.
// Returns the delta actually applied and whether the bump was dropped.
func (c *Context) BumpIrregularityCapped(delta float64, reason string, perCallCap, ceiling float64, maxEvents int) (float64, bool) {
	if delta <= 0 {
		return 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if maxEvents > 0 && c.optionalEvents >= maxEvents {
		c.droppedBumps++
		return 0, true
	}

	applied := delta
	if perCallCap > 0 && applied > perCallCap {
		applied = perCallCap
	}
	if ceiling > 0 {
		headroom := ceiling - c.optionalSum
		if headroom <= 0 {
			c.droppedBumps++
			return 0, true
		}
		if applied > headroom {
			applied = headroom
		}
	}

	c.optionalSum += applied
	c.optionalEvents++
	c.irregularityScore = clamp01(c.irregularityScore + applied)
	if reason != "" {
		c.irregularityReasons = append(c.irregularityReasons, reason)
	}
	return applied, false
}

// IrregularityScore returns the current irregularity score
func (c *Context) IrregularityScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.irregularityScore
}

// IrregularityReasons returns a copy of the accumulated bump reasons
func (c *Context) IrregularityReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.irregularityReasons))
	copy(out, c.irregularityReasons)
	return out
}

// DroppedBumps returns how many optional bumps damping rejected
func (c *Context) DroppedBumps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.droppedBumps
}

// OptionalBudget returns the consumed optional bump budget
func (c *Context) OptionalBudget() (sum float64, events int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optionalSum, c.optionalEvents
}

// RequestCompression asks for compression mode, typically from a quality
// judge that found intermediate output too noisy.
func (c *Context) RequestCompression(reason string) {
	c.mu.Lock()
	if !c.compressionRequested {
		c.compressionRequested = true
		c.compressionReason = reason
	}
	c.mu.Unlock()
}

// CompressionRequested reports whether compression was requested
func (c *Context) CompressionRequested() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compressionRequested, c.compressionReason
}

// ForceBypass forces bypass mode for the request
func (c *Context) ForceBypass(reason string) {
	c.mu.Lock()
	if !c.bypassForced {
		c.bypassForced = true
		c.bypassReason = reason
	}
	c.mu.Unlock()
}

// BypassForced reports whether bypass was forced
func (c *Context) BypassForced() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bypassForced, c.bypassReason
}

// SetPlanOverride stores a plan-level override value under the given key
func (c *Context) SetPlanOverride(key string, value interface{}) {
	c.mu.Lock()
	c.planOverrides[key] = value
	c.mu.Unlock()
}

// PlanBool reads a boolean plan override, fail-soft: coercion failures and
// missing keys return the default.
func (c *Context) PlanBool(key string, def bool) bool {
	c.mu.Lock()
	v, ok := c.planOverrides[key]
	c.mu.Unlock()
	if !ok {
		return def
	}

	switch t := v.(type) {
	case bool:
		return t
	case string:
		if parsed, err := strconv.ParseBool(t); err == nil {
			return parsed
		}
	case int:
		return t != 0
	case float64:
		return t != 0
	}
	return def
}

// PlanInt reads an integer plan override, fail-soft
func (c *Context) PlanInt(key string, def int) int {
	c.mu.Lock()
	v, ok := c.planOverrides[key]
	c.mu.Unlock()
	if !ok {
		return def
	}

	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if parsed, err := strconv.Atoi(t); err == nil {
			return parsed
		}
	}
	return def
}

// PlanFloat reads a float plan override, fail-soft
func (c *Context) PlanFloat(key string, def float64) float64 {
	c.mu.Lock()
	v, ok := c.planOverrides[key]
	c.mu.Unlock()
	if !ok {
		return def
	}

	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		if parsed, err := strconv.ParseFloat(t, 64); err == nil {
			return parsed
		}
	}
	return def
}

// PlanString reads a string plan override, fail-soft
func (c *Context) PlanString(key string, def string) string {
	c.mu.Lock()
	v, ok := c.planOverrides[key]
	c.mu.Unlock()
	if !ok {
		return def
	}

	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// MarkCapabilityDown records the aggregated health of a capability
func (c *Context) MarkCapabilityDown(name string, partial, effective bool) {
	c.mu.Lock()
	c.capPartialDown[name] = partial
	c.capEffectiveDown[name] = effective
	c.mu.Unlock()
}

// EffectiveDown reports whether the capability is unusable as a whole
func (c *Context) EffectiveDown(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capEffectiveDown[name]
}

// PartialDown reports whether some providers of the capability are down
func (c *Context) PartialDown(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capPartialDown[name]
}

// SetPreferredProvider records an advisory provider preference for a
// partially degraded capability
func (c *Context) SetPreferredProvider(capability, member string) {
	c.mu.Lock()
	if member == "" {
		delete(c.preferred, capability)
	} else {
		c.preferred[capability] = member
	}
	c.mu.Unlock()
}

// PreferredProvider returns the advisory provider preference, if any
func (c *Context) PreferredProvider(capability string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred[capability]
}

// setAux records the auxiliary stage health flags
func (c *Context) setAux(degraded, hardDown bool) {
	c.mu.Lock()
	c.auxDegraded = degraded
	c.auxHardDown = hardDown
	c.mu.Unlock()
}

// AuxDegraded reports whether any auxiliary stage is degraded
func (c *Context) AuxDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auxDegraded
}

// AuxHardDown reports whether a required auxiliary stage is down
func (c *Context) AuxHardDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auxHardDown
}

// markRateLimitOnce reports whether this is the first rate limit signal
// for the key within this request. Later duplicates must not escalate
// the shared backoff.
func (c *Context) markRateLimitOnce(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rateLimitSeen[key] {
		return false
	}
	c.rateLimitSeen[key] = true
	return true
}

// Ledger returns the request's attribution ledger
func (c *Context) Ledger() *attribution.Ledger {
	return c.ledger
}

func (c *Context) setSignals(s Signals) {
	c.mu.Lock()
	c.signals = s
	c.haveSignals = true
	c.mu.Unlock()
}

// Signals returns the last computed signals and whether any exist yet
func (c *Context) Signals() (Signals, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signals, c.haveSignals
}

// Mode returns the last computed mode, NORMAL before any recompute
func (c *Context) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveSignals {
		return ModeNormal
	}
	return c.signals.Mode
}

// ModeReason returns the primary trigger of the last mode decision
func (c *Context) ModeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signals.Trigger
}

// Finish seals the request: the ledger is finalized exactly once, on every
// exit path including cancellation. Safe to call repeatedly.
func (c *Context) Finish() {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()

	c.ledger.Finalize()
}

// Finished reports whether the request is sealed
func (c *Context) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Copy returns an isolated copy for speculative work. Maps and slices are
// deep copied; the ledger is shared so penalties still land in one place.
func (c *Context) Copy() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := &Context{
		requestID:            c.requestID,
		userQuery:            c.userQuery,
		highRisk:             c.highRisk,
		sensitiveTopic:       c.sensitiveTopic,
		irregularityScore:    c.irregularityScore,
		optionalSum:          c.optionalSum,
		optionalEvents:       c.optionalEvents,
		droppedBumps:         c.droppedBumps,
		compressionRequested: c.compressionRequested,
		compressionReason:    c.compressionReason,
		bypassForced:         c.bypassForced,
		bypassReason:         c.bypassReason,
		auxDegraded:          c.auxDegraded,
		auxHardDown:          c.auxHardDown,
		ledger:               c.ledger,
		signals:              c.signals,
		haveSignals:          c.haveSignals,
		capPartialDown:       make(map[string]bool, len(c.capPartialDown)),
		capEffectiveDown:     make(map[string]bool, len(c.capEffectiveDown)),
		preferred:            make(map[string]string, len(c.preferred)),
		planOverrides:        make(map[string]interface{}, len(c.planOverrides)),
		rateLimitSeen:        make(map[string]bool, len(c.rateLimitSeen)),
	}
	cp.irregularityReasons = append(cp.irregularityReasons, c.irregularityReasons...)
	for k, v := range c.capPartialDown {
		cp.capPartialDown[k] = v
	}
	for k, v := range c.capEffectiveDown {
		cp.capEffectiveDown[k] = v
	}
	for k, v := range c.preferred {
		cp.preferred[k] = v
	}
	for k, v := range c.planOverrides {
		cp.planOverrides[k] = v
	}
	for k, v := range c.rateLimitSeen {
		cp.rateLimitSeen[k] = v
	}
	return cp
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
