package breaker

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NikhilSetiya/pipeline-guard/pkg/logging"
)

// State represents the state of a breaker key
type State int

const (
	// StateClosed - calls are allowed
	StateClosed State = iota
	// StateOpen - calls are rejected until the cooldown expires
	StateOpen
	// StateHalfOpen - a bounded number of trial calls are allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// FailureKind classifies what tripped or degraded a key
type FailureKind string

const (
	KindFailure   FailureKind = "failure"
	KindTimeout   FailureKind = "timeout"
	KindRateLimit FailureKind = "rate_limit"
	KindRejected  FailureKind = "rejected"
	KindEmpty     FailureKind = "empty"
)

// Config holds registry-wide breaker tuning
type Config struct {
	// FailureThreshold is how many consecutive failures trip a key
	FailureThreshold int
	// BaseCooldown is the open duration after the first trip
	BaseCooldown time.Duration
	// MaxCooldown caps the exponential backoff of repeated trips
	MaxCooldown time.Duration
	// BackoffMultiplier scales the cooldown per consecutive open
	BackoffMultiplier float64
	// RateLimitCooldown is the default window when a 429 carries no hint
	RateLimitCooldown time.Duration
	// MaxRateLimitCooldown caps the rate limit backoff
	MaxRateLimitCooldown time.Duration
	// HalfOpenMaxTrials bounds concurrent trial calls while half-open
	HalfOpenMaxTrials int
	// HalfOpenSuccessThreshold is how many trial successes close a key
	HalfOpenSuccessThreshold int
	// OnStateChange is called whenever a key changes state
	OnStateChange func(key string, from, to State)
	// OnTrip is called whenever a key trips open or takes a rate limit window
	OnTrip func(key string, kind FailureKind)
	// Now overrides the clock, for tests
	Now func() time.Time
}

// DefaultConfig returns the default breaker tuning
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         3,
		BaseCooldown:             30 * time.Second,
		MaxCooldown:              10 * time.Minute,
		BackoffMultiplier:        2.0,
		RateLimitCooldown:        60 * time.Second,
		MaxRateLimitCooldown:     15 * time.Minute,
		HalfOpenMaxTrials:        1,
		HalfOpenSuccessThreshold: 1,
	}
}

// keyState holds the per-key state machine. All fields are guarded by mu.
type keyState struct {
	mu sync.Mutex

	state                 State
	consecutiveFailures   int
	consecutiveRateLimits int
	consecutiveOpens      int
	trialCalls            int
	halfOpenSuccesses     int

	cooldownUntil  time.Time
	rateLimitUntil time.Time
	openSince      time.Time

	lastKind   FailureKind
	lastReason string
}

// Registry tracks an independent breaker state machine per string key.
// Keys are created lazily on first observation and never removed.
type Registry struct {
	config Config
	now    func() time.Time
	logger *logging.Logger

	states sync.Map // string -> *keyState
}

// NewRegistry creates a registry with the given configuration, filling
// unset fields from DefaultConfig.
func NewRegistry(config Config) *Registry {
	defaults := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.BaseCooldown <= 0 {
		config.BaseCooldown = defaults.BaseCooldown
	}
	if config.MaxCooldown <= 0 {
		config.MaxCooldown = defaults.MaxCooldown
	}
	if config.BackoffMultiplier < 1.0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.RateLimitCooldown <= 0 {
		config.RateLimitCooldown = defaults.RateLimitCooldown
	}
	if config.MaxRateLimitCooldown <= 0 {
		config.MaxRateLimitCooldown = defaults.MaxRateLimitCooldown
	}
	if config.HalfOpenMaxTrials <= 0 {
		config.HalfOpenMaxTrials = defaults.HalfOpenMaxTrials
	}
	if config.HalfOpenSuccessThreshold <= 0 {
		config.HalfOpenSuccessThreshold = defaults.HalfOpenSuccessThreshold
	}

	r := &Registry{
		config: config,
		now:    config.Now,
		logger: logging.GetLogger(),
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Registry) get(key string) *keyState {
	if v, ok := r.states.Load(key); ok {
		return v.(*keyState)
	}
	v, _ := r.states.LoadOrStore(key, &keyState{})
	return v.(*keyState)
}

// peek looks a key up without registering it. Queries on unknown keys must
// not grow the registry; only recorded observations create state.
func (r *Registry) peek(key string) (*keyState, bool) {
	if v, ok := r.states.Load(key); ok {
		return v.(*keyState), true
	}
	return nil, false
}

// RecordFailure records a generic failure for the key. The key trips open
// once consecutive failures reach the configured threshold.
func (r *Registry) RecordFailure(key string) {
	r.RecordFailureKind(key, KindFailure, "")
}

// RecordFailureKind records a classified failure for the key.
func (r *Registry) RecordFailureKind(key string, kind FailureKind, reason string) {
	s := r.get(key)
	now := r.now()

	s.mu.Lock()
	from := r.refresh(key, s, now)

	s.lastKind = kind
	s.lastReason = reason

	if s.state == StateHalfOpen {
		// A failed trial reopens immediately with a longer cooldown.
		r.trip(key, s, now, kind)
		to := s.state
		s.mu.Unlock()
		r.notifyChange(key, from, to)
		return
	}

	s.consecutiveFailures++
	if s.state == StateClosed && s.consecutiveFailures >= r.config.FailureThreshold {
		r.trip(key, s, now, kind)
	}
	to := s.state
	s.mu.Unlock()
	r.notifyChange(key, from, to)
}

// RecordSuccess records a successful call. A trial success while half-open
// counts toward closing; success otherwise clears the failure streak and any
// remaining rate limit window.
func (r *Registry) RecordSuccess(key string) {
	s := r.get(key)
	now := r.now()

	s.mu.Lock()
	from := r.refresh(key, s, now)

	s.consecutiveFailures = 0
	s.consecutiveRateLimits = 0
	s.rateLimitUntil = time.Time{}

	switch s.state {
	case StateHalfOpen:
		s.halfOpenSuccesses++
		if s.halfOpenSuccesses >= r.config.HalfOpenSuccessThreshold {
			r.close(key, s)
		}
	case StateOpen:
		// Success observed despite the open state means the dependency
		// recovered under our feet. Close rather than wait out the cooldown.
		r.close(key, s)
	}
	to := s.state
	s.mu.Unlock()
	r.notifyChange(key, from, to)
}

// RecordRateLimit records an upstream rate limit signal for the key and
// opens a rate limit window immediately, regardless of the failure streak.
// A window already in place is never shortened. A zero cooldown falls back
// to the configured default; repeated signals back off exponentially.
func (r *Registry) RecordRateLimit(key string, cooldown time.Duration, reason string) {
	s := r.get(key)
	now := r.now()

	s.mu.Lock()
	from := r.refresh(key, s, now)

	base := cooldown
	if base <= 0 {
		base = r.config.RateLimitCooldown
	}

	s.consecutiveRateLimits++
	window := backoff(base, s.consecutiveRateLimits-1, r.config.BackoffMultiplier, r.config.MaxRateLimitCooldown)

	until := now.Add(window)
	if until.After(s.rateLimitUntil) {
		s.rateLimitUntil = until
	}
	s.lastKind = KindRateLimit
	s.lastReason = reason
	consecutive := s.consecutiveRateLimits
	to := s.state
	s.mu.Unlock()

	if r.config.OnTrip != nil {
		r.config.OnTrip(key, KindRateLimit)
	}
	r.notifyChange(key, from, to)

	r.logger.Warn("Rate limit window opened",
		"key", key,
		"window", window.String(),
		"consecutive", consecutive,
		"reason", reason,
	)
}

// IsOpen reports whether calls against the key should be rejected outright.
// Unknown keys are closed.
func (r *Registry) IsOpen(key string) bool {
	s, ok := r.peek(key)
	if !ok {
		return false
	}
	now := r.now()

	s.mu.Lock()
	from := r.refresh(key, s, now)
	open := s.state == StateOpen || now.Before(s.rateLimitUntil)
	to := s.state
	s.mu.Unlock()
	r.notifyChange(key, from, to)
	return open
}

// IsOpenOrHalfOpen reports whether the key is in any degraded state,
// including the rate limit window of an otherwise closed key.
func (r *Registry) IsOpenOrHalfOpen(key string) bool {
	s, ok := r.peek(key)
	if !ok {
		return false
	}
	now := r.now()

	s.mu.Lock()
	from := r.refresh(key, s, now)
	degraded := s.state != StateClosed || now.Before(s.rateLimitUntil)
	to := s.state
	s.mu.Unlock()
	r.notifyChange(key, from, to)
	return degraded
}

// RemainingOpen returns how long the key stays blocked, zero when healthy.
func (r *Registry) RemainingOpen(key string) time.Duration {
	s, ok := r.peek(key)
	if !ok {
		return 0
	}
	now := r.now()

	s.mu.Lock()
	from := r.refresh(key, s, now)
	var remaining time.Duration
	if s.state == StateOpen {
		remaining = governingUntil(s).Sub(now)
	} else if now.Before(s.rateLimitUntil) {
		remaining = s.rateLimitUntil.Sub(now)
	}
	to := s.state
	s.mu.Unlock()
	r.notifyChange(key, from, to)

	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Allow reports whether a call may proceed against the key. While half-open
// it admits at most HalfOpenMaxTrials callers as probes.
func (r *Registry) Allow(key string) bool {
	s, ok := r.peek(key)
	if !ok {
		return true
	}
	now := r.now()

	s.mu.Lock()
	from := r.refresh(key, s, now)

	var allowed bool
	switch {
	case s.state == StateOpen:
		allowed = false
	case now.Before(s.rateLimitUntil):
		allowed = false
	case s.state == StateHalfOpen:
		if s.trialCalls < r.config.HalfOpenMaxTrials {
			s.trialCalls++
			allowed = true
		}
	default:
		allowed = true
	}
	to := s.state
	s.mu.Unlock()
	r.notifyChange(key, from, to)
	return allowed
}

// IsAnyOpenPrefix reports whether any key with the given prefix is degraded.
// An empty prefix matches nothing.
func (r *Registry) IsAnyOpenPrefix(prefix string) bool {
	if prefix == "" {
		return false
	}

	found := false
	r.states.Range(func(k, _ interface{}) bool {
		key := k.(string)
		if strings.HasPrefix(key, prefix) && r.IsOpenOrHalfOpen(key) {
			found = true
			return false
		}
		return true
	})
	return found
}

// StateView is a point-in-time observation of one key
type StateView struct {
	Key                   string        `json:"key"`
	State                 string        `json:"state"`
	Degraded              bool          `json:"degraded"`
	Remaining             time.Duration `json:"remaining_ns"`
	ConsecutiveFailures   int           `json:"consecutive_failures"`
	ConsecutiveRateLimits int           `json:"consecutive_rate_limits"`
	ConsecutiveOpens      int           `json:"consecutive_opens"`
	TrialCalls            int           `json:"trial_calls"`
	OpenSince             time.Time     `json:"open_since,omitempty"`
	LastKind              FailureKind   `json:"last_kind,omitempty"`
	LastReason            string        `json:"last_reason,omitempty"`
}

// Inspect returns the current view of one key and whether it has ever
// been observed.
func (r *Registry) Inspect(key string) (StateView, bool) {
	if _, ok := r.states.Load(key); !ok {
		return StateView{Key: key, State: StateClosed.String()}, false
	}

	s := r.get(key)
	now := r.now()

	s.mu.Lock()
	from := r.refresh(key, s, now)
	view := r.viewLocked(key, s, now)
	to := s.state
	s.mu.Unlock()
	r.notifyChange(key, from, to)
	return view, true
}

// Snapshot returns views of all observed keys, sorted by key.
func (r *Registry) Snapshot() []StateView {
	var views []StateView
	r.states.Range(func(k, v interface{}) bool {
		key := k.(string)
		s := v.(*keyState)
		now := r.now()

		s.mu.Lock()
		from := r.refresh(key, s, now)
		views = append(views, r.viewLocked(key, s, now))
		to := s.state
		s.mu.Unlock()
		r.notifyChange(key, from, to)
		return true
	})

	sort.Slice(views, func(i, j int) bool { return views[i].Key < views[j].Key })
	return views
}

func (r *Registry) viewLocked(key string, s *keyState, now time.Time) StateView {
	remaining := time.Duration(0)
	if s.state == StateOpen {
		remaining = governingUntil(s).Sub(now)
	} else if now.Before(s.rateLimitUntil) {
		remaining = s.rateLimitUntil.Sub(now)
	}
	if remaining < 0 {
		remaining = 0
	}

	return StateView{
		Key:                   key,
		State:                 s.state.String(),
		Degraded:              s.state != StateClosed || now.Before(s.rateLimitUntil),
		Remaining:             remaining,
		ConsecutiveFailures:   s.consecutiveFailures,
		ConsecutiveRateLimits: s.consecutiveRateLimits,
		ConsecutiveOpens:      s.consecutiveOpens,
		TrialCalls:            s.trialCalls,
		OpenSince:             s.openSince,
		LastKind:              s.lastKind,
		LastReason:            s.lastReason,
	}
}

// refresh performs the lazy OPEN -> HALF_OPEN transition on whichever caller
// touches the key first after expiry. Returns the state before refreshing so
// callers can emit the change notification outside the lock.
func (r *Registry) refresh(key string, s *keyState, now time.Time) State {
	from := s.state
	if s.state == StateOpen && !now.Before(governingUntil(s)) {
		s.state = StateHalfOpen
		s.trialCalls = 0
		s.halfOpenSuccesses = 0
		r.logger.Info("Breaker half-open",
			"key", key,
			"consecutive_opens", s.consecutiveOpens,
		)
	}
	return from
}

// trip moves the key to OPEN with an exponentially backed off cooldown.
// Caller holds s.mu.
func (r *Registry) trip(key string, s *keyState, now time.Time, kind FailureKind) {
	cooldown := backoff(r.config.BaseCooldown, s.consecutiveOpens, r.config.BackoffMultiplier, r.config.MaxCooldown)

	s.state = StateOpen
	s.consecutiveOpens++
	s.cooldownUntil = now.Add(cooldown)
	s.openSince = now
	s.trialCalls = 0
	s.halfOpenSuccesses = 0

	if r.config.OnTrip != nil {
		r.config.OnTrip(key, kind)
	}

	r.logger.Warn("Breaker tripped",
		"key", key,
		"kind", string(kind),
		"cooldown", cooldown.String(),
		"consecutive_failures", s.consecutiveFailures,
		"consecutive_opens", s.consecutiveOpens,
	)
}

// close resets the key to CLOSED. Caller holds s.mu.
func (r *Registry) close(key string, s *keyState) {
	s.state = StateClosed
	s.consecutiveFailures = 0
	s.consecutiveOpens = 0
	s.trialCalls = 0
	s.halfOpenSuccesses = 0
	s.cooldownUntil = time.Time{}
	s.openSince = time.Time{}

	r.logger.Info("Breaker closed", "key", key)
}

func (r *Registry) notifyChange(key string, from, to State) {
	if from == to {
		return
	}
	r.logger.LogBreakerEvent(context.Background(), "state_change", key, from.String(), to.String(), nil)
	if r.config.OnStateChange != nil {
		r.config.OnStateChange(key, from, to)
	}
}

// governingUntil returns the later of the failure cooldown and the rate
// limit window. While OPEN, the later expiry wins.
func governingUntil(s *keyState) time.Time {
	if s.rateLimitUntil.After(s.cooldownUntil) {
		return s.rateLimitUntil
	}
	return s.cooldownUntil
}

// backoff computes base * multiplier^n capped at max.
func backoff(base time.Duration, n int, multiplier float64, max time.Duration) time.Duration {
	if n <= 0 {
		if base > max {
			return max
		}
		return base
	}

	scaled := float64(base) * math.Pow(multiplier, float64(n))
	if scaled > float64(max) {
		return max
	}
	return time.Duration(scaled)
}
