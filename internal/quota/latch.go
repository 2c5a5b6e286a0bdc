package quota

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/pipeline-guard/pkg/logging"
)

// Config holds one provider's quota tuning
type Config struct {
	// Provider is the provider name the latch guards
	Provider string
	// MonthlyMax is the call budget per calendar month, 0 for unmetered
	MonthlyMax int
	// OnUpdate is called after any change to remaining budget or latch state
	OnUpdate func(provider string, remaining int, latched bool)
	// OnReset is called when the month rolls over
	OnReset func(provider string)
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Latch is an extend-only pause switch for one provider, combined with a
// monthly call budget. A latched provider is skipped without probing until
// the latch expires or the month rolls over.
type Latch struct {
	mu sync.Mutex

	provider   string
	monthlyMax int
	remaining  int
	exhausted  bool
	latchUntil int64 // epoch millis, 0 when unlatched
	lastReset  time.Time

	now      func() time.Time
	onUpdate func(string, int, bool)
	onReset  func(string)
	logger   *logging.Logger
}

// NewLatch creates a latch for the given provider
func NewLatch(config Config) *Latch {
	l := &Latch{
		provider:   config.Provider,
		monthlyMax: config.MonthlyMax,
		remaining:  config.MonthlyMax,
		now:        config.Now,
		onUpdate:   config.OnUpdate,
		onReset:    config.OnReset,
		logger:     logging.GetLogger(),
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.lastReset = l.now()
	return l
}

// Provider returns the provider name
func (l *Latch) Provider() string {
	return l.provider
}

// LatchUntil pauses the provider until the given epoch milliseconds. The
// latch only ever extends; a shorter deadline than the current one is a
// no-op. Deadlines in the past are ignored.
func (l *Latch) LatchUntil(epochMs int64) {
	l.mu.Lock()
	nowMs := l.now().UnixMilli()
	if epochMs <= nowMs || epochMs <= l.latchUntil {
		l.mu.Unlock()
		return
	}
	l.latchUntil = epochMs
	remaining := l.remaining
	l.mu.Unlock()

	l.notifyUpdate(remaining, true)
	l.logger.Info("Provider latched",
		"provider", l.provider,
		"until", time.UnixMilli(epochMs).UTC().Format(time.RFC3339),
	)
}

// Clear drops the latch immediately. The exhaustion flag is untouched.
func (l *Latch) Clear() {
	l.mu.Lock()
	l.latchUntil = 0
	remaining := l.remaining
	exhausted := l.exhaustedLocked(l.now())
	l.mu.Unlock()

	l.notifyUpdate(remaining, exhausted)
}

// Latched reports whether the provider is currently paused. Expiry is lazy:
// the first query past the deadline observes the latch as released.
func (l *Latch) Latched() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latchedLocked(l.now())
}

// RemainingMs returns how many milliseconds of latch remain, zero when
// unlatched or expired.
func (l *Latch) RemainingMs() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMs := l.now().UnixMilli()
	if l.latchUntil <= nowMs {
		return 0
	}
	return l.latchUntil - nowMs
}

// MarkExhausted records that the provider's monthly budget is spent and
// latches it until the given reset time. A non-positive resetAt falls back
// to the start of next month in UTC.
func (l *Latch) MarkExhausted(resetAt int64) {
	now := l.now()
	if resetAt <= 0 {
		resetAt = NextMonthStartUTC(now)
	}

	l.mu.Lock()
	l.exhausted = true
	l.remaining = 0
	if resetAt > l.latchUntil {
		l.latchUntil = resetAt
	}
	l.mu.Unlock()

	l.notifyUpdate(0, true)
	l.logger.LogQuotaEvent(context.Background(), "exhausted", l.provider, 0, logrus.Fields{
		"reset_at": time.UnixMilli(resetAt).UTC().Format(time.RFC3339),
	})
}

// Exhausted reports whether the monthly budget is spent
func (l *Latch) Exhausted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exhausted
}

// MaybeReset rolls the budget over when the calendar month of today differs
// from the last reset. Returns true when a rollover happened. Repeated calls
// within the same month are no-ops.
func (l *Latch) MaybeReset(today time.Time) bool {
	l.mu.Lock()
	last := l.lastReset.UTC()
	cur := today.UTC()
	if last.Year() == cur.Year() && last.Month() == cur.Month() {
		l.mu.Unlock()
		return false
	}

	l.lastReset = today
	l.exhausted = false
	l.remaining = l.monthlyMax
	l.latchUntil = 0
	remaining := l.remaining
	l.mu.Unlock()

	if l.onReset != nil {
		l.onReset(l.provider)
	}
	l.notifyUpdate(remaining, false)
	l.logger.LogQuotaEvent(context.Background(), "month_reset", l.provider, remaining, nil)
	return true
}

// Usable reports whether the provider may be called right now. The month
// rollover check runs first so a stale exhaustion flag from last month can
// never block the first call of a new month.
func (l *Latch) Usable() bool {
	now := l.now()
	l.MaybeReset(now)

	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.exhaustedLocked(now) && !l.latchedLocked(now)
}

// ConsumeOne decrements the monthly budget by one call. Returns false
// without consuming when the provider is latched or out of budget. Hitting
// zero marks the provider exhausted until next month.
func (l *Latch) ConsumeOne() bool {
	now := l.now()
	l.MaybeReset(now)

	l.mu.Lock()
	if l.exhaustedLocked(now) || l.latchedLocked(now) {
		l.mu.Unlock()
		return false
	}
	if l.monthlyMax > 0 {
		l.remaining--
		if l.remaining <= 0 {
			l.remaining = 0
			l.exhausted = true
			if reset := NextMonthStartUTC(now); reset > l.latchUntil {
				l.latchUntil = reset
			}
		}
	}
	remaining := l.remaining
	exhausted := l.exhausted
	l.mu.Unlock()

	l.notifyUpdate(remaining, exhausted)
	return true
}

// RemainingQuota returns the remaining monthly budget
func (l *Latch) RemainingQuota() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

// View is a point-in-time observation of one latch
type View struct {
	Provider    string `json:"provider"`
	Remaining   int    `json:"remaining"`
	MonthlyMax  int    `json:"monthly_max"`
	Exhausted   bool   `json:"exhausted"`
	Latched     bool   `json:"latched"`
	LatchUntil  int64  `json:"latch_until_ms,omitempty"`
	RemainingMs int64  `json:"latch_remaining_ms"`
}

// Snapshot returns the current view of the latch
func (l *Latch) Snapshot() View {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	nowMs := now.UnixMilli()
	remainingMs := int64(0)
	if l.latchUntil > nowMs {
		remainingMs = l.latchUntil - nowMs
	}

	return View{
		Provider:    l.provider,
		Remaining:   l.remaining,
		MonthlyMax:  l.monthlyMax,
		Exhausted:   l.exhausted,
		Latched:     l.latchedLocked(now),
		LatchUntil:  l.latchUntil,
		RemainingMs: remainingMs,
	}
}

func (l *Latch) latchedLocked(now time.Time) bool {
	return l.latchUntil > now.UnixMilli()
}

func (l *Latch) exhaustedLocked(now time.Time) bool {
	return l.exhausted
}

func (l *Latch) notifyUpdate(remaining int, latched bool) {
	if l.onUpdate != nil {
		l.onUpdate(l.provider, remaining, latched)
	}
}

// NextMonthStartUTC returns midnight UTC on the first day of the month
// after now, in epoch milliseconds.
func NextMonthStartUTC(now time.Time) int64 {
	u := now.UTC()
	first := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, 0).UnixMilli()
}
