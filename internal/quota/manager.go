package quota

import (
	"sort"
	"sync"
	"time"
)

// Manager holds the latches for all metered providers
type Manager struct {
	mu      sync.RWMutex
	latches map[string]*Latch

	monthlyMax int
	now        func() time.Time
	onUpdate   func(provider string, remaining int, latched bool)
	onReset    func(provider string)
}

// ManagerConfig holds manager-wide settings applied to lazily created latches
type ManagerConfig struct {
	MonthlyMax int
	OnUpdate   func(provider string, remaining int, latched bool)
	OnReset    func(provider string)
	Now        func() time.Time
}

// NewManager creates a manager with latches for the given providers.
// Unknown providers asked for later are created on demand.
func NewManager(config ManagerConfig, providers ...string) *Manager {
	m := &Manager{
		latches:    make(map[string]*Latch, len(providers)),
		monthlyMax: config.MonthlyMax,
		now:        config.Now,
		onUpdate:   config.OnUpdate,
		onReset:    config.OnReset,
	}
	for _, p := range providers {
		m.latches[p] = m.newLatch(p)
	}
	return m
}

func (m *Manager) newLatch(provider string) *Latch {
	return NewLatch(Config{
		Provider:   provider,
		MonthlyMax: m.monthlyMax,
		OnUpdate:   m.onUpdate,
		OnReset:    m.onReset,
		Now:        m.now,
	})
}

// Get returns the latch for the provider, creating it if needed
func (m *Manager) Get(provider string) *Latch {
	m.mu.RLock()
	l, ok := m.latches[provider]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.latches[provider]; ok {
		return l
	}
	l = m.newLatch(provider)
	m.latches[provider] = l
	return l
}

// Snapshot returns views of all latches, sorted by provider
func (m *Manager) Snapshot() []View {
	m.mu.RLock()
	views := make([]View, 0, len(m.latches))
	for _, l := range m.latches {
		views = append(views, l.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool { return views[i].Provider < views[j].Provider })
	return views
}

// MaybeResetAll runs the month rollover check on every latch
func (m *Manager) MaybeResetAll(today time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.latches {
		l.MaybeReset(today)
	}
}
