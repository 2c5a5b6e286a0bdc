package health

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBreakerSource struct {
	down map[string]bool
}

func (f *fakeBreakerSource) IsOpenOrHalfOpen(key string) bool {
	return f.down[key]
}

func (f *fakeBreakerSource) IsAnyOpenPrefix(prefix string) bool {
	for key, d := range f.down {
		if d && strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func TestBreakerChecker(t *testing.T) {
	source := &fakeBreakerSource{down: map[string]bool{}}
	checker := NewBreakerChecker(source, "breakers", []string{"chat:draft"}, "")

	check := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)

	source.down["websearch:brave"] = true
	check = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)

	source.down["chat:draft"] = true
	check = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Contains(t, check.Message, "chat:draft")
}

func TestQuotaChecker(t *testing.T) {
	views := []QuotaView{
		{Provider: "websearch:brave", Remaining: 100},
		{Provider: "websearch:naver", Remaining: 50},
	}
	checker := NewQuotaChecker(func() []QuotaView { return views }, "quota")

	check := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)

	views[0].Exhausted = true
	check = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)

	views[1].Latched = true
	check = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
}

func TestCapabilityChecker(t *testing.T) {
	views := []CapabilityView{{Name: "websearch"}}
	checker := NewCapabilityChecker(func() []CapabilityView { return views }, "capabilities")

	check := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)

	views[0].PartialDown = true
	check = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, check.Status)

	views[0].EffectiveDown = true
	check = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
}

func TestServiceAggregatesWorstStatus(t *testing.T) {
	service := NewService(nil, nil)

	service.RegisterChecker("ok", NewCustomChecker("ok", func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "fine", nil
	}))
	service.RegisterChecker("warn", NewCustomChecker("warn", func(ctx context.Context) (Status, string, error) {
		return StatusDegraded, "meh", nil
	}))

	resp := service.CheckHealth(context.Background())
	assert.Equal(t, StatusDegraded, resp.Status)
	require.Len(t, resp.Checks, 2)

	service.RegisterChecker("bad", NewCustomChecker("bad", func(ctx context.Context) (Status, string, error) {
		return StatusUnhealthy, "down", errors.New("boom")
	}))

	resp = service.CheckHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, "boom", resp.Checks["bad"].Error)
}

func TestCustomCheckerErrorForcesUnhealthy(t *testing.T) {
	checker := NewCustomChecker("c", func(ctx context.Context) (Status, string, error) {
		return StatusHealthy, "", errors.New("hidden failure")
	})

	check := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
}
