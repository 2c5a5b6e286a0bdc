package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber reports a fixed set of keys as degraded
type fakeProber struct {
	down map[string]bool
}

func (p *fakeProber) IsOpenOrHalfOpen(key string) bool {
	return p.down[key]
}

func webSearch() Capability {
	return Capability{
		Name:     "websearch",
		Members:  []string{"websearch:brave", "websearch:naver"},
		Combined: "websearch:hybrid",
	}
}

func TestAggregator_AllHealthy(t *testing.T) {
	agg := NewAggregator(&fakeProber{down: map[string]bool{}}, webSearch())

	st := agg.Status("websearch")
	assert.False(t, st.AnyDown)
	assert.False(t, st.EffectiveDown)
	assert.False(t, st.PartialDown)
	assert.ElementsMatch(t, []string{"websearch:brave", "websearch:naver"}, st.HealthyMembers)
}

func TestAggregator_OneMemberDownIsPartial(t *testing.T) {
	agg := NewAggregator(&fakeProber{down: map[string]bool{
		"websearch:brave": true,
	}}, webSearch())

	st := agg.Status("websearch")
	assert.True(t, st.AnyDown)
	assert.False(t, st.EffectiveDown, "one provider down must not take out the capability")
	assert.True(t, st.PartialDown)
	assert.Equal(t, []string{"websearch:brave"}, st.DownMembers)
	assert.Equal(t, []string{"websearch:naver"}, st.HealthyMembers)
}

func TestAggregator_AllMembersDownIsEffective(t *testing.T) {
	agg := NewAggregator(&fakeProber{down: map[string]bool{
		"websearch:brave": true,
		"websearch:naver": true,
	}}, webSearch())

	st := agg.Status("websearch")
	assert.True(t, st.AnyDown)
	assert.True(t, st.EffectiveDown)
	assert.False(t, st.PartialDown)
	assert.Empty(t, st.HealthyMembers)
}

func TestAggregator_CombinedKeyDownIsEffective(t *testing.T) {
	agg := NewAggregator(&fakeProber{down: map[string]bool{
		"websearch:hybrid": true,
	}}, webSearch())

	st := agg.Status("websearch")
	assert.True(t, st.AnyDown)
	assert.True(t, st.EffectiveDown, "combined entry point down makes the capability unusable")
	assert.False(t, st.PartialDown)
	assert.ElementsMatch(t, []string{"websearch:brave", "websearch:naver"}, st.HealthyMembers)
}

func TestAggregator_UnknownCapabilityIsHealthy(t *testing.T) {
	agg := NewAggregator(&fakeProber{down: map[string]bool{"x": true}}, webSearch())

	st := agg.Status("no-such-capability")
	assert.False(t, st.AnyDown)
	assert.False(t, st.EffectiveDown)
	assert.False(t, st.PartialDown)
}

func TestAggregator_StatusForKey(t *testing.T) {
	agg := NewAggregator(&fakeProber{down: map[string]bool{
		"websearch:naver": true,
	}}, webSearch())

	st, ok := agg.StatusForKey("websearch:naver")
	require.True(t, ok)
	assert.Equal(t, "websearch", st.Name)
	assert.True(t, st.PartialDown)

	st, ok = agg.StatusForKey("websearch:hybrid")
	require.True(t, ok)
	assert.Equal(t, "websearch", st.Name)

	_, ok = agg.StatusForKey("unrelated:key")
	assert.False(t, ok)
}

func TestAggregator_PreferredMember(t *testing.T) {
	agg := NewAggregator(&fakeProber{down: map[string]bool{
		"websearch:brave": true,
	}}, webSearch())

	st := agg.Status("websearch")
	assert.Equal(t, "websearch:naver", agg.PreferredMember(st))

	// No steering when the capability is fully up or fully down.
	healthy := agg.Status("no-such-capability")
	assert.Empty(t, agg.PreferredMember(healthy))
}

func TestAggregator_SingleMemberCapability(t *testing.T) {
	chat := Capability{Name: "chat", Members: []string{"chat:draft"}}
	agg := NewAggregator(&fakeProber{down: map[string]bool{"chat:draft": true}}, chat)

	st := agg.Status("chat")
	assert.True(t, st.EffectiveDown, "a sole member down means the capability is down")
	assert.False(t, st.PartialDown)
}

func TestAggregator_Snapshot(t *testing.T) {
	agg := NewAggregator(&fakeProber{down: map[string]bool{}},
		webSearch(),
		Capability{Name: "chat", Members: []string{"chat:draft"}},
	)

	snap := agg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "chat", snap[0].Name)
	assert.Equal(t, "websearch", snap[1].Name)
}
