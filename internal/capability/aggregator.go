package capability

import (
	"sort"

	"github.com/NikhilSetiya/pipeline-guard/pkg/logging"
)

// Prober answers whether a breaker key is degraded. Satisfied by
// *breaker.Registry.
type Prober interface {
	IsOpenOrHalfOpen(key string) bool
}

// Capability groups the breaker keys of redundant providers behind one
// logical feature, plus the key of their combined entry point.
type Capability struct {
	// Name is the logical capability name, e.g. "websearch"
	Name string
	// Members are the per-provider breaker keys
	Members []string
	// Combined is the breaker key of the merged entry point, optional
	Combined string
}

// Status is the aggregated health of one capability
type Status struct {
	Name string `json:"name"`
	// AnyDown is true when at least one member or the combined key is down
	AnyDown bool `json:"any_down"`
	// EffectiveDown is true when the capability is unusable as a whole:
	// either the combined key is down or every member is down
	EffectiveDown bool `json:"effective_down"`
	// PartialDown is true when some but not all of the capability is down
	PartialDown bool `json:"partial_down"`
	// DownMembers lists the degraded member keys
	DownMembers []string `json:"down_members,omitempty"`
	// HealthyMembers lists the member keys still usable
	HealthyMembers []string `json:"healthy_members,omitempty"`
}

// Aggregator derives capability-level health from per-key breaker state.
// The capability set is fixed at construction.
type Aggregator struct {
	prober Prober
	caps   map[string]Capability
	order  []string
	logger *logging.Logger
}

// NewAggregator creates an aggregator over the given capabilities
func NewAggregator(prober Prober, caps ...Capability) *Aggregator {
	a := &Aggregator{
		prober: prober,
		caps:   make(map[string]Capability, len(caps)),
		logger: logging.GetLogger(),
	}
	for _, c := range caps {
		a.caps[c.Name] = c
		a.order = append(a.order, c.Name)
	}
	sort.Strings(a.order)
	return a
}

// Status returns the aggregated health of the named capability. Unknown
// names report healthy: absence of wiring must never look like an outage.
func (a *Aggregator) Status(name string) Status {
	c, ok := a.caps[name]
	if !ok {
		return Status{Name: name}
	}

	st := Status{Name: name}

	combinedDown := c.Combined != "" && a.prober.IsOpenOrHalfOpen(c.Combined)
	allMembersDown := len(c.Members) > 0

	for _, member := range c.Members {
		if a.prober.IsOpenOrHalfOpen(member) {
			st.DownMembers = append(st.DownMembers, member)
		} else {
			st.HealthyMembers = append(st.HealthyMembers, member)
			allMembersDown = false
		}
	}

	st.AnyDown = combinedDown || len(st.DownMembers) > 0
	st.EffectiveDown = combinedDown || allMembersDown
	st.PartialDown = st.AnyDown && !st.EffectiveDown
	return st
}

// StatusForKey finds the capability containing the given breaker key,
// either as a member or as the combined key, and returns its status.
func (a *Aggregator) StatusForKey(key string) (Status, bool) {
	for _, name := range a.order {
		c := a.caps[name]
		if c.Combined == key {
			return a.Status(name), true
		}
		for _, member := range c.Members {
			if member == key {
				return a.Status(name), true
			}
		}
	}
	return Status{}, false
}

// PreferredMember returns the first healthy member of a partially down
// capability, or empty when there is nothing to steer toward. The result
// is advisory only.
func (a *Aggregator) PreferredMember(st Status) string {
	if !st.PartialDown || len(st.HealthyMembers) == 0 {
		return ""
	}
	return st.HealthyMembers[0]
}

// Snapshot returns the status of every capability, ordered by name
func (a *Aggregator) Snapshot() []Status {
	out := make([]Status, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.Status(name))
	}
	return out
}
