package attribution

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/NikhilSetiya/pipeline-guard/pkg/logging"
)

// Entry is one recorded degradation penalty
type Entry struct {
	Key        string    `json:"key"`
	Category   string    `json:"category"`
	Label      string    `json:"label"`
	Delta      float64   `json:"delta"`
	Message    string    `json:"message"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Config holds ledger settings
type Config struct {
	// OnPenalty is called once per accepted entry
	OnPenalty func(category string)
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Ledger collects the degradation penalties attributed to one request.
// Each key is recorded at most once; the first write wins. After Finalize
// the ledger rejects further writes.
type Ledger struct {
	mu sync.Mutex

	entries    map[string]Entry
	order      []string
	duplicates map[string]int
	stageHits  map[string]int

	finalized      bool
	droppedEntries int

	now       func() time.Time
	onPenalty func(string)
	logger    *logging.Logger
}

// NewLedger creates an empty ledger
func NewLedger(config Config) *Ledger {
	l := &Ledger{
		entries:    make(map[string]Entry),
		duplicates: make(map[string]int),
		stageHits:  make(map[string]int),
		now:        config.Now,
		onPenalty:  config.OnPenalty,
		logger:     logging.GetLogger(),
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// RecordPenaltyOnce records a penalty under the given key. Returns true
// when the entry was accepted. Repeats of the same key and writes after
// Finalize are rejected; the first write wins even when a later one
// carries a larger delta.
func (l *Ledger) RecordPenaltyOnce(key, category, label string, delta float64, message string) bool {
	delta = clamp01(delta)

	l.mu.Lock()
	if l.finalized {
		l.droppedEntries++
		l.mu.Unlock()
		return false
	}
	if _, exists := l.entries[key]; exists {
		l.duplicates[key]++
		l.mu.Unlock()
		return false
	}

	l.entries[key] = Entry{
		Key:        key,
		Category:   category,
		Label:      label,
		Delta:      delta,
		Message:    message,
		RecordedAt: l.now(),
	}
	l.order = append(l.order, key)
	l.mu.Unlock()

	if l.onPenalty != nil {
		l.onPenalty(category)
	}
	return true
}

// Bucketed penalty decay: the first occurrence of a stage counts in full,
// the third at 60%, the tenth at 35%. Between buckets nothing is recorded,
// which keeps chronic noise from swamping the ledger.
const (
	bucketFirst = 1
	bucketThird = 3
	bucketTenth = 10

	factorFirst = 1.0
	factorThird = 0.60
	factorTenth = 0.35
)

// RecordBucketedPenalty records a decaying penalty for a recurring stage.
// Every call counts an occurrence; only occurrences 1, 3 and 10 produce a
// ledger entry, scaled by 1.0, 0.60 and 0.35 of the base delta. Returns
// true when an entry was written.
func (l *Ledger) RecordBucketedPenalty(stage, category, label string, base float64, message string) bool {
	l.mu.Lock()
	if l.finalized {
		l.droppedEntries++
		l.mu.Unlock()
		return false
	}
	l.stageHits[stage]++
	hits := l.stageHits[stage]
	l.mu.Unlock()

	var factor float64
	switch hits {
	case bucketFirst:
		factor = factorFirst
	case bucketThird:
		factor = factorThird
	case bucketTenth:
		factor = factorTenth
	default:
		return false
	}

	key := fmt.Sprintf("%s#%d", stage, hits)
	return l.RecordPenaltyOnce(key, category, label, base*factor, message)
}

// Finalize seals the ledger. Only the first call does anything; the return
// value reports whether this call performed the seal.
func (l *Ledger) Finalize() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized {
		return false
	}
	l.finalized = true
	return true
}

// Finalized reports whether the ledger is sealed
func (l *Ledger) Finalized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalized
}

// TotalDelta returns the sum of all recorded penalty deltas
func (l *Ledger) TotalDelta() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0.0
	for _, e := range l.entries {
		total += e.Delta
	}
	return total
}

// Snapshot is a point-in-time copy of the ledger
type Snapshot struct {
	Entries        []Entry        `json:"entries"`
	Duplicates     map[string]int `json:"duplicates,omitempty"`
	Finalized      bool           `json:"finalized"`
	DroppedEntries int            `json:"dropped_entries"`
	TotalDelta     float64        `json:"total_delta"`
}

// View returns a copy of the ledger in insertion order
func (l *Ledger) View() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Entries:        make([]Entry, 0, len(l.order)),
		Finalized:      l.finalized,
		DroppedEntries: l.droppedEntries,
	}
	for _, key := range l.order {
		e := l.entries[key]
		snap.Entries = append(snap.Entries, e)
		snap.TotalDelta += e.Delta
	}
	if len(l.duplicates) > 0 {
		snap.Duplicates = make(map[string]int, len(l.duplicates))
		for k, v := range l.duplicates {
			snap.Duplicates[k] = v
		}
	}
	return snap
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
