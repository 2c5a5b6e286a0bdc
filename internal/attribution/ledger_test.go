package attribution

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_FirstWriteWins(t *testing.T) {
	l := NewLedger(Config{})

	assert.True(t, l.RecordPenaltyOnce("degrade:web", "breaker", "websearch:brave", 0.08, "brave 429"))
	assert.False(t, l.RecordPenaltyOnce("degrade:web", "breaker", "websearch:brave", 0.50, "later, larger"))

	snap := l.View()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, 0.08, snap.Entries[0].Delta)
	assert.Equal(t, "brave 429", snap.Entries[0].Message)
	assert.Equal(t, 1, snap.Duplicates["degrade:web"])
}

func TestLedger_DeltaClamped(t *testing.T) {
	l := NewLedger(Config{})

	l.RecordPenaltyOnce("too-big", "test", "", 3.5, "")
	l.RecordPenaltyOnce("negative", "test", "", -1.0, "")

	snap := l.View()
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, 1.0, snap.Entries[0].Delta)
	assert.Equal(t, 0.0, snap.Entries[1].Delta)
}

func TestLedger_InsertionOrderPreserved(t *testing.T) {
	l := NewLedger(Config{})

	l.RecordPenaltyOnce("c", "test", "", 0.1, "")
	l.RecordPenaltyOnce("a", "test", "", 0.2, "")
	l.RecordPenaltyOnce("b", "test", "", 0.3, "")

	snap := l.View()
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, "c", snap.Entries[0].Key)
	assert.Equal(t, "a", snap.Entries[1].Key)
	assert.Equal(t, "b", snap.Entries[2].Key)
	assert.InDelta(t, 0.6, snap.TotalDelta, 1e-9)
}

func TestLedger_FinalizeIsIdempotent(t *testing.T) {
	l := NewLedger(Config{})

	l.RecordPenaltyOnce("early", "test", "", 0.1, "")

	assert.True(t, l.Finalize())
	assert.False(t, l.Finalize(), "second finalize must be a no-op")
	assert.True(t, l.Finalized())

	// Writes after the seal are rejected and counted.
	assert.False(t, l.RecordPenaltyOnce("late", "test", "", 0.2, ""))

	snap := l.View()
	assert.Len(t, snap.Entries, 1)
	assert.Equal(t, 1, snap.DroppedEntries)
}

func TestLedger_BucketedPenaltyDecay(t *testing.T) {
	l := NewLedger(Config{})

	recorded := 0
	for i := 0; i < 12; i++ {
		if l.RecordBucketedPenalty("uaw.pipeline", "faultmask", "stage", 0.10, "stage degraded") {
			recorded++
		}
	}

	// Occurrences 1, 3 and 10 produce entries; everything else is silent.
	assert.Equal(t, 3, recorded)

	snap := l.View()
	require.Len(t, snap.Entries, 3)
	assert.Equal(t, "uaw.pipeline#1", snap.Entries[0].Key)
	assert.InDelta(t, 0.10, snap.Entries[0].Delta, 1e-9)
	assert.Equal(t, "uaw.pipeline#3", snap.Entries[1].Key)
	assert.InDelta(t, 0.06, snap.Entries[1].Delta, 1e-9)
	assert.Equal(t, "uaw.pipeline#10", snap.Entries[2].Key)
	assert.InDelta(t, 0.035, snap.Entries[2].Delta, 1e-9)
}

func TestLedger_BucketedPenaltyPerStage(t *testing.T) {
	l := NewLedger(Config{})

	assert.True(t, l.RecordBucketedPenalty("stage-a", "faultmask", "", 0.1, ""))
	assert.True(t, l.RecordBucketedPenalty("stage-b", "faultmask", "", 0.1, ""))

	snap := l.View()
	assert.Len(t, snap.Entries, 2, "stages decay independently")
}

func TestLedger_OnPenaltyHook(t *testing.T) {
	var categories []string
	l := NewLedger(Config{OnPenalty: func(c string) { categories = append(categories, c) }})

	l.RecordPenaltyOnce("k1", "breaker", "", 0.1, "")
	l.RecordPenaltyOnce("k1", "breaker", "", 0.1, "") // duplicate, no hook
	l.RecordPenaltyOnce("k2", "quota", "", 0.1, "")

	assert.Equal(t, []string{"breaker", "quota"}, categories)
}

func TestLedger_ConcurrentRecordOnce(t *testing.T) {
	l := NewLedger(Config{})

	var wg sync.WaitGroup
	accepted := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted <- l.RecordPenaltyOnce("contended", "test", "", 0.1, "")
		}()
	}
	wg.Wait()
	close(accepted)

	wins := 0
	for ok := range accepted {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one writer wins the key")
}

func TestLedger_ConcurrentDistinctKeys(t *testing.T) {
	l := NewLedger(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l.RecordPenaltyOnce(fmt.Sprintf("key-%d", n), "test", "", 0.01, "")
		}(i)
	}
	wg.Wait()

	assert.Len(t, l.View().Entries, 16)
}
