package irregularity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NikhilSetiya/pipeline-guard/internal/guard"
)

func newTestAccumulator() *Accumulator {
	return New(Config{
		PerCallDeltaCap: 0.2,
		Ceiling:         0.5,
		MaxEvents:       4,
	})
}

func TestAccumulator_OptionalBumpsAreDamped(t *testing.T) {
	acc := newTestAccumulator()
	ctx := guard.NewContext("test query")

	// Five oversized optional bumps: per-call cap 0.2 and ceiling 0.5
	// admit at most three, for a total of exactly 0.5.
	accepted := 0
	for i := 0; i < 5; i++ {
		if acc.Bump(ctx, 0.3, "keyword_selection_empty") > 0 {
			accepted++
		}
	}

	assert.LessOrEqual(t, accepted, 3)
	assert.InDelta(t, 0.5, ctx.IrregularityScore(), 1e-9)

	sum, events := ctx.OptionalBudget()
	assert.InDelta(t, 0.5, sum, 1e-9)
	assert.Equal(t, 3, events)
	assert.Equal(t, 2, ctx.DroppedBumps())
}

func TestAccumulator_PerCallCap(t *testing.T) {
	acc := newTestAccumulator()
	ctx := guard.NewContext("test query")

	applied := acc.Bump(ctx, 0.9, "disambiguation_failed")
	assert.InDelta(t, 0.2, applied, 1e-9)
	assert.InDelta(t, 0.2, ctx.IrregularityScore(), 1e-9)
}

func TestAccumulator_MaxEventsLimit(t *testing.T) {
	acc := New(Config{PerCallDeltaCap: 0.05, Ceiling: 0.5, MaxEvents: 2})
	ctx := guard.NewContext("test query")

	assert.Greater(t, acc.Bump(ctx, 0.05, "keyword_timeout"), 0.0)
	assert.Greater(t, acc.Bump(ctx, 0.05, "keyword_timeout"), 0.0)
	assert.Zero(t, acc.Bump(ctx, 0.05, "keyword_timeout"), "third optional bump is over the event limit")

	_, events := ctx.OptionalBudget()
	assert.Equal(t, 2, events)
}

func TestAccumulator_CoreReasonsBypassDamping(t *testing.T) {
	acc := newTestAccumulator()
	ctx := guard.NewContext("test query")

	// An unknown reason is a core signal and ignores the per-call cap.
	applied := acc.Bump(ctx, 0.7, "rag_grounding_mismatch")
	assert.InDelta(t, 0.7, applied, 1e-9)
	assert.InDelta(t, 0.7, ctx.IrregularityScore(), 1e-9)
}

func TestAccumulator_HighRiskBypassesDamping(t *testing.T) {
	acc := newTestAccumulator()
	ctx := guard.NewContext("test query")
	ctx.SetHighRisk(true)

	applied := acc.Bump(ctx, 0.7, "keyword_selection_empty")
	assert.InDelta(t, 0.7, applied, 1e-9)
	assert.InDelta(t, 0.7, ctx.IrregularityScore(), 1e-9)
	assert.Equal(t, 0, ctx.DroppedBumps())
}

func TestAccumulator_SensitiveTopicBypassesDamping(t *testing.T) {
	acc := newTestAccumulator()
	ctx := guard.NewContext("test query")
	ctx.SetSensitiveTopic(true)

	applied := acc.Bump(ctx, 0.6, "query_transformer_error")
	assert.InDelta(t, 0.6, applied, 1e-9)
}

func TestAccumulator_ScoreClampedToOne(t *testing.T) {
	acc := newTestAccumulator()
	ctx := guard.NewContext("test query")

	acc.Bump(ctx, 0.8, "core_signal_a")
	acc.Bump(ctx, 0.8, "core_signal_b")
	assert.Equal(t, 1.0, ctx.IrregularityScore())
}

func TestAccumulator_InvalidDeltasIgnored(t *testing.T) {
	acc := newTestAccumulator()
	ctx := guard.NewContext("test query")

	assert.Zero(t, acc.Bump(ctx, 0, "keyword_x"))
	assert.Zero(t, acc.Bump(ctx, -0.5, "keyword_x"))
	assert.Zero(t, ctx.IrregularityScore())
}

func TestAccumulator_DropHook(t *testing.T) {
	var drops []string
	acc := New(Config{
		PerCallDeltaCap: 0.2,
		Ceiling:         0.2,
		MaxEvents:       4,
		OnDrop:          func(reason string) { drops = append(drops, reason) },
	})
	ctx := guard.NewContext("test query")

	acc.Bump(ctx, 0.2, "keyword_a")
	acc.Bump(ctx, 0.2, "keyword_b") // ceiling already consumed

	assert.Equal(t, []string{"keyword_b"}, drops)
}

func TestAccumulator_PrefixMatchIsCaseInsensitive(t *testing.T) {
	acc := newTestAccumulator()
	ctx := guard.NewContext("test query")

	applied := acc.Bump(ctx, 0.9, "Keyword_Selection_Empty")
	assert.InDelta(t, 0.2, applied, 1e-9, "prefix match should be case insensitive")
}
