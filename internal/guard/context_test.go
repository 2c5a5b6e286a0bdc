package guard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_RequestIDsAreUnique(t *testing.T) {
	a := NewContext("q")
	b := NewContext("q")

	assert.NotEmpty(t, a.RequestID())
	assert.NotEqual(t, a.RequestID(), b.RequestID())
}

func TestContext_ModeBeforeRecomputeIsNormal(t *testing.T) {
	ctx := NewContext("q")

	assert.Equal(t, ModeNormal, ctx.Mode())
	assert.Empty(t, ctx.ModeReason())
	_, have := ctx.Signals()
	assert.False(t, have)
}

func TestContext_BumpIrregularityClamped(t *testing.T) {
	ctx := NewContext("q")

	ctx.BumpIrregularity(0.7, "a")
	ctx.BumpIrregularity(0.7, "b")
	assert.Equal(t, 1.0, ctx.IrregularityScore())

	ctx.BumpIrregularity(-0.5, "ignored")
	ctx.BumpIrregularity(0, "ignored")
	assert.Equal(t, 1.0, ctx.IrregularityScore())
	assert.Equal(t, []string{"a", "b"}, ctx.IrregularityReasons())
}

func TestContext_PlanOverrideCoercion(t *testing.T) {
	ctx := NewContext("q")

	ctx.SetPlanOverride("bool_true", true)
	ctx.SetPlanOverride("bool_str", "true")
	ctx.SetPlanOverride("bool_num", 1)
	ctx.SetPlanOverride("int_val", 7)
	ctx.SetPlanOverride("int_str", "42")
	ctx.SetPlanOverride("int_float", 3.0)
	ctx.SetPlanOverride("float_val", 0.25)
	ctx.SetPlanOverride("float_str", "0.5")
	ctx.SetPlanOverride("str_val", "naver")
	ctx.SetPlanOverride("garbage", struct{}{})

	assert.True(t, ctx.PlanBool("bool_true", false))
	assert.True(t, ctx.PlanBool("bool_str", false))
	assert.True(t, ctx.PlanBool("bool_num", false))
	assert.Equal(t, 7, ctx.PlanInt("int_val", 0))
	assert.Equal(t, 42, ctx.PlanInt("int_str", 0))
	assert.Equal(t, 3, ctx.PlanInt("int_float", 0))
	assert.Equal(t, 0.25, ctx.PlanFloat("float_val", 0))
	assert.Equal(t, 0.5, ctx.PlanFloat("float_str", 0))
	assert.Equal(t, "naver", ctx.PlanString("str_val", ""))

	// Fail-soft: missing keys and hopeless coercions fall back to defaults.
	assert.True(t, ctx.PlanBool("missing", true))
	assert.Equal(t, 9, ctx.PlanInt("garbage", 9))
	assert.Equal(t, 1.5, ctx.PlanFloat("garbage", 1.5))
	assert.Equal(t, "d", ctx.PlanString("garbage", "d"))
	assert.False(t, ctx.PlanBool("str_val", false), "unparseable bool keeps default")
}

func TestContext_CompressionAndBypassFirstReasonWins(t *testing.T) {
	ctx := NewContext("q")

	ctx.RequestCompression("judge: noisy output")
	ctx.RequestCompression("second request")
	requested, why := ctx.CompressionRequested()
	assert.True(t, requested)
	assert.Equal(t, "judge: noisy output", why)

	ctx.ForceBypass("operator override")
	ctx.ForceBypass("later override")
	forced, why := ctx.BypassForced()
	assert.True(t, forced)
	assert.Equal(t, "operator override", why)
}

func TestContext_RateLimitSeenOncePerKey(t *testing.T) {
	ctx := NewContext("q")

	assert.True(t, ctx.markRateLimitOnce("websearch:brave"))
	assert.False(t, ctx.markRateLimitOnce("websearch:brave"))
	assert.True(t, ctx.markRateLimitOnce("websearch:naver"))
}

func TestContext_FinishSealsLedgerOnce(t *testing.T) {
	ctx := NewContext("q")

	require.True(t, ctx.Ledger().RecordPenaltyOnce("k", "test", "", 0.1, ""))

	ctx.Finish()
	assert.True(t, ctx.Finished())
	assert.True(t, ctx.Ledger().Finalized())

	// Repeated Finish is harmless.
	ctx.Finish()
	assert.False(t, ctx.Ledger().RecordPenaltyOnce("late", "test", "", 0.1, ""))
}

func TestContext_CopyIsIsolated(t *testing.T) {
	ctx := NewContext("q")
	ctx.SetPlanOverride("key", "original")
	ctx.MarkCapabilityDown("websearch", true, false)
	ctx.BumpIrregularity(0.3, "seed")

	cp := ctx.Copy()
	assert.Equal(t, ctx.RequestID(), cp.RequestID())
	assert.Equal(t, 0.3, cp.IrregularityScore())
	assert.True(t, cp.PartialDown("websearch"))

	// Mutating the copy must not leak into the original.
	cp.SetPlanOverride("key", "changed")
	cp.BumpIrregularity(0.4, "copy-only")
	assert.Equal(t, "original", ctx.PlanString("key", ""))
	assert.Equal(t, 0.3, ctx.IrregularityScore())

	// The ledger is intentionally shared.
	cp.Ledger().RecordPenaltyOnce("shared", "test", "", 0.1, "")
	assert.Len(t, ctx.Ledger().View().Entries, 1)
}

func TestContext_ConcurrentBumps(t *testing.T) {
	ctx := NewContext("q")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ctx.BumpIrregularity(0.01, "concurrent")
				ctx.BumpIrregularityCapped(0.01, "keyword_x", 0.2, 0.5, 1000)
			}
		}()
	}
	wg.Wait()

	score := ctx.IrregularityScore()
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)

	sum, _ := ctx.OptionalBudget()
	assert.LessOrEqual(t, sum, 0.5+1e-9, "optional contribution must respect the ceiling")
}
