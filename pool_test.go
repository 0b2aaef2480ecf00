package reward_engine

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const tokenB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func TestSyncZeroLiquidityIsNoop(t *testing.T) {
	pool := NewRewardPool("pool", 60, 0)
	require.NoError(t, pool.Sync([]string{tokenA}, []decimal.Decimal{decimal.NewFromInt(1000)}, 0))
	assert.True(t, pool.GlobalValueX128(tokenA).IsZero(), "empty pool must not accumulate")
}

func TestSyncRejectsNegativeAmount(t *testing.T) {
	pool := NewRewardPool("pool", 60, 0)
	err := pool.Sync([]string{tokenA}, []decimal.Decimal{decimal.NewFromInt(-1)}, 0)
	assert.Error(t, err)
}

func TestGlobalCounterIsMonotonic(t *testing.T) {
	pool := NewRewardPool("pool", 60, 0)
	require.NoError(t, pool.ModifyPositionLiquidity(-887220, 887220, decimal.NewFromInt(1024), []string{tokenA}))

	rng := rand.New(rand.NewSource(7))
	prev := ZERO
	for i := 0; i < 500; i++ {
		dt := rng.Int63n(100000)
		rate := rng.Int63n(1000)
		amount := decimal.NewFromInt(dt * rate)
		require.NoError(t, pool.Sync([]string{tokenA}, []decimal.Decimal{amount}, 0))
		global := pool.GlobalValueX128(tokenA)
		assert.True(t, global.GreaterThanOrEqual(prev), "counter decreased at step %d", i)
		prev = global
	}
}

func TestRangeValueMatchesFullRangeGrowth(t *testing.T) {
	pool := NewRewardPool("pool", 60, 0)
	liquidity := decimal.NewFromInt(1024)
	require.NoError(t, pool.ModifyPositionLiquidity(-120, 120, liquidity, []string{tokenA}))
	require.NoError(t, pool.Sync([]string{tokenA}, []decimal.Decimal{decimal.NewFromInt(4096)}, 0))

	inside, err := pool.RangeValueX128(tokenA, -120, 120)
	require.NoError(t, err)
	assert.True(t, inside.Equal(pool.GlobalValueX128(tokenA)),
		"a range containing the current tick sees the whole growth")

	// A range entirely above the current tick saw none of it.
	require.NoError(t, pool.ModifyPositionLiquidity(60, 120, liquidity, []string{tokenA}))
	outside, err := pool.RangeValueX128(tokenA, 60, 120)
	require.NoError(t, err)
	assert.True(t, outside.IsZero())
}

func TestCrossingFlipsOutsideAndAppliesNet(t *testing.T) {
	pool := NewRewardPool("pool", 60, -30)
	lower := decimal.NewFromInt(1024)
	upper := decimal.NewFromInt(2048)
	// Two adjacent ranges sharing boundary 0.
	require.NoError(t, pool.ModifyPositionLiquidity(-60, 0, lower, []string{tokenA}))
	require.NoError(t, pool.ModifyPositionLiquidity(0, 60, upper, []string{tokenA}))
	assert.True(t, pool.Liquidity.Equal(lower), "only the range containing tick -30 is active")

	// Growth while below the boundary belongs to the lower range.
	require.NoError(t, pool.Sync([]string{tokenA}, []decimal.Decimal{decimal.NewFromInt(1024)}, -30))
	growthBelow := pool.GlobalValueX128(tokenA)

	// Moving to +30 crosses boundary 0: lower's -1024 net and upper's +2048.
	require.NoError(t, pool.Sync(nil, nil, 30))
	assert.True(t, pool.Liquidity.Equal(upper))

	require.NoError(t, pool.Sync([]string{tokenA}, []decimal.Decimal{decimal.NewFromInt(2048)}, 30))

	lowerInside, err := pool.RangeValueX128(tokenA, -60, 0)
	require.NoError(t, err)
	assert.True(t, lowerInside.Equal(growthBelow))

	upperInside, err := pool.RangeValueX128(tokenA, 0, 60)
	require.NoError(t, err)
	assert.True(t, upperInside.Equal(pool.GlobalValueX128(tokenA).Sub(growthBelow)))
}

func TestUninitializedBoundariesAreSkipped(t *testing.T) {
	pool := NewRewardPool("pool", 60, 0)
	require.NoError(t, pool.ModifyPositionLiquidity(-887220, 887220, decimal.NewFromInt(1024), []string{tokenA}))

	// A long tick move over thousands of grid lines only ever touches the
	// two initialized boundaries.
	require.NoError(t, pool.Sync(nil, nil, 887220))
	assert.True(t, pool.Liquidity.IsZero(), "crossed above the range")
	assert.Len(t, pool.TickManager.Ticks, 2)

	require.NoError(t, pool.Sync(nil, nil, 0))
	assert.True(t, pool.Liquidity.Equal(decimal.NewFromInt(1024)), "back inside the range")
}

func TestModifyRejectsBadTicks(t *testing.T) {
	pool := NewRewardPool("pool", 60, 0)
	l := decimal.NewFromInt(1)
	assert.Error(t, pool.ModifyPositionLiquidity(60, 60, l, nil), "empty range")
	assert.Error(t, pool.ModifyPositionLiquidity(120, 60, l, nil), "inverted range")
	assert.Error(t, pool.ModifyPositionLiquidity(-30, 60, l, nil), "unaligned lower")
	assert.Error(t, pool.ModifyPositionLiquidity(MIN_TICK-60, 60, l, nil), "below min tick")
}

func TestRemovalClearsFlippedBoundaries(t *testing.T) {
	pool := NewRewardPool("pool", 60, 0)
	liquidity := decimal.NewFromInt(1024)
	require.NoError(t, pool.ModifyPositionLiquidity(-60, 60, liquidity, []string{tokenA}))
	assert.Len(t, pool.TickManager.Ticks, 2)

	require.NoError(t, pool.ModifyPositionLiquidity(-60, 60, liquidity.Neg(), []string{tokenA}))
	assert.Len(t, pool.TickManager.Ticks, 0)
	assert.True(t, pool.Liquidity.IsZero())
}

func TestTwoTokenStreamsAccumulateIndependently(t *testing.T) {
	pool := NewRewardPool("pool", 60, 0)
	require.NoError(t, pool.ModifyPositionLiquidity(-60, 60, decimal.NewFromInt(1024), []string{tokenA, tokenB}))
	require.NoError(t, pool.Sync(
		[]string{tokenA, tokenB},
		[]decimal.Decimal{decimal.NewFromInt(1024), decimal.NewFromInt(2048)},
		0,
	))
	a := pool.GlobalValueX128(tokenA)
	b := pool.GlobalValueX128(tokenB)
	assert.True(t, b.Equal(a.Mul(decimal.NewFromInt(2))))
}

func TestPoolClone(t *testing.T) {
	pool := NewRewardPool("pool", 60, 0)
	require.NoError(t, pool.ModifyPositionLiquidity(-60, 60, decimal.NewFromInt(1024), []string{tokenA}))
	clone := pool.Clone()

	require.NoError(t, pool.Sync([]string{tokenA}, []decimal.Decimal{decimal.NewFromInt(512)}, 0))
	assert.True(t, clone.GlobalValueX128(tokenA).IsZero(), "clone unaffected by later sync")
	assert.True(t, clone.Liquidity.Equal(pool.Liquidity))
}
