package reward_engine

import (
	"errors"
	"testing"

	"github.com/daoleno/uniswapv3-sdk/constants"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConversionKey() ConversionPoolKey {
	return NewConversionPoolKey(testRewardToken, testSettlementToken, constants.FeeMedium)
}

func newPipelineEngine(t *testing.T) (*RewardEngine, *testClock, *stubAMM, *recordingPayer) {
	t.Helper()
	engine, clock, amm, payer := newTestEngine(t)
	require.NoError(t, engine.RegisterPool(testPool, 60, 0))
	require.NoError(t, engine.SetConversionPool(testOwner, testConversionKey()))
	return engine, clock, amm, payer
}

func TestSplitDefaultRatio(t *testing.T) {
	fb := NewFeeBuffer(decimal.NewFromInt(1000))
	conversion, revenue := fb.Split(decimal.NewFromInt(10000))
	assert.True(t, conversion.Equal(decimal.NewFromInt(9700)))
	assert.True(t, revenue.Equal(decimal.NewFromInt(300)))
}

func TestSplitRoundsConversionDown(t *testing.T) {
	fb := NewFeeBuffer(decimal.NewFromInt(1000))
	// 3 * 9700 / 10000 = 2.91: the conversion share truncates, the revenue
	// share absorbs the remainder so nothing is lost.
	conversion, revenue := fb.Split(decimal.NewFromInt(3))
	assert.True(t, conversion.Equal(decimal.NewFromInt(2)))
	assert.True(t, revenue.Equal(ONE))
	assert.True(t, conversion.Add(revenue).Equal(decimal.NewFromInt(3)))
}

func TestCreditAccumulatesUntilThreshold(t *testing.T) {
	fb := NewFeeBuffer(decimal.NewFromInt(1000))
	assert.False(t, fb.Credit("pool", decimal.NewFromInt(500))) // 485 pending
	assert.False(t, fb.Credit("pool", decimal.NewFromInt(500))) // 970 pending
	assert.True(t, fb.Credit("pool", decimal.NewFromInt(100)))  // 1067 pending
	assert.True(t, fb.PendingFor("pool").Equal(decimal.NewFromInt(1067)))
}

func TestSetBuybackBpsBounds(t *testing.T) {
	fb := NewFeeBuffer(decimal.NewFromInt(1000))
	assert.ErrorIs(t, fb.SetBuybackBps(-1), ErrBpsOutOfRange)
	assert.ErrorIs(t, fb.SetBuybackBps(10001), ErrBpsOutOfRange)
	require.NoError(t, fb.SetBuybackBps(10000))
	conversion, revenue := fb.Split(decimal.NewFromInt(777))
	assert.True(t, conversion.Equal(decimal.NewFromInt(777)))
	assert.True(t, revenue.IsZero())
}

func TestConversionKeyValidation(t *testing.T) {
	key := testConversionKey()
	assert.NoError(t, key.Validate(addrKey(testRewardToken)))
	assert.Equal(t, constants.TickSpacings[constants.FeeMedium], key.TickSpacing)

	reversed := NewConversionPoolKey(testSettlementToken, testRewardToken, constants.FeeMedium)
	assert.ErrorIs(t, reversed.Validate(addrKey(testRewardToken)), ErrBadCurrencyOrder)
}

func TestCollectRequiresFeeSource(t *testing.T) {
	engine, _, _, _ := newPipelineEngine(t)
	err := engine.Collect(testAlice, testPool, decimal.NewFromInt(100), false)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestCollectRejectsZeroAndUnknownPool(t *testing.T) {
	engine, _, _, _ := newPipelineEngine(t)
	assert.ErrorIs(t, engine.Collect(testFeeSource, testPool, ZERO, false), ErrZeroAmount)
	other := testBob
	assert.ErrorIs(t, engine.Collect(testFeeSource, other, ONE, false), ErrPoolNotRegistered)
}

func TestCollectAutoFlushDepositsProceeds(t *testing.T) {
	engine, clock, _, _ := newPipelineEngine(t)

	// 10000 splits 9700/300; 9700 crosses the 1000 threshold and auto-flushes
	// at the stub's 1:1 rate, landing in the day+2 bucket.
	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(10000), false))

	poolID := addrKey(testPool)
	assert.True(t, engine.FeeBuffer.PendingFor(poolID).IsZero())
	assert.True(t, engine.FeeBuffer.PendingRevenue.Equal(decimal.NewFromInt(300)))

	stream, ok := engine.Scheduler.StreamFor(poolID)
	require.True(t, ok)
	day := DayIndex(clock.now.Unix())
	assert.True(t, stream.Buckets[day+2].Equal(decimal.NewFromInt(9700)))
}

func TestInternalCollectNeverAutoFlushes(t *testing.T) {
	engine, _, _, _ := newPipelineEngine(t)
	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(10000), true))
	assert.True(t, engine.FeeBuffer.PendingFor(addrKey(testPool)).Equal(decimal.NewFromInt(9700)),
		"internal deposits stay buffered even past the threshold")
}

func TestFailedAutoFlushKeepsFeesBuffered(t *testing.T) {
	engine, _, amm, _ := newPipelineEngine(t)
	amm.failErr = errors.New("pool reverted")

	// Collect still succeeds; the conversion share survives for a retry.
	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(10000), false))
	assert.True(t, engine.FeeBuffer.PendingFor(addrKey(testPool)).Equal(decimal.NewFromInt(9700)))
	assert.True(t, engine.FeeBuffer.PendingRevenue.Equal(decimal.NewFromInt(300)))

	// Retry by manual flush once the AMM recovers.
	amm.failErr = nil
	output, err := engine.Flush(testPool, ZERO)
	require.NoError(t, err)
	assert.True(t, output.Equal(decimal.NewFromInt(9700)))
	assert.True(t, engine.FeeBuffer.PendingFor(addrKey(testPool)).IsZero())
}

func TestManualFlushErrors(t *testing.T) {
	engine, _, amm, _ := newPipelineEngine(t)

	_, err := engine.Flush(testPool, ZERO)
	assert.ErrorIs(t, err, ErrNothingPending)

	// 100 splits to 97 pending, below the 1000 dust threshold.
	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(100), false))
	_, err = engine.Flush(testPool, ZERO)
	assert.ErrorIs(t, err, ErrBelowDustThreshold)

	// Build past the threshold internally, then exercise each failure leg and
	// check the buffer survives every one of them.
	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(10000), true))
	pending := engine.FeeBuffer.PendingFor(addrKey(testPool))

	_, err = engine.Flush(testPool, pending.Add(ONE))
	assert.ErrorIs(t, err, ErrSlippage)
	assert.True(t, engine.FeeBuffer.PendingFor(addrKey(testPool)).Equal(pending))

	amm.skipSettle = true
	_, err = engine.Flush(testPool, ZERO)
	assert.ErrorIs(t, err, ErrConversionUnsettled)
	assert.True(t, engine.FeeBuffer.PendingFor(addrKey(testPool)).Equal(pending))
	amm.skipSettle = false

	amm.origin = testAlice
	_, err = engine.Flush(testPool, ZERO)
	assert.ErrorIs(t, err, ErrBadSettleOrigin)
	assert.True(t, engine.FeeBuffer.PendingFor(addrKey(testPool)).Equal(pending))
}

func TestFlushZeroOutputLeavesBufferUntouched(t *testing.T) {
	engine, _, amm, _ := newPipelineEngine(t)
	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(10000), true))
	pending := engine.FeeBuffer.PendingFor(addrKey(testPool))

	// The swap settles cleanly at zero output. Even with minOut zero the flush
	// must fail without consuming the buffered amount.
	amm.rate = ZERO
	_, err := engine.Flush(testPool, ZERO)
	assert.ErrorIs(t, err, ErrZeroAmount)
	assert.True(t, engine.FeeBuffer.PendingFor(addrKey(testPool)).Equal(pending),
		"buffer must survive a zero-output settlement")

	amm.rate = ONE
	output, err := engine.Flush(testPool, ZERO)
	require.NoError(t, err)
	assert.True(t, output.Equal(pending))
}

func TestAutoFlushZeroOutputKeepsFeesBuffered(t *testing.T) {
	engine, _, amm, _ := newPipelineEngine(t)
	amm.rate = ZERO

	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(10000), false))
	assert.True(t, engine.FeeBuffer.PendingFor(addrKey(testPool)).Equal(decimal.NewFromInt(9700)),
		"swallowed auto-flush must not consume the buffer")
}

func TestFlushWithoutConversionPool(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	require.NoError(t, engine.RegisterPool(testPool, 60, 0))
	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(10000), true))

	_, err := engine.Flush(testPool, ZERO)
	assert.ErrorIs(t, err, ErrNoConversionPool)
}

func TestSettleOutsideFlushRejected(t *testing.T) {
	engine, _, _, _ := newPipelineEngine(t)
	err := engine.SettleConversion(testAMMOrigin, ONE)
	assert.ErrorIs(t, err, ErrNoFlushInFlight)
}

func TestClaimRevenue(t *testing.T) {
	engine, _, _, payer := newPipelineEngine(t)
	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(10000), true))

	_, err := engine.ClaimRevenue(testAlice, testAlice)
	assert.ErrorIs(t, err, ErrNotOwner)

	amount, err := engine.ClaimRevenue(testOwner, testOwner)
	require.NoError(t, err)
	assert.True(t, amount.Equal(decimal.NewFromInt(300)))
	assert.True(t, payer.total(addrKey(testSettlementToken)).Equal(decimal.NewFromInt(300)))

	_, err = engine.ClaimRevenue(testOwner, testOwner)
	assert.ErrorIs(t, err, ErrNothingPending)
}

func TestClaimRevenueTransferFailureKeepsBalance(t *testing.T) {
	engine, _, _, payer := newPipelineEngine(t)
	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(10000), true))

	payer.failErr = errors.New("transfer reverted")
	_, err := engine.ClaimRevenue(testOwner, testOwner)
	assert.Error(t, err)
	assert.True(t, engine.FeeBuffer.PendingRevenue.Equal(decimal.NewFromInt(300)),
		"revenue still owed after a failed payout")
}

func TestSetConversionPoolGating(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	assert.ErrorIs(t, engine.SetConversionPool(testAlice, testConversionKey()), ErrNotOwner)

	reversed := NewConversionPoolKey(testSettlementToken, testRewardToken, constants.FeeMedium)
	assert.ErrorIs(t, engine.SetConversionPool(testOwner, reversed), ErrBadCurrencyOrder)

	assert.NoError(t, engine.SetConversionPool(testOwner, testConversionKey()))
}

func TestSetBuybackBpsGating(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	assert.ErrorIs(t, engine.SetBuybackBps(testAlice, 5000), ErrNotOwner)
	assert.ErrorIs(t, engine.SetBuybackBps(testOwner, 10001), ErrBpsOutOfRange)
	require.NoError(t, engine.SetBuybackBps(testOwner, 5000))
	assert.Equal(t, int64(5000), engine.FeeBuffer.BuybackBps)
}

func TestQuoteConversionOutputAtParity(t *testing.T) {
	// Tick 0 prices the currencies 1:1.
	out, err := QuoteConversionOutput(decimal.NewFromInt(9700), 0)
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(9700)))

	_, err = QuoteConversionOutput(ZERO, 0)
	assert.ErrorIs(t, err, ErrZeroAmount)
}
