package reward_engine

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/daoleno/uniswapv3-sdk/utils"
	"github.com/shopspring/decimal"
)

var (
	ZERO = decimal.Zero
	ONE  = decimal.NewFromInt(1)
	Q96  = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 96), 0)
	Q128 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 128), 0)
	Q192 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 192), 0)
)

const (
	MIN_TICK = utils.MinTick
	MAX_TICK = utils.MaxTick

	// SecondsPerDay is the epoch window length; every day bucket streams over
	// exactly this many seconds.
	SecondsPerDay int64 = 86400

	// DepositLatencyDays is how many days ahead of "today" a bucket deposit
	// lands, so the rate for a day is locked one full day before it starts.
	DepositLatencyDays int64 = 2

	// IncentiveDuration is the fixed streaming window of incentive deposits.
	IncentiveDuration int64 = 7 * 86400

	// BpsDenominator is the basis-point scale for the buyback split.
	BpsDenominator int64 = 10000

	// DefaultBuybackBps sends 97% of every fee to reward conversion.
	DefaultBuybackBps int64 = 9700
)

var SECONDS_PER_DAY = decimal.NewFromInt(SecondsPerDay)

// DayIndex returns the UTC day number containing the unix timestamp ts.
func DayIndex(ts int64) int64 {
	return ts / SecondsPerDay
}

// DayStart returns the unix timestamp of midnight UTC of the day containing ts.
func DayStart(ts int64) int64 {
	return DayIndex(ts) * SecondsPerDay
}

// DayNext returns the unix timestamp of the next midnight UTC after ts.
func DayNext(ts int64) int64 {
	return DayStart(ts) + SecondsPerDay
}

// GetSqrtRatioAtTick wraps the sdk helper and returns the ratio as a decimal.
func GetSqrtRatioAtTick(tick int) (decimal.Decimal, error) {
	bi, err := utils.GetSqrtRatioAtTick(tick)
	if err != nil {
		return ZERO, err
	}
	return decimal.NewFromBigInt(bi, 0), nil
}

// GetTickAtSqrtRatio wraps the sdk helper for decimal sqrt prices.
func GetTickAtSqrtRatio(sqrtRatioX96 decimal.Decimal) (int, error) {
	return utils.GetTickAtSqrtRatio(sqrtRatioX96.BigInt())
}

// LiquidityAddDelta applies a signed liquidity delta and rejects underflow.
func LiquidityAddDelta(liquidity, delta decimal.Decimal) (decimal.Decimal, error) {
	next := liquidity.Add(delta)
	if next.IsNegative() {
		return ZERO, errors.New("liquidity underflow")
	}
	return next, nil
}

// GetPositionKey builds the canonical position key from the identifying tuple.
func GetPositionKey(owner string, pool string, tickLower, tickUpper int, salt string) string {
	return fmt.Sprintf("%s_%s_%d_%d_%s", owner, pool, tickLower, tickUpper, salt)
}

// alignedBoundary reports whether index sits on a tick-spacing grid line.
func alignedBoundary(index, tickSpacing int) bool {
	if tickSpacing <= 0 {
		return true
	}
	return index%tickSpacing == 0
}
