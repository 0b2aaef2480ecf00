package reward_engine

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/daoleno/uniswapv3-sdk/constants"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ConversionPoolKey identifies the canonical settlement/reward-token pool the
// buyback swap runs against. The reward token must be currency0; the rest of
// the pipeline depends on that ordering.
type ConversionPoolKey struct {
	Currency0   string
	Currency1   string
	Fee         constants.FeeAmount
	TickSpacing int
}

func NewConversionPoolKey(currency0, currency1 common.Address, fee constants.FeeAmount) ConversionPoolKey {
	return ConversionPoolKey{
		Currency0:   strings.ToLower(currency0.Hex()),
		Currency1:   strings.ToLower(currency1.Hex()),
		Fee:         fee,
		TickSpacing: constants.TickSpacings[fee],
	}
}

// Validate rejects a key whose ordering does not place the reward token first.
func (k ConversionPoolKey) Validate(rewardToken string) error {
	if k.Currency0 != rewardToken {
		return fmt.Errorf("conversion pool %s/%s: %w", k.Currency0, k.Currency1, ErrBadCurrencyOrder)
	}
	if k.Currency0 == k.Currency1 {
		return errors.New("conversion pool currencies must differ")
	}
	return nil
}

// QuoteConversionOutput estimates the reward-token output of selling amountIn
// settlement currency at the conversion pool's current tick, so keepers can
// pick a sane minOut before flushing. Settlement is currency1, reward is
// currency0, so output = amountIn · Q192 / sqrtPrice².
func QuoteConversionOutput(amountIn decimal.Decimal, conversionPoolTick int) (decimal.Decimal, error) {
	if !amountIn.IsPositive() {
		return ZERO, ErrZeroAmount
	}
	sqrtPriceX96, err := GetSqrtRatioAtTick(conversionPoolTick)
	if err != nil {
		return ZERO, err
	}
	return amountIn.Mul(Q192).Div(sqrtPriceX96.Mul(sqrtPriceX96)).RoundDown(0), nil
}

// FeeBuffer batches raw trading-fee deposits. Each deposit splits by
// BuybackBps into a per-pool pending-for-conversion share and one global
// pending-for-revenue share; the conversion share waits until it crosses the
// dust threshold, then a buyback swap turns it into the reward token.
type FeeBuffer struct {
	BuybackBps    int64
	DustThreshold decimal.Decimal
	// PendingConversion is settlement currency buffered per source pool,
	// created implicitly on first deposit and zeroed on successful flush.
	PendingConversion map[string]decimal.Decimal
	PendingRevenue    decimal.Decimal
	ConversionPool    *ConversionPoolKey
}

func NewFeeBuffer(dustThreshold decimal.Decimal) *FeeBuffer {
	return &FeeBuffer{
		BuybackBps:        DefaultBuybackBps,
		DustThreshold:     dustThreshold,
		PendingConversion: map[string]decimal.Decimal{},
		PendingRevenue:    ZERO,
	}
}

func (fb *FeeBuffer) Clone() *FeeBuffer {
	pending := make(map[string]decimal.Decimal, len(fb.PendingConversion))
	for pool, amount := range fb.PendingConversion {
		pending[pool] = amount
	}
	var key *ConversionPoolKey
	if fb.ConversionPool != nil {
		k := *fb.ConversionPool
		key = &k
	}
	return &FeeBuffer{
		BuybackBps:        fb.BuybackBps,
		DustThreshold:     fb.DustThreshold,
		PendingConversion: pending,
		PendingRevenue:    fb.PendingRevenue,
		ConversionPool:    key,
	}
}

// Split divides a fee deposit into its conversion and revenue shares.
func (fb *FeeBuffer) Split(amount decimal.Decimal) (conversion, revenue decimal.Decimal) {
	conversion = amount.Mul(decimal.NewFromInt(fb.BuybackBps)).Div(decimal.NewFromInt(BpsDenominator)).RoundDown(0)
	revenue = amount.Sub(conversion)
	return conversion, revenue
}

// Credit buffers a split fee deposit and reports whether the pool's pending
// conversion share has crossed the dust threshold.
func (fb *FeeBuffer) Credit(poolID string, amount decimal.Decimal) (thresholdCrossed bool) {
	conversion, revenue := fb.Split(amount)
	fb.PendingConversion[poolID] = fb.PendingFor(poolID).Add(conversion)
	fb.PendingRevenue = fb.PendingRevenue.Add(revenue)
	return fb.PendingFor(poolID).GreaterThanOrEqual(fb.DustThreshold)
}

func (fb *FeeBuffer) PendingFor(poolID string) decimal.Decimal {
	if amount, exists := fb.PendingConversion[poolID]; exists {
		return amount
	}
	return ZERO
}

// ZeroConversion consumes a pool's buffered conversion share after a
// successful flush.
func (fb *FeeBuffer) ZeroConversion(poolID string) {
	delete(fb.PendingConversion, poolID)
}

// TakeRevenue returns and zeroes the global revenue share.
func (fb *FeeBuffer) TakeRevenue() (decimal.Decimal, error) {
	if !fb.PendingRevenue.IsPositive() {
		return ZERO, ErrNothingPending
	}
	amount := fb.PendingRevenue
	fb.PendingRevenue = ZERO
	return amount, nil
}

// SetBuybackBps validates and updates the split ratio.
func (fb *FeeBuffer) SetBuybackBps(bps int64) error {
	if bps < 0 || bps > BpsDenominator {
		return fmt.Errorf("bps %d: %w", bps, ErrBpsOutOfRange)
	}
	fb.BuybackBps = bps
	return nil
}

// GormDataType for GORM integration
func (fb *FeeBuffer) GormDataType() string {
	return "LONGTEXT"
}

// Scan for GORM integration
func (fb *FeeBuffer) Scan(value interface{}) error {
	var err error
	switch v := value.(type) {
	case []byte:
		err = json.Unmarshal(v, fb)
	case string:
		err = json.Unmarshal([]byte(v), fb)
	case nil:
		return nil
	default:
		err = errors.New(fmt.Sprint("Failed to unmarshal FeeBuffer value:", value))
	}
	return err
}

// Value for GORM integration
func (fb *FeeBuffer) Value() (driver.Value, error) {
	bs, err := json.Marshal(fb)
	if err != nil {
		return nil, err
	}
	return string(bs), nil
}
