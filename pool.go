package reward_engine

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// RewardPool is the pool-level half of the range accumulator. Per reward-token
// stream it keeps a cumulative rewards-per-unit-liquidity counter (Q128 fixed
// point) and, through the sparse tick table, enough boundary bookkeeping to
// restrict that counter to any [lower, upper) range in O(1).
type RewardPool struct {
	PoolID      string
	TickSpacing int
	TickCurrent int
	Liquidity   decimal.Decimal
	GlobalX128  map[string]decimal.Decimal
	TickManager *RewardTickManager
}

func NewRewardPool(poolID string, tickSpacing int, initialTick int) *RewardPool {
	return &RewardPool{
		PoolID:      poolID,
		TickSpacing: tickSpacing,
		TickCurrent: initialTick,
		Liquidity:   ZERO,
		GlobalX128:  map[string]decimal.Decimal{},
		TickManager: NewRewardTickManager(),
	}
}

func (p *RewardPool) Clone() *RewardPool {
	global := make(map[string]decimal.Decimal, len(p.GlobalX128))
	for token, v := range p.GlobalX128 {
		global[token] = v
	}
	return &RewardPool{
		PoolID:      p.PoolID,
		TickSpacing: p.TickSpacing,
		TickCurrent: p.TickCurrent,
		Liquidity:   p.Liquidity,
		GlobalX128:  global,
		TickManager: p.TickManager.Clone(),
	}
}

func (p *RewardPool) GlobalValueX128(token string) decimal.Decimal {
	if v, exists := p.GlobalX128[token]; exists {
		return v
	}
	return ZERO
}

// Sync folds freshly streamed amounts into the per-liquidity counters and, if
// the current tick moved, crosses every initialized boundary between the old
// and new tick, flipping outside trackers and applying net liquidity.
//
// Division only happens while pool liquidity is positive; amounts streamed
// into an empty pool are dropped rather than faulting.
func (p *RewardPool) Sync(tokens []string, amounts []decimal.Decimal, newTick int) error {
	if len(tokens) != len(amounts) {
		return errors.New("tokens and amounts length mismatch")
	}
	if newTick < MIN_TICK || newTick > MAX_TICK {
		return errors.New("tick out of range")
	}
	for i, token := range tokens {
		if amounts[i].IsNegative() {
			return errors.New("sync amount must not be negative")
		}
		if amounts[i].IsZero() || !p.Liquidity.IsPositive() {
			continue
		}
		growth := amounts[i].Mul(Q128).Div(p.Liquidity).RoundDown(0)
		p.GlobalX128[token] = p.GlobalValueX128(token).Add(growth)
	}

	if newTick == p.TickCurrent {
		return nil
	}
	down := newTick < p.TickCurrent
	for _, tick := range p.TickManager.CrossedBoundaries(p.TickCurrent, newTick, p.TickSpacing) {
		liquidityNet := tick.Cross(p.GlobalX128)
		if down {
			liquidityNet = liquidityNet.Neg()
		}
		next, err := LiquidityAddDelta(p.Liquidity, liquidityNet)
		if err != nil {
			return err
		}
		p.Liquidity = next
	}
	p.TickCurrent = newTick
	return nil
}

// RangeValueX128 is the counter's cumulative growth strictly inside
// [lower, upper) for one token stream.
func (p *RewardPool) RangeValueX128(token string, tickLower, tickUpper int) (decimal.Decimal, error) {
	if err := p.checkTicks(tickLower, tickUpper); err != nil {
		return ZERO, err
	}
	return p.TickManager.GetGrowthInsideX128(token, tickLower, tickUpper, p.TickCurrent, p.GlobalValueX128(token))
}

// ModifyPositionLiquidity applies a signed liquidity delta at a boundary pair.
// Additions seed outside trackers for tokens the boundaries have not seen;
// removals clear boundaries whose gross liquidity drops back to zero.
func (p *RewardPool) ModifyPositionLiquidity(tickLower, tickUpper int, liquidityDelta decimal.Decimal, tokens []string) error {
	if err := p.checkTicks(tickLower, tickUpper); err != nil {
		return err
	}
	if liquidityDelta.IsZero() {
		return nil
	}

	globals := make(map[string]decimal.Decimal, len(tokens))
	for _, token := range tokens {
		globals[token] = p.GlobalValueX128(token)
	}

	lowerTick := p.TickManager.GetTickAndInitIfAbsent(tickLower)
	flippedLower, err := lowerTick.Update(liquidityDelta, p.TickCurrent, globals, false)
	if err != nil {
		return err
	}
	upperTick := p.TickManager.GetTickAndInitIfAbsent(tickUpper)
	flippedUpper, err := upperTick.Update(liquidityDelta, p.TickCurrent, globals, true)
	if err != nil {
		return err
	}

	if p.TickCurrent >= tickLower && p.TickCurrent < tickUpper {
		next, err := LiquidityAddDelta(p.Liquidity, liquidityDelta)
		if err != nil {
			return err
		}
		p.Liquidity = next
	}

	if liquidityDelta.IsNegative() {
		if flippedLower {
			p.TickManager.Clear(tickLower)
		}
		if flippedUpper {
			p.TickManager.Clear(tickUpper)
		}
	}
	return nil
}

func (p *RewardPool) checkTicks(tickLower, tickUpper int) error {
	if !(tickLower < tickUpper) {
		return errors.New("tickLower should lower than tickUpper")
	}
	if !(tickLower >= MIN_TICK) {
		return errors.New("tickLower should NOT lower than MIN_TICK")
	}
	if !(tickUpper <= MAX_TICK) {
		return errors.New("tickUpper should NOT greater than MAX_TICK")
	}
	if !alignedBoundary(tickLower, p.TickSpacing) || !alignedBoundary(tickUpper, p.TickSpacing) {
		return errors.New("tick not aligned to pool tick spacing")
	}
	return nil
}

// PoolRegistry owns every registered pool's accumulator state, keyed by pool
// id, so the engine can be unit-tested without ambient globals.
type PoolRegistry struct {
	Pools map[string]*RewardPool
}

func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{Pools: map[string]*RewardPool{}}
}

func (pr *PoolRegistry) Clone() *PoolRegistry {
	pools := make(map[string]*RewardPool, len(pr.Pools))
	for id, pool := range pr.Pools {
		pools[id] = pool.Clone()
	}
	return &PoolRegistry{Pools: pools}
}

func (pr *PoolRegistry) Get(poolID string) (*RewardPool, bool) {
	pool, exists := pr.Pools[poolID]
	return pool, exists
}

func (pr *PoolRegistry) Add(pool *RewardPool) error {
	if _, exists := pr.Pools[pool.PoolID]; exists {
		return ErrPoolExists
	}
	pr.Pools[pool.PoolID] = pool
	return nil
}

// GormDataType for GORM integration
func (pr *PoolRegistry) GormDataType() string {
	return "LONGTEXT"
}

// Scan for GORM integration
func (pr *PoolRegistry) Scan(value interface{}) error {
	var err error
	switch v := value.(type) {
	case []byte:
		err = json.Unmarshal(v, pr)
	case string:
		err = json.Unmarshal([]byte(v), pr)
	case nil:
		return nil
	default:
		err = errors.New(fmt.Sprint("Failed to unmarshal PoolRegistry value:", value))
	}
	return err
}

// Value for GORM integration
func (pr *PoolRegistry) Value() (driver.Value, error) {
	bs, err := json.Marshal(pr)
	if err != nil {
		return nil, err
	}
	return string(bs), nil
}
