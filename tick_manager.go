package reward_engine

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// RewardTick is one boundary of the sparse tick table. OutsideX128 holds, per
// reward-token stream, the accumulator growth recorded on the far side of the
// boundary (the classic growth-outside trick), so growth inside an arbitrary
// range is a subtraction rather than an iteration.
type RewardTick struct {
	Index          int
	LiquidityGross decimal.Decimal
	LiquidityNet   decimal.Decimal
	OutsideX128    map[string]decimal.Decimal
}

func NewRewardTick(index int) *RewardTick {
	return &RewardTick{
		Index:          index,
		LiquidityGross: ZERO,
		LiquidityNet:   ZERO,
		OutsideX128:    map[string]decimal.Decimal{},
	}
}

func (t *RewardTick) Clone() *RewardTick {
	outside := make(map[string]decimal.Decimal, len(t.OutsideX128))
	for token, v := range t.OutsideX128 {
		outside[token] = v
	}
	return &RewardTick{
		Index:          t.Index,
		LiquidityGross: t.LiquidityGross,
		LiquidityNet:   t.LiquidityNet,
		OutsideX128:    outside,
	}
}

func (t *RewardTick) IsInitialized() bool {
	return !t.LiquidityGross.IsZero()
}

// InitOutside seeds the outside tracker for a token the boundary has not seen
// yet. Boundaries at or below the current tick start with outside = global so
// that growth recorded before the boundary existed counts as "below".
func (t *RewardTick) InitOutside(token string, currentTick int, globalX128 decimal.Decimal) {
	if _, seen := t.OutsideX128[token]; seen {
		return
	}
	if t.Index <= currentTick {
		t.OutsideX128[token] = globalX128
	} else {
		t.OutsideX128[token] = ZERO
	}
}

// Update applies a liquidity delta to the boundary and reports whether the
// boundary flipped between initialized and uninitialized.
func (t *RewardTick) Update(delta decimal.Decimal, currentTick int, globals map[string]decimal.Decimal, upper bool) (bool, error) {
	grossBefore := t.LiquidityGross
	grossAfter, err := LiquidityAddDelta(grossBefore, delta)
	if err != nil {
		return false, err
	}
	flipped := grossAfter.IsZero() != grossBefore.IsZero()
	if grossBefore.IsZero() {
		for token, global := range globals {
			t.InitOutside(token, currentTick, global)
		}
	}
	t.LiquidityGross = grossAfter
	if upper {
		t.LiquidityNet = t.LiquidityNet.Sub(delta)
	} else {
		t.LiquidityNet = t.LiquidityNet.Add(delta)
	}
	return flipped, nil
}

// Cross flips every outside tracker to global − outside and returns the
// boundary's net liquidity for the caller to apply.
func (t *RewardTick) Cross(globals map[string]decimal.Decimal) decimal.Decimal {
	for token, global := range globals {
		outside, seen := t.OutsideX128[token]
		if !seen {
			outside = ZERO
		}
		t.OutsideX128[token] = global.Sub(outside)
	}
	return t.LiquidityNet
}

// RewardTickManager is a sparse map from boundary index to boundary state.
// Only boundaries some position has touched exist; everything else is skipped
// when the current tick moves.
type RewardTickManager struct {
	Ticks map[int]*RewardTick
}

func NewRewardTickManager() *RewardTickManager {
	return &RewardTickManager{Ticks: map[int]*RewardTick{}}
}

func (tm *RewardTickManager) Clone() *RewardTickManager {
	ticks := make(map[int]*RewardTick, len(tm.Ticks))
	for index, tick := range tm.Ticks {
		ticks[index] = tick.Clone()
	}
	return &RewardTickManager{Ticks: ticks}
}

func (tm *RewardTickManager) GetTickAndInitIfAbsent(index int) *RewardTick {
	if tick, exists := tm.Ticks[index]; exists {
		return tick
	}
	tick := NewRewardTick(index)
	tm.Ticks[index] = tick
	return tick
}

func (tm *RewardTickManager) GetTickReadonly(index int) (*RewardTick, bool) {
	tick, exists := tm.Ticks[index]
	return tick, exists
}

func (tm *RewardTickManager) Clear(index int) {
	delete(tm.Ticks, index)
}

// CrossedBoundaries returns the initialized, spacing-aligned boundaries
// strictly between oldTick (exclusive) and newTick (inclusive on the entered
// side), ordered in crossing direction.
func (tm *RewardTickManager) CrossedBoundaries(oldTick, newTick, tickSpacing int) []*RewardTick {
	if oldTick == newTick {
		return nil
	}
	lo, hi := oldTick, newTick
	down := newTick < oldTick
	if down {
		lo, hi = newTick, oldTick
	}
	var crossed []*RewardTick
	for index, tick := range tm.Ticks {
		if !alignedBoundary(index, tickSpacing) || !tick.IsInitialized() {
			continue
		}
		// Moving up crosses boundaries in (old, new]; moving down crosses
		// boundaries in (new, old].
		if index > lo && index <= hi {
			crossed = append(crossed, tick)
		}
	}
	sort.Slice(crossed, func(i, j int) bool {
		if down {
			return crossed[i].Index > crossed[j].Index
		}
		return crossed[i].Index < crossed[j].Index
	})
	return crossed
}

// GetGrowthInsideX128 returns the accumulator growth for token strictly inside
// [lower, upper) given the pool's current tick and global counter.
func (tm *RewardTickManager) GetGrowthInsideX128(token string, lower, upper, currentTick int, globalX128 decimal.Decimal) (decimal.Decimal, error) {
	if lower >= upper {
		return ZERO, errors.New("tickLower should lower than tickUpper")
	}
	outsideAt := func(index int) decimal.Decimal {
		tick, exists := tm.Ticks[index]
		if !exists {
			return ZERO
		}
		outside, seen := tick.OutsideX128[token]
		if !seen {
			return ZERO
		}
		return outside
	}

	var below decimal.Decimal
	if currentTick >= lower {
		below = outsideAt(lower)
	} else {
		below = globalX128.Sub(outsideAt(lower))
	}

	var above decimal.Decimal
	if currentTick < upper {
		above = outsideAt(upper)
	} else {
		above = globalX128.Sub(outsideAt(upper))
	}

	return globalX128.Sub(below).Sub(above), nil
}

// GormDataType for GORM integration
func (tm *RewardTickManager) GormDataType() string {
	return "LONGTEXT"
}

// Scan for GORM integration
func (tm *RewardTickManager) Scan(value interface{}) error {
	var err error
	switch v := value.(type) {
	case []byte:
		err = json.Unmarshal(v, tm)
	case string:
		err = json.Unmarshal([]byte(v), tm)
	case nil:
		return nil
	default:
		err = errors.New(fmt.Sprint("Failed to unmarshal RewardTickManager value:", value))
	}
	return err
}

// Value for GORM integration
func (tm *RewardTickManager) Value() (driver.Value, error) {
	bs, err := json.Marshal(tm)
	if err != nil {
		return nil, err
	}
	return string(bs), nil
}
