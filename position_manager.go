package reward_engine

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// StakedPosition is the position-level half of the range accumulator. Per
// reward-token stream it caches the pool's range-restricted counter at last
// touch plus an accrued-but-unclaimed amount.
type StakedPosition struct {
	PositionKey string
	Owner       string // Owner address
	Pool        string // Pool id
	TickLower   int    // Lower tick boundary
	TickUpper   int    // Upper tick boundary
	Salt        string // Disambiguates same-range positions of one owner
	Liquidity   decimal.Decimal
	// LastRangeValueX128 is the per-token snapshot of the pool's range value.
	LastRangeValueX128 map[string]decimal.Decimal
	// Accrued only grows, except on claim which zeroes it with the payout.
	Accrued map[string]decimal.Decimal
}

func NewStakedPosition(owner, pool string, tickLower, tickUpper int, salt string) *StakedPosition {
	return &StakedPosition{
		PositionKey:        GetPositionKey(owner, pool, tickLower, tickUpper, salt),
		Owner:              owner,
		Pool:               pool,
		TickLower:          tickLower,
		TickUpper:          tickUpper,
		Salt:               salt,
		Liquidity:          ZERO,
		LastRangeValueX128: map[string]decimal.Decimal{},
		Accrued:            map[string]decimal.Decimal{},
	}
}

func (p *StakedPosition) Clone() *StakedPosition {
	snapshots := make(map[string]decimal.Decimal, len(p.LastRangeValueX128))
	for token, v := range p.LastRangeValueX128 {
		snapshots[token] = v
	}
	accrued := make(map[string]decimal.Decimal, len(p.Accrued))
	for token, v := range p.Accrued {
		accrued[token] = v
	}
	return &StakedPosition{
		PositionKey:        p.PositionKey,
		Owner:              p.Owner,
		Pool:               p.Pool,
		TickLower:          p.TickLower,
		TickUpper:          p.TickUpper,
		Salt:               p.Salt,
		Liquidity:          p.Liquidity,
		LastRangeValueX128: snapshots,
		Accrued:            accrued,
	}
}

func (p *StakedPosition) snapshot(token string) decimal.Decimal {
	if v, exists := p.LastRangeValueX128[token]; exists {
		return v
	}
	return ZERO
}

func (p *StakedPosition) AccruedAmount(token string) decimal.Decimal {
	if v, exists := p.Accrued[token]; exists {
		return v
	}
	return ZERO
}

// Accrue credits (rangeValue − snapshot) · liquidity / Q128 and re-bases the
// snapshot. The snapshot moves even at zero liquidity, so liquidity added
// later only earns from that point forward.
func (p *StakedPosition) Accrue(token string, rangeValueX128 decimal.Decimal) {
	if p.Liquidity.IsPositive() {
		earned := rangeValueX128.Sub(p.snapshot(token)).Mul(p.Liquidity).Div(Q128).RoundDown(0)
		if earned.IsPositive() {
			p.Accrued[token] = p.AccruedAmount(token).Add(earned)
		}
	}
	p.LastRangeValueX128[token] = rangeValueX128
}

// Claim returns and zeroes the accrued amount for one token. A second claim
// with no intervening accrual returns zero.
func (p *StakedPosition) Claim(token string) decimal.Decimal {
	amount := p.AccruedAmount(token)
	p.Accrued[token] = ZERO
	return amount
}

// UpdateLiquidity applies a signed liquidity delta after the caller has
// accrued up to the current range value.
func (p *StakedPosition) UpdateLiquidity(liquidityDelta decimal.Decimal) error {
	next, err := LiquidityAddDelta(p.Liquidity, liquidityDelta)
	if err != nil {
		return err
	}
	p.Liquidity = next
	return nil
}

func (p *StakedPosition) IsEmpty() bool {
	if !p.Liquidity.IsZero() {
		return false
	}
	for _, v := range p.Accrued {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// PositionManager owns every staked position keyed by the canonical position
// key, with secondary indexes by owner and by pool.
type PositionManager struct {
	Positions map[string]*StakedPosition
	// Index to lookup positions by owner
	OwnerPositions map[string][]string
	// Index to lookup positions by pool
	PoolPositions map[string][]string
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		Positions:      map[string]*StakedPosition{},
		OwnerPositions: map[string][]string{},
		PoolPositions:  map[string][]string{},
	}
}

func (pm *PositionManager) Clone() *PositionManager {
	newPm := NewPositionManager()

	positions := make(map[string]*StakedPosition, len(pm.Positions))
	for key, position := range pm.Positions {
		positions[key] = position.Clone()
	}
	newPm.Positions = positions

	ownerPositions := make(map[string][]string, len(pm.OwnerPositions))
	for owner, keys := range pm.OwnerPositions {
		keysCopy := make([]string, len(keys))
		copy(keysCopy, keys)
		ownerPositions[owner] = keysCopy
	}
	newPm.OwnerPositions = ownerPositions

	poolPositions := make(map[string][]string, len(pm.PoolPositions))
	for pool, keys := range pm.PoolPositions {
		keysCopy := make([]string, len(keys))
		copy(keysCopy, keys)
		poolPositions[pool] = keysCopy
	}
	newPm.PoolPositions = poolPositions

	return newPm
}

// GetPositionAndInitIfAbsent returns the position for the identifying tuple,
// creating it (and its index entries) on first touch.
func (pm *PositionManager) GetPositionAndInitIfAbsent(owner, pool string, tickLower, tickUpper int, salt string) *StakedPosition {
	key := GetPositionKey(owner, pool, tickLower, tickUpper, salt)
	if position, exists := pm.Positions[key]; exists {
		return position
	}
	position := NewStakedPosition(owner, pool, tickLower, tickUpper, salt)
	pm.Positions[key] = position
	pm.OwnerPositions[owner] = append(pm.OwnerPositions[owner], key)
	pm.PoolPositions[pool] = append(pm.PoolPositions[pool], key)
	return position
}

func (pm *PositionManager) GetPosition(key string) (*StakedPosition, bool) {
	position, exists := pm.Positions[key]
	return position, exists
}

// GetPositionsByOwner returns all positions owned by the given address.
func (pm *PositionManager) GetPositionsByOwner(owner string) []*StakedPosition {
	keys, exists := pm.OwnerPositions[owner]
	if !exists {
		return []*StakedPosition{}
	}
	positions := make([]*StakedPosition, 0, len(keys))
	for _, key := range keys {
		if position, exists := pm.Positions[key]; exists {
			positions = append(positions, position)
		}
	}
	return positions
}

// GetPositionRecordsByOwner returns every stored record for the owner,
// including records deindexed at zero liquidity that still carry accruals.
func (pm *PositionManager) GetPositionRecordsByOwner(owner string) []*StakedPosition {
	positions := []*StakedPosition{}
	for _, position := range pm.Positions {
		if position.Owner == owner {
			positions = append(positions, position)
		}
	}
	return positions
}

// GetPositionsByPool returns all positions for a given pool.
func (pm *PositionManager) GetPositionsByPool(pool string) []*StakedPosition {
	keys, exists := pm.PoolPositions[pool]
	if !exists {
		return []*StakedPosition{}
	}
	positions := make([]*StakedPosition, 0, len(keys))
	for _, key := range keys {
		if position, exists := pm.Positions[key]; exists {
			positions = append(positions, position)
		}
	}
	return positions
}

// IndexOwner re-adds a position to the owner index after its liquidity turns
// nonzero again. Idempotent.
func (pm *PositionManager) IndexOwner(position *StakedPosition) {
	for _, key := range pm.OwnerPositions[position.Owner] {
		if key == position.PositionKey {
			return
		}
	}
	pm.OwnerPositions[position.Owner] = append(pm.OwnerPositions[position.Owner], position.PositionKey)
}

// DeindexOwner drops a position from the owner index once its liquidity
// reaches zero. The record itself stays claimable by key.
func (pm *PositionManager) DeindexOwner(position *StakedPosition) {
	pm.removeFromIndex(pm.OwnerPositions, position.Owner, position.PositionKey)
}

// Remove deletes a position record and removes it from both indexes.
func (pm *PositionManager) Remove(key string) error {
	position, exists := pm.Positions[key]
	if !exists {
		return fmt.Errorf("position %s does not exist: %w", key, ErrPositionNotFound)
	}
	delete(pm.Positions, key)
	pm.removeFromIndex(pm.OwnerPositions, position.Owner, key)
	pm.removeFromIndex(pm.PoolPositions, position.Pool, key)
	return nil
}

func (pm *PositionManager) removeFromIndex(index map[string][]string, indexKey, key string) {
	keys := index[indexKey]
	for i, k := range keys {
		if k == key {
			// Remove by swapping with the last element and truncating
			keys[i] = keys[len(keys)-1]
			index[indexKey] = keys[:len(keys)-1]
			break
		}
	}
	if len(index[indexKey]) == 0 {
		delete(index, indexKey)
	}
}

// GormDataType for GORM integration
func (pm *PositionManager) GormDataType() string {
	return "LONGTEXT"
}

// Scan for GORM integration
func (pm *PositionManager) Scan(value interface{}) error {
	var err error
	switch v := value.(type) {
	case []byte:
		err = json.Unmarshal(v, pm)
	case string:
		err = json.Unmarshal([]byte(v), pm)
	case nil:
		return nil
	default:
		err = errors.New(fmt.Sprint("Failed to unmarshal PositionManager value:", value))
	}
	return err
}

// Value for GORM integration
func (pm *PositionManager) Value() (driver.Value, error) {
	bs, err := json.Marshal(pm)
	if err != nil {
		return nil, err
	}
	return string(bs), nil
}
