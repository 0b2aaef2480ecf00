package reward_engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ConversionSettler receives the proceeds of a buyback swap. Only the engine
// implements it; the AMM must settle through it exactly once per swap.
type ConversionSettler interface {
	SettleConversion(origin common.Address, output decimal.Decimal) error
}

// ConversionAMM is the external swap layer the buyback pipeline converts
// through. Swap sells amountIn of the settlement currency into the reward
// token against the canonical conversion pool and must report the proceeds by
// calling settle.SettleConversion before returning.
type ConversionAMM interface {
	Swap(key ConversionPoolKey, amountIn decimal.Decimal, settle ConversionSettler) error
}

// TokenTransferor pays claimed rewards and revenue out of the engine's
// custody. Addresses are lowercase hex strings.
type TokenTransferor interface {
	Transfer(token, to string, amount decimal.Decimal) error
}

// EngineConfig is the one-time wiring of an engine instance.
type EngineConfig struct {
	EngineID        string
	RewardToken     common.Address
	SettlementToken common.Address
	Owner           common.Address
	// FeeSource is the AMM fee-forwarding layer, the only caller allowed to
	// collect fees.
	FeeSource common.Address
	// AMMOrigin is the only address accepted as a settlement callback origin.
	AMMOrigin     common.Address
	DustThreshold decimal.Decimal
}

// inFlightConversion is the pending token of a two-phase buyback swap; it only
// exists between the flush handing control to the AMM and the AMM returning.
type inFlightConversion struct {
	PoolID   string
	AmountIn decimal.Decimal
	Settled  bool
	Output   decimal.Decimal
}

// RewardEngine is the fee-to-reward pipeline: it owns the pool accumulators,
// the staked positions, the epoch and incentive schedulers and the fee buffer,
// and enforces the poke-before-mutation ordering between them. Execution is
// single-threaded and transactional; the only reentrant boundary is the
// buyback swap's settlement callback.
type RewardEngine struct {
	gorm.Model
	EngineID        string `gorm:"index"`
	HasCreated      bool   // has created in db, Flush will set to true
	RewardToken     string
	SettlementToken string
	OwnerAddr       string
	FeeSource       string
	AMMOrigin       string
	Pools           *PoolRegistry
	PositionManager *PositionManager
	Scheduler       *EpochScheduler
	Incentives      *IncentiveLedger
	FeeBuffer       *FeeBuffer

	// Runtime wiring, not persisted.
	Now      func() time.Time `gorm:"-" json:"-"`
	AMM      ConversionAMM    `gorm:"-" json:"-"`
	Payer    TokenTransferor  `gorm:"-" json:"-"`
	inFlight *inFlightConversion
}

func NewRewardEngine(cfg EngineConfig, amm ConversionAMM, payer TokenTransferor) *RewardEngine {
	rewardToken := addrKey(cfg.RewardToken)
	return &RewardEngine{
		EngineID:        cfg.EngineID,
		RewardToken:     rewardToken,
		SettlementToken: addrKey(cfg.SettlementToken),
		OwnerAddr:       addrKey(cfg.Owner),
		FeeSource:       addrKey(cfg.FeeSource),
		AMMOrigin:       addrKey(cfg.AMMOrigin),
		Pools:           NewPoolRegistry(),
		PositionManager: NewPositionManager(),
		Scheduler:       NewEpochScheduler(rewardToken),
		Incentives:      NewIncentiveLedger(),
		FeeBuffer:       NewFeeBuffer(cfg.DustThreshold),
		Now:             time.Now,
		AMM:             amm,
		Payer:           payer,
	}
}

func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func (e *RewardEngine) nowUnix() int64 {
	return e.Now().UTC().Unix()
}

// RegisterPool initializes accumulator and stream state for a pool. Called
// once by the AMM layer when the underlying pool is created.
func (e *RewardEngine) RegisterPool(pool common.Address, tickSpacing, initialTick int) error {
	poolID := addrKey(pool)
	if err := e.Pools.Add(NewRewardPool(poolID, tickSpacing, initialTick)); err != nil {
		return err
	}
	e.Scheduler.InitStream(poolID, e.nowUnix())
	return nil
}

func (e *RewardEngine) pool(poolID string) (*RewardPool, error) {
	pool, exists := e.Pools.Get(poolID)
	if !exists {
		return nil, fmt.Errorf("pool %s: %w", poolID, ErrPoolNotRegistered)
	}
	return pool, nil
}

// streamTokens is every token stream currently riding the pool's accumulator.
func (e *RewardEngine) streamTokens(poolID string) []string {
	return append([]string{e.RewardToken}, e.Incentives.ActiveTokens(poolID)...)
}

// Poke brings the pool's accumulators current: it rolls the epoch stream into
// the current day if needed, integrates elapsed time at the active rate, and
// integrates every incentive stream. The AMM hook calls this around swaps;
// every state-reading or liquidity-mutating entry point calls it first.
func (e *RewardEngine) Poke(pool common.Address) error {
	p, err := e.pool(addrKey(pool))
	if err != nil {
		return err
	}
	return e.pokePool(p)
}

func (e *RewardEngine) pokePool(pool *RewardPool) error {
	now := e.nowUnix()
	if err := e.Scheduler.Advance(pool, now); err != nil {
		return err
	}
	return e.Incentives.UpdatePool(pool, now)
}

// OnSwapTick lets the AMM hook report a tick move observed during a swap. The
// accumulators are brought current at the old tick first, so rewards accrued
// before the move stay with the liquidity that earned them.
func (e *RewardEngine) OnSwapTick(pool common.Address, newTick int) error {
	p, err := e.pool(addrKey(pool))
	if err != nil {
		return err
	}
	if err := e.pokePool(p); err != nil {
		return err
	}
	return p.Sync(nil, nil, newTick)
}

// --- Fee buffer & buyback pipeline ---

// Collect receives a raw trading-fee deposit in the settlement currency,
// splits it by the buyback ratio, and buffers both shares. When the pool's
// conversion share crosses the dust threshold and the deposit is not flagged
// internal, an automatic flush is attempted; its failure is swallowed so fee
// collection never blocks on a downstream conversion problem.
func (e *RewardEngine) Collect(caller, pool common.Address, amount decimal.Decimal, internal bool) error {
	if addrKey(caller) != e.FeeSource {
		return fmt.Errorf("collect: %w", ErrUnauthorized)
	}
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	poolID := addrKey(pool)
	p, err := e.pool(poolID)
	if err != nil {
		return err
	}
	// Internal deposits skip the poke along with the auto-flush; the external
	// path brings the accumulators current like every other entry point.
	if !internal {
		if err := e.pokePool(p); err != nil {
			return err
		}
	}
	crossed := e.FeeBuffer.Credit(poolID, amount)
	if crossed && !internal {
		if _, err := e.flush(poolID, ZERO); err != nil {
			// The buffer is untouched by a failed attempt; a keeper can retry.
			logrus.Warnf("automatic flush for pool %s failed, fees stay buffered: %v", poolID, err)
		}
	}
	return nil
}

// Flush executes the deferred conversion swap for a pool's buffered fees and
// deposits the proceeds into the pool's day bucket. Permissionless; unlike the
// automatic path, failures always propagate to the caller.
func (e *RewardEngine) Flush(pool common.Address, minOut decimal.Decimal) (decimal.Decimal, error) {
	poolID := addrKey(pool)
	if _, err := e.pool(poolID); err != nil {
		return ZERO, err
	}
	pending := e.FeeBuffer.PendingFor(poolID)
	if !pending.IsPositive() {
		return ZERO, fmt.Errorf("flush pool %s: %w", poolID, ErrNothingPending)
	}
	if pending.LessThan(e.FeeBuffer.DustThreshold) {
		return ZERO, fmt.Errorf("flush pool %s: %w", poolID, ErrBelowDustThreshold)
	}
	return e.flush(poolID, minOut)
}

// flush runs the two-phase conversion. Nothing is mutated until the swap has
// settled and cleared the slippage check, so a failed attempt leaves the
// buffers exactly as they were.
func (e *RewardEngine) flush(poolID string, minOut decimal.Decimal) (decimal.Decimal, error) {
	if e.FeeBuffer.ConversionPool == nil {
		return ZERO, ErrNoConversionPool
	}
	if e.inFlight != nil {
		return ZERO, errors.New("flush already in flight")
	}
	amountIn := e.FeeBuffer.PendingFor(poolID)
	if !amountIn.IsPositive() {
		return ZERO, fmt.Errorf("flush pool %s: %w", poolID, ErrNothingPending)
	}

	e.inFlight = &inFlightConversion{PoolID: poolID, AmountIn: amountIn}
	defer func() { e.inFlight = nil }()

	if err := e.AMM.Swap(*e.FeeBuffer.ConversionPool, amountIn, e); err != nil {
		return ZERO, fmt.Errorf("conversion swap: %w", err)
	}
	if !e.inFlight.Settled {
		return ZERO, ErrConversionUnsettled
	}
	output := e.inFlight.Output
	if output.LessThan(minOut) {
		return ZERO, fmt.Errorf("output %s < min %s: %w", output, minOut, ErrSlippage)
	}
	// A zero-output settlement would destroy the buffered amount with nothing
	// to deposit; reject it before any buffer mutation.
	if !output.IsPositive() {
		return ZERO, fmt.Errorf("conversion produced no output: %w", ErrZeroAmount)
	}

	e.FeeBuffer.ZeroConversion(poolID)
	if err := e.Scheduler.Deposit(poolID, output, e.nowUnix()); err != nil {
		return ZERO, err
	}
	return output, nil
}

// SettleConversion is the AMM's settlement callback. It is accepted only from
// the known callback origin and only while a flush is in flight; any other
// caller is rejected.
func (e *RewardEngine) SettleConversion(origin common.Address, output decimal.Decimal) error {
	if e.inFlight == nil {
		return ErrNoFlushInFlight
	}
	if addrKey(origin) != e.AMMOrigin {
		return fmt.Errorf("settle from %s: %w", addrKey(origin), ErrBadSettleOrigin)
	}
	if e.inFlight.Settled {
		return errors.New("conversion already settled")
	}
	if output.IsNegative() {
		return ErrZeroAmount
	}
	e.inFlight.Settled = true
	e.inFlight.Output = output
	return nil
}

// ClaimRevenue pays the entire buffered protocol-revenue share.
func (e *RewardEngine) ClaimRevenue(caller, to common.Address) (decimal.Decimal, error) {
	if addrKey(caller) != e.OwnerAddr {
		return ZERO, ErrNotOwner
	}
	amount, err := e.FeeBuffer.TakeRevenue()
	if err != nil {
		return ZERO, err
	}
	if err := e.Payer.Transfer(e.SettlementToken, addrKey(to), amount); err != nil {
		// Payout failed, the revenue is still owed.
		e.FeeBuffer.PendingRevenue = e.FeeBuffer.PendingRevenue.Add(amount)
		return ZERO, err
	}
	return amount, nil
}

// SetConversionPool registers the canonical settlement/reward pool used for
// buyback swaps.
func (e *RewardEngine) SetConversionPool(caller common.Address, key ConversionPoolKey) error {
	if addrKey(caller) != e.OwnerAddr {
		return ErrNotOwner
	}
	if err := key.Validate(e.RewardToken); err != nil {
		return err
	}
	e.FeeBuffer.ConversionPool = &key
	return nil
}

func (e *RewardEngine) SetBuybackBps(caller common.Address, bps int64) error {
	if addrKey(caller) != e.OwnerAddr {
		return ErrNotOwner
	}
	return e.FeeBuffer.SetBuybackBps(bps)
}

// --- Incentive streams ---

// SetWhitelisted flips a token's incentive allow-list entry.
func (e *RewardEngine) SetWhitelisted(caller, token common.Address, allowed bool) error {
	if addrKey(caller) != e.OwnerAddr {
		return ErrNotOwner
	}
	e.Incentives.SetWhitelisted(addrKey(token), allowed)
	return nil
}

// CreateIncentive starts or tops up a 7-day stream of a whitelisted token on a
// pool. Anyone may fund one. The pool is poked first so the new rate cannot
// apply retroactively.
func (e *RewardEngine) CreateIncentive(pool, token common.Address, amount decimal.Decimal) error {
	p, err := e.pool(addrKey(pool))
	if err != nil {
		return err
	}
	if err := e.pokePool(p); err != nil {
		return err
	}
	return e.Incentives.CreateIncentive(p.PoolID, addrKey(token), amount, e.nowUnix())
}

// --- Claims ---

// PendingRewards reports, per token, what a claim would pay right now.
func (e *RewardEngine) PendingRewards(positionKey string) (map[string]decimal.Decimal, error) {
	position, exists := e.PositionManager.GetPosition(positionKey)
	if !exists {
		return nil, ErrPositionNotFound
	}
	pool, err := e.pool(position.Pool)
	if err != nil {
		return nil, err
	}
	if err := e.pokePool(pool); err != nil {
		return nil, err
	}
	pending := map[string]decimal.Decimal{}
	for _, token := range e.streamTokens(pool.PoolID) {
		rangeValue, err := pool.RangeValueX128(token, position.TickLower, position.TickUpper)
		if err != nil {
			return nil, err
		}
		amount := position.AccruedAmount(token)
		if position.Liquidity.IsPositive() {
			earned := rangeValue.Sub(position.snapshot(token)).Mul(position.Liquidity).Div(Q128).RoundDown(0)
			if earned.IsPositive() {
				amount = amount.Add(earned)
			}
		}
		if amount.IsPositive() {
			pending[token] = amount
		}
	}
	return pending, nil
}

// Claim pays out a position's accrued epoch reward and, to avoid silent
// forfeiture on a later removal, every accrued incentive token in the same
// call. A repeat claim with no intervening accrual pays nothing.
func (e *RewardEngine) Claim(caller common.Address, positionKey string, to common.Address) (map[string]decimal.Decimal, error) {
	position, exists := e.PositionManager.GetPosition(positionKey)
	if !exists {
		return nil, ErrPositionNotFound
	}
	if addrKey(caller) != position.Owner {
		return nil, fmt.Errorf("claim %s: %w", positionKey, ErrUnauthorized)
	}
	pool, err := e.pool(position.Pool)
	if err != nil {
		return nil, err
	}
	if err := e.pokePool(pool); err != nil {
		return nil, err
	}
	return e.payout(pool, position, addrKey(to), e.streamTokens(pool.PoolID))
}

// ClaimAll claims every position of an owner in one call, including records
// whose liquidity is back at zero but still carry accrued amounts.
func (e *RewardEngine) ClaimAll(caller, to common.Address) (map[string]decimal.Decimal, error) {
	owner := addrKey(caller)
	paid := map[string]decimal.Decimal{}
	for _, position := range e.PositionManager.GetPositionRecordsByOwner(owner) {
		got, err := e.Claim(caller, position.PositionKey, to)
		if err != nil {
			return nil, err
		}
		for token, amount := range got {
			paid[token] = amountOrZero(paid, token).Add(amount)
		}
	}
	return paid, nil
}

// ClaimIncentives claims only the given incentive tokens for one position.
func (e *RewardEngine) ClaimIncentives(caller common.Address, positionKey string, to common.Address, tokens []common.Address) (map[string]decimal.Decimal, error) {
	position, exists := e.PositionManager.GetPosition(positionKey)
	if !exists {
		return nil, ErrPositionNotFound
	}
	if addrKey(caller) != position.Owner {
		return nil, fmt.Errorf("claim %s: %w", positionKey, ErrUnauthorized)
	}
	pool, err := e.pool(position.Pool)
	if err != nil {
		return nil, err
	}
	if err := e.pokePool(pool); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(tokens))
	for _, token := range tokens {
		keys = append(keys, addrKey(token))
	}
	return e.payout(pool, position, addrKey(to), keys)
}

// payout accrues each token up to the pool's current range value, zeroes the
// accrual, and transfers. Zero amounts are skipped, never an error.
func (e *RewardEngine) payout(pool *RewardPool, position *StakedPosition, to string, tokens []string) (map[string]decimal.Decimal, error) {
	paid := map[string]decimal.Decimal{}
	for _, token := range tokens {
		rangeValue, err := pool.RangeValueX128(token, position.TickLower, position.TickUpper)
		if err != nil {
			return nil, err
		}
		position.Accrue(token, rangeValue)
		amount := position.Claim(token)
		if !amount.IsPositive() {
			continue
		}
		if err := e.Payer.Transfer(token, to, amount); err != nil {
			// Re-credit so a payout failure aborts without losing the accrual.
			position.Accrued[token] = position.AccruedAmount(token).Add(amount)
			return nil, err
		}
		paid[token] = amount
	}
	return paid, nil
}

func amountOrZero(m map[string]decimal.Decimal, token string) decimal.Decimal {
	if v, exists := m[token]; exists {
		return v
	}
	return ZERO
}

// --- Position notifications (from the position-ownership adapter) ---

// PositionParams identifies a position as the adapter sees it.
type PositionParams struct {
	Owner     common.Address
	Pool      common.Address
	TickLower int
	TickUpper int
	Salt      common.Hash
}

func (p PositionParams) key() string {
	return GetPositionKey(addrKey(p.Owner), strings.ToLower(p.Pool.Hex()), p.TickLower, p.TickUpper, strings.ToLower(p.Salt.Hex()))
}

// OnSubscribe registers a position with its initial liquidity. The pool is
// poked first so the new liquidity cannot earn rewards accrued before it
// existed.
func (e *RewardEngine) OnSubscribe(params PositionParams, liquidity decimal.Decimal) error {
	if !liquidity.IsPositive() {
		return ErrZeroAmount
	}
	return e.modifyPosition(params, liquidity, true)
}

// OnModifyLiquidity applies a signed liquidity delta to a known position.
func (e *RewardEngine) OnModifyLiquidity(params PositionParams, liquidityDelta decimal.Decimal) error {
	if liquidityDelta.IsZero() {
		return nil
	}
	return e.modifyPosition(params, liquidityDelta, false)
}

func (e *RewardEngine) modifyPosition(params PositionParams, liquidityDelta decimal.Decimal, create bool) error {
	pool, err := e.pool(strings.ToLower(params.Pool.Hex()))
	if err != nil {
		return err
	}
	if err := pool.checkTicks(params.TickLower, params.TickUpper); err != nil {
		return err
	}
	if err := e.pokePool(pool); err != nil {
		return err
	}

	var position *StakedPosition
	if create {
		position = e.PositionManager.GetPositionAndInitIfAbsent(
			addrKey(params.Owner), pool.PoolID, params.TickLower, params.TickUpper, strings.ToLower(params.Salt.Hex()))
	} else {
		var exists bool
		position, exists = e.PositionManager.GetPosition(params.key())
		if !exists {
			return fmt.Errorf("modify %s: %w", params.key(), ErrPositionNotFound)
		}
	}

	// Reject an underflowing delta before any accrual re-bases snapshots, so a
	// failing call leaves the position exactly as it found it.
	nextLiquidity, err := LiquidityAddDelta(position.Liquidity, liquidityDelta)
	if err != nil {
		return err
	}

	tokens := e.streamTokens(pool.PoolID)
	for _, token := range tokens {
		rangeValue, err := pool.RangeValueX128(token, position.TickLower, position.TickUpper)
		if err != nil {
			return err
		}
		// Accrues what the old liquidity earned and re-bases the snapshot, so
		// the delta only earns from here on.
		position.Accrue(token, rangeValue)
	}
	wasZero := position.Liquidity.IsZero()
	position.Liquidity = nextLiquidity
	if wasZero && position.Liquidity.IsPositive() {
		e.PositionManager.IndexOwner(position)
	} else if !wasZero && position.Liquidity.IsZero() {
		e.PositionManager.DeindexOwner(position)
	}
	return pool.ModifyPositionLiquidity(position.TickLower, position.TickUpper, liquidityDelta, tokens)
}

// OnUnsubscribe removes a position: its pool liquidity is withdrawn, its
// accrued epoch reward is force-claimed to the owner, and the record is
// dropped. Accrued incentive tokens not claimed beforehand are forfeited;
// integrators must claim before removing liquidity.
func (e *RewardEngine) OnUnsubscribe(params PositionParams) error {
	position, exists := e.PositionManager.GetPosition(params.key())
	if !exists {
		return fmt.Errorf("unsubscribe %s: %w", params.key(), ErrPositionNotFound)
	}
	pool, err := e.pool(position.Pool)
	if err != nil {
		return err
	}
	if err := e.pokePool(pool); err != nil {
		return err
	}

	rangeValue, err := pool.RangeValueX128(e.RewardToken, position.TickLower, position.TickUpper)
	if err != nil {
		return err
	}
	position.Accrue(e.RewardToken, rangeValue)
	amount := position.Claim(e.RewardToken)
	if amount.IsPositive() {
		if err := e.Payer.Transfer(e.RewardToken, position.Owner, amount); err != nil {
			position.Accrued[e.RewardToken] = position.AccruedAmount(e.RewardToken).Add(amount)
			return err
		}
	}

	if position.Liquidity.IsPositive() {
		tokens := e.streamTokens(pool.PoolID)
		if err := pool.ModifyPositionLiquidity(position.TickLower, position.TickUpper, position.Liquidity.Neg(), tokens); err != nil {
			return err
		}
	}
	return e.PositionManager.Remove(position.PositionKey)
}

// OnBurn handles the underlying position token being destroyed; same effect
// as an unsubscribe.
func (e *RewardEngine) OnBurn(params PositionParams) error {
	return e.OnUnsubscribe(params)
}

// Clone deep-copies the whole engine state for snapshot or replay tooling.
// Runtime wiring (clock, AMM, payer) is shared.
func (e *RewardEngine) Clone() *RewardEngine {
	clone := *e
	clone.Pools = e.Pools.Clone()
	clone.PositionManager = e.PositionManager.Clone()
	clone.Scheduler = e.Scheduler.Clone()
	clone.Incentives = e.Incentives.Clone()
	clone.FeeBuffer = e.FeeBuffer.Clone()
	clone.inFlight = nil
	return &clone
}
