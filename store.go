package reward_engine

import (
	"time"

	"gorm.io/gorm"
)

// Persist writes the engine snapshot to the database, creating the row on
// first save and updating it afterwards. The nested managers serialize as
// JSON columns.
func (e *RewardEngine) Persist(db *gorm.DB) error {
	if e.HasCreated {
		return db.Model(e).Updates(map[string]interface{}{
			"reward_token":     e.RewardToken,
			"settlement_token": e.SettlementToken,
			"owner_addr":       e.OwnerAddr,
			"fee_source":       e.FeeSource,
			"amm_origin":       e.AMMOrigin,
			"pools":            e.Pools,
			"position_manager": e.PositionManager,
			"scheduler":        e.Scheduler,
			"incentives":       e.Incentives,
			"fee_buffer":       e.FeeBuffer,
		}).Error
	}
	e.HasCreated = true
	return db.Create(e).Error
}

// LoadRewardEngine restores a persisted engine snapshot and reattaches the
// runtime wiring the snapshot cannot carry.
func LoadRewardEngine(db *gorm.DB, engineID string, amm ConversionAMM, payer TokenTransferor) (*RewardEngine, error) {
	engine := &RewardEngine{
		Pools:           NewPoolRegistry(),
		PositionManager: NewPositionManager(),
		Scheduler:       NewEpochScheduler(""),
		Incentives:      NewIncentiveLedger(),
		FeeBuffer:       NewFeeBuffer(ZERO),
	}
	if err := db.Where("engine_id = ?", engineID).First(engine).Error; err != nil {
		return nil, err
	}
	engine.HasCreated = true
	engine.Now = time.Now
	engine.AMM = amm
	engine.Payer = payer
	return engine, nil
}

// AutoMigrate creates the snapshot table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&RewardEngine{})
}
