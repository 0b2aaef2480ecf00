package reward_engine

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func TestPersistLoadRoundTrip(t *testing.T) {
	db := newTestDB(t)
	engine, clock, amm, payer := newTestEngine(t)
	require.NoError(t, engine.RegisterPool(testPool, 60, 0))
	require.NoError(t, engine.SetConversionPool(testOwner, testConversionKey()))
	require.NoError(t, engine.SetWhitelisted(testOwner, testIncentiveToken, true))
	require.NoError(t, engine.OnSubscribe(fullRangeParams(testAlice), testLiquidity))
	require.NoError(t, engine.CreateIncentive(testPool, testIncentiveToken, decimal.NewFromInt(IncentiveDuration)))
	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(100), false))

	// Let some state accrue so the snapshot is not trivial.
	clock.advance(3600)
	require.NoError(t, engine.Poke(testPool))

	require.NoError(t, engine.Persist(db))

	loaded, err := LoadRewardEngine(db, engine.EngineID, amm, payer)
	require.NoError(t, err)

	poolID := addrKey(testPool)
	pool, exists := loaded.Pools.Get(poolID)
	require.True(t, exists)
	assert.True(t, pool.Liquidity.Equal(testLiquidity))
	livePool, _ := engine.Pools.Get(poolID)
	assert.True(t, pool.GlobalValueX128(addrKey(testIncentiveToken)).
		Equal(livePool.GlobalValueX128(addrKey(testIncentiveToken))))

	position, exists := loaded.PositionManager.GetPosition(fullRangeParams(testAlice).key())
	require.True(t, exists)
	assert.True(t, position.Liquidity.Equal(testLiquidity))

	stream, exists := loaded.Scheduler.StreamFor(poolID)
	require.True(t, exists)
	assert.Equal(t, engine.Scheduler.Streams[poolID].LastPokeTime, stream.LastPokeTime)

	assert.True(t, loaded.Incentives.IsWhitelisted(addrKey(testIncentiveToken)))
	assert.True(t, loaded.FeeBuffer.PendingFor(poolID).Equal(decimal.NewFromInt(97)))
	require.NotNil(t, loaded.FeeBuffer.ConversionPool)
	assert.Equal(t, engine.FeeBuffer.ConversionPool.Currency1, loaded.FeeBuffer.ConversionPool.Currency1)
}

func TestPersistUpdatesExistingRow(t *testing.T) {
	db := newTestDB(t)
	engine, _, _, _ := newTestEngine(t)
	require.NoError(t, engine.RegisterPool(testPool, 60, 0))
	require.NoError(t, engine.Persist(db))
	require.True(t, engine.HasCreated)

	require.NoError(t, engine.Collect(testFeeSource, testPool, decimal.NewFromInt(100), true))
	require.NoError(t, engine.Persist(db))

	var count int64
	require.NoError(t, db.Model(&RewardEngine{}).Where("engine_id = ?", engine.EngineID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestLoadUnknownEngine(t *testing.T) {
	db := newTestDB(t)
	_, err := LoadRewardEngine(db, "missing", nil, nil)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
