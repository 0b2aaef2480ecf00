package reward_engine

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// EpochStream is one pool's day-granular reward stream. Deposits land in day
// buckets two days ahead, so a day's rate is locked a full day before the day
// starts and a fee spike can never change the rate mid-day.
type EpochStream struct {
	CurrentRate  decimal.Decimal // reward token per second, streaming now
	NextRate     decimal.Decimal // rate locked in for the next day
	LastRollDay  int64
	LastPokeTime int64
	// Buckets holds amounts scheduled to begin streaming once their day index
	// becomes current. A bucket is written by deposits and consumed exactly
	// once when promoted.
	Buckets map[int64]decimal.Decimal
	// Conservation counters: deposits in, value streamed out.
	TotalDeposited decimal.Decimal
	TotalStreamed  decimal.Decimal
}

func NewEpochStream(now int64) *EpochStream {
	return &EpochStream{
		CurrentRate:  ZERO,
		NextRate:     ZERO,
		LastRollDay:  DayIndex(now),
		LastPokeTime: now,
		Buckets:      map[int64]decimal.Decimal{},
	}
}

func (s *EpochStream) Clone() *EpochStream {
	buckets := make(map[int64]decimal.Decimal, len(s.Buckets))
	for day, amount := range s.Buckets {
		buckets[day] = amount
	}
	return &EpochStream{
		CurrentRate:    s.CurrentRate,
		NextRate:       s.NextRate,
		LastRollDay:    s.LastRollDay,
		LastPokeTime:   s.LastPokeTime,
		Buckets:        buckets,
		TotalDeposited: s.TotalDeposited,
		TotalStreamed:  s.TotalStreamed,
	}
}

// PendingInBuckets sums every bucket not yet promoted to a rate.
func (s *EpochStream) PendingInBuckets() decimal.Decimal {
	total := ZERO
	for _, amount := range s.Buckets {
		total = total.Add(amount)
	}
	return total
}

// RemainingInRates values the promoted-but-unstreamed tail: the rest of the
// current day at CurrentRate plus the whole next day at NextRate. Only
// meaningful right after Advance.
func (s *EpochStream) RemainingInRates(now int64) decimal.Decimal {
	left := decimal.NewFromInt(DayNext(now) - now)
	return s.CurrentRate.Mul(left).Add(s.NextRate.Mul(SECONDS_PER_DAY))
}

// EpochScheduler turns the reward token's bucket deposits into smooth per-pool
// streams riding on each pool's range accumulator.
type EpochScheduler struct {
	RewardToken string
	Streams     map[string]*EpochStream
}

func NewEpochScheduler(rewardToken string) *EpochScheduler {
	return &EpochScheduler{
		RewardToken: rewardToken,
		Streams:     map[string]*EpochStream{},
	}
}

func (es *EpochScheduler) Clone() *EpochScheduler {
	streams := make(map[string]*EpochStream, len(es.Streams))
	for pool, stream := range es.Streams {
		streams[pool] = stream.Clone()
	}
	return &EpochScheduler{RewardToken: es.RewardToken, Streams: streams}
}

// InitStream creates the stream state for a newly registered pool.
func (es *EpochScheduler) InitStream(poolID string, now int64) {
	if _, exists := es.Streams[poolID]; !exists {
		es.Streams[poolID] = NewEpochStream(now)
	}
}

func (es *EpochScheduler) StreamFor(poolID string) (*EpochStream, bool) {
	stream, exists := es.Streams[poolID]
	return stream, exists
}

// Deposit schedules amount to begin streaming on day(now) + 2.
func (es *EpochScheduler) Deposit(poolID string, amount decimal.Decimal, now int64) error {
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	stream, exists := es.Streams[poolID]
	if !exists {
		return fmt.Errorf("epoch deposit for %s: %w", poolID, ErrPoolNotRegistered)
	}
	day := DayIndex(now) + DepositLatencyDays
	stream.Buckets[day] = bucketAmount(stream.Buckets, day).Add(amount)
	stream.TotalDeposited = stream.TotalDeposited.Add(amount)
	return nil
}

func bucketAmount(buckets map[int64]decimal.Decimal, day int64) decimal.Decimal {
	if amount, exists := buckets[day]; exists {
		return amount
	}
	return ZERO
}

// RollIfNeeded promotes rates day by day up to the given day. Idempotent: on
// entering day d, NextRate becomes CurrentRate and the day d+1 bucket is
// consumed into the new NextRate.
func (es *EpochScheduler) RollIfNeeded(stream *EpochStream, day int64) {
	for d := stream.LastRollDay + 1; d <= day; d++ {
		stream.CurrentRate = stream.NextRate
		bucket := bucketAmount(stream.Buckets, d+1)
		if bucket.IsPositive() {
			// Truncated so a full day at this rate never exceeds the bucket.
			stream.NextRate = bucket.Div(SECONDS_PER_DAY).RoundDown(12)
			delete(stream.Buckets, d+1)
		} else {
			stream.NextRate = ZERO
		}
		stream.LastRollDay = d
	}
}

// Advance integrates elapsed wall-clock time into the pool's accumulator,
// rolling rates at each day boundary crossed since the last poke. Must run
// before any liquidity mutation or pending-reward read on the pool, or reward
// attribution between old and new liquidity would be wrong.
func (es *EpochScheduler) Advance(pool *RewardPool, now int64) error {
	stream, exists := es.Streams[pool.PoolID]
	if !exists {
		return fmt.Errorf("epoch advance for %s: %w", pool.PoolID, ErrPoolNotRegistered)
	}
	if now < stream.LastPokeTime {
		return errors.New("clock moved backwards")
	}
	for stream.LastPokeTime < now {
		es.RollIfNeeded(stream, DayIndex(stream.LastPokeTime))
		segmentEnd := DayNext(stream.LastPokeTime)
		if segmentEnd > now {
			segmentEnd = now
		}
		elapsed := decimal.NewFromInt(segmentEnd - stream.LastPokeTime)
		amount := stream.CurrentRate.Mul(elapsed)
		if amount.IsPositive() {
			if err := pool.Sync([]string{es.RewardToken}, []decimal.Decimal{amount}, pool.TickCurrent); err != nil {
				return err
			}
			stream.TotalStreamed = stream.TotalStreamed.Add(amount)
		}
		stream.LastPokeTime = segmentEnd
	}
	// A poke landing exactly on a boundary still rolls into the new day.
	es.RollIfNeeded(stream, DayIndex(now))
	return nil
}

// GormDataType for GORM integration
func (es *EpochScheduler) GormDataType() string {
	return "LONGTEXT"
}

// Scan for GORM integration
func (es *EpochScheduler) Scan(value interface{}) error {
	var err error
	switch v := value.(type) {
	case []byte:
		err = json.Unmarshal(v, es)
	case string:
		err = json.Unmarshal([]byte(v), es)
	case nil:
		return nil
	default:
		err = errors.New(fmt.Sprint("Failed to unmarshal EpochScheduler value:", value))
	}
	return err
}

// Value for GORM integration
func (es *EpochScheduler) Value() (driver.Value, error) {
	bs, err := json.Marshal(es)
	if err != nil {
		return nil, err
	}
	return string(bs), nil
}
