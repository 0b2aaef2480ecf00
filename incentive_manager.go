package reward_engine

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// IncentiveStream is one (pool, token) linear stream over the fixed 7-day
// window. A top-up before finish rolls the unstreamed remainder into the new
// rate instead of resetting it.
type IncentiveStream struct {
	Token          string
	Rate           decimal.Decimal // token per second
	FinishTime     int64
	LastUpdateTime int64
	TotalDeposited decimal.Decimal
}

func (s *IncentiveStream) Clone() *IncentiveStream {
	c := *s
	return &c
}

// UnstreamedRemainder is the value not yet streamed out, zero once expired.
func (s *IncentiveStream) UnstreamedRemainder(now int64) decimal.Decimal {
	if now >= s.FinishTime {
		return ZERO
	}
	return s.Rate.Mul(decimal.NewFromInt(s.FinishTime - now))
}

// IncentiveLedger lets any whitelisted token be streamed over 7 days per pool,
// riding the same range accumulator as the epoch stream. Many tokens may
// stream on one pool at once.
type IncentiveLedger struct {
	Whitelist map[string]bool
	// Streams is pool id -> token -> stream.
	Streams map[string]map[string]*IncentiveStream
}

func NewIncentiveLedger() *IncentiveLedger {
	return &IncentiveLedger{
		Whitelist: map[string]bool{},
		Streams:   map[string]map[string]*IncentiveStream{},
	}
}

func (il *IncentiveLedger) Clone() *IncentiveLedger {
	whitelist := make(map[string]bool, len(il.Whitelist))
	for token, allowed := range il.Whitelist {
		whitelist[token] = allowed
	}
	streams := make(map[string]map[string]*IncentiveStream, len(il.Streams))
	for pool, byToken := range il.Streams {
		byTokenCopy := make(map[string]*IncentiveStream, len(byToken))
		for token, stream := range byToken {
			byTokenCopy[token] = stream.Clone()
		}
		streams[pool] = byTokenCopy
	}
	return &IncentiveLedger{Whitelist: whitelist, Streams: streams}
}

// SetWhitelisted flips a token's allow-list entry.
func (il *IncentiveLedger) SetWhitelisted(token string, allowed bool) {
	il.Whitelist[token] = allowed
}

func (il *IncentiveLedger) IsWhitelisted(token string) bool {
	return il.Whitelist[token]
}

// StreamsFor returns the live stream set for a pool, never nil.
func (il *IncentiveLedger) StreamsFor(poolID string) map[string]*IncentiveStream {
	if byToken, exists := il.Streams[poolID]; exists {
		return byToken
	}
	return map[string]*IncentiveStream{}
}

// ActiveTokens lists the tokens that have ever streamed on the pool.
func (il *IncentiveLedger) ActiveTokens(poolID string) []string {
	byToken := il.StreamsFor(poolID)
	tokens := make([]string, 0, len(byToken))
	for token := range byToken {
		tokens = append(tokens, token)
	}
	return tokens
}

// CreateIncentive starts or tops up the (pool, token) stream. The caller must
// have brought the pool's accumulator current first, otherwise the rate change
// would be applied retroactively.
func (il *IncentiveLedger) CreateIncentive(poolID, token string, amount decimal.Decimal, now int64) error {
	if !il.IsWhitelisted(token) {
		return fmt.Errorf("create incentive %s: %w", token, ErrTokenNotWhitelisted)
	}
	if !amount.IsPositive() {
		return ErrZeroAmount
	}
	byToken, exists := il.Streams[poolID]
	if !exists {
		byToken = map[string]*IncentiveStream{}
		il.Streams[poolID] = byToken
	}
	stream, exists := byToken[token]
	if !exists {
		stream = &IncentiveStream{Token: token, Rate: ZERO, LastUpdateTime: now}
		byToken[token] = stream
	}
	total := stream.UnstreamedRemainder(now).Add(amount)
	stream.Rate = total.Div(decimal.NewFromInt(IncentiveDuration)).RoundDown(12)
	stream.FinishTime = now + IncentiveDuration
	stream.LastUpdateTime = now
	stream.TotalDeposited = stream.TotalDeposited.Add(amount)
	return nil
}

// UpdatePool integrates every incentive stream on the pool into the range
// accumulator up to now. Past finish the rate is treated as zero, not decayed.
func (il *IncentiveLedger) UpdatePool(pool *RewardPool, now int64) error {
	byToken, exists := il.Streams[pool.PoolID]
	if !exists {
		return nil
	}
	tokens := make([]string, 0, len(byToken))
	amounts := make([]decimal.Decimal, 0, len(byToken))
	for token, stream := range byToken {
		end := now
		if stream.FinishTime < end {
			end = stream.FinishTime
		}
		if end > stream.LastUpdateTime {
			elapsed := decimal.NewFromInt(end - stream.LastUpdateTime)
			tokens = append(tokens, token)
			amounts = append(amounts, stream.Rate.Mul(elapsed))
		}
		stream.LastUpdateTime = now
	}
	if len(tokens) == 0 {
		return nil
	}
	return pool.Sync(tokens, amounts, pool.TickCurrent)
}

// GormDataType for GORM integration
func (il *IncentiveLedger) GormDataType() string {
	return "LONGTEXT"
}

// Scan for GORM integration
func (il *IncentiveLedger) Scan(value interface{}) error {
	var err error
	switch v := value.(type) {
	case []byte:
		err = json.Unmarshal(v, il)
	case string:
		err = json.Unmarshal([]byte(v), il)
	case nil:
		return nil
	default:
		err = errors.New(fmt.Sprint("Failed to unmarshal IncentiveLedger value:", value))
	}
	return err
}

// Value for GORM integration
func (il *IncentiveLedger) Value() (driver.Value, error) {
	bs, err := json.Marshal(il)
	if err != nil {
		return nil, err
	}
	return string(bs), nil
}
