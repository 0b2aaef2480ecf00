package reward_engine

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// Events from the position-ownership adapter
type PositionSubscribeEvent struct {
	RawEvent  *types.Log      `json:"raw_event"`
	Salt      string          `json:"salt"`
	Owner     string          `json:"owner"`
	Pool      string          `json:"pool"`
	TickLower int             `json:"tick_lower"`
	TickUpper int             `json:"tick_upper"`
	Liquidity decimal.Decimal `json:"liquidity"`
}

type PositionModifyEvent struct {
	RawEvent       *types.Log      `json:"raw_event"`
	Salt           string          `json:"salt"`
	Owner          string          `json:"owner"`
	Pool           string          `json:"pool"`
	TickLower      int             `json:"tick_lower"`
	TickUpper      int             `json:"tick_upper"`
	LiquidityDelta decimal.Decimal `json:"liquidity_delta"`
}

type PositionUnsubscribeEvent struct {
	RawEvent  *types.Log `json:"raw_event"`
	Salt      string     `json:"salt"`
	Owner     string     `json:"owner"`
	Pool      string     `json:"pool"`
	TickLower int        `json:"tick_lower"`
	TickUpper int        `json:"tick_upper"`
}

type PositionBurnEvent struct {
	RawEvent  *types.Log `json:"raw_event"`
	Salt      string     `json:"salt"`
	Owner     string     `json:"owner"`
	Pool      string     `json:"pool"`
	TickLower int        `json:"tick_lower"`
	TickUpper int        `json:"tick_upper"`
}

// Event signature constants
var (
	PositionAdapterSubscribeSig   = common.HexToHash("0x2b3f9f8fa1b2dbd3c158f5f10c26cfa9cba1e12a0f89dd41a44d0b6e6d7f3c41")
	PositionAdapterModifySig      = common.HexToHash("0x8f6a1390cc2bce1f67c4b1f2a6b4ff859df8bd5c98a8aa9f1d45a03e0e21f7d6")
	PositionAdapterUnsubscribeSig = common.HexToHash("0x5d3e6cf1a2c8a4f2105f6dc4a50a2b43c6e4f83219c01389d1d16dd8787fae2c")
	PositionAdapterBurnSig        = common.HexToHash("0xc3b29a26f1a08f7a4a2803e3a219f4d7bac0b173d3b4b1214d70b205e47ab0d9")
)

// signedWord interprets a 32-byte ABI word as a signed two's-complement value.
// Ticks are negative below the 1:1 price, so the naive unsigned read the
// uint256 path uses is not enough here.
func signedWord(b []byte) *big.Int {
	v := new(big.Int).SetBytes(b)
	if len(b) == 32 && b[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return v
}

func parseCommonPositionFields(log *types.Log) (salt, owner, pool string, tickLower, tickUpper int, err error) {
	if len(log.Topics) < 2 {
		return "", "", "", 0, 0, fmt.Errorf("not enough topics for position adapter event")
	}
	if len(log.Data) < 128 {
		return "", "", "", 0, 0, fmt.Errorf("position adapter event data too short: %d", len(log.Data))
	}
	salt = strings.ToLower(log.Topics[1].Hex())
	owner = strings.ToLower(common.BytesToAddress(log.Data[:32]).Hex())
	pool = strings.ToLower(common.BytesToAddress(log.Data[32:64]).Hex())
	tickLower = int(signedWord(log.Data[64:96]).Int64())
	tickUpper = int(signedWord(log.Data[96:128]).Int64())
	return salt, owner, pool, tickLower, tickUpper, nil
}

// Parse PositionSubscribeEvent - event Subscribe(salt, owner, pool, tickLower, tickUpper, liquidity)
func parsePositionSubscribeEvent(log *types.Log) (*PositionSubscribeEvent, error) {
	salt, owner, pool, tickLower, tickUpper, err := parseCommonPositionFields(log)
	if err != nil {
		return nil, err
	}
	if len(log.Data) < 160 {
		return nil, fmt.Errorf("not enough data for Subscribe event")
	}
	liquidity := decimal.NewFromBigInt(new(big.Int).SetBytes(log.Data[128:160]), 0)
	return &PositionSubscribeEvent{
		RawEvent:  log,
		Salt:      salt,
		Owner:     owner,
		Pool:      pool,
		TickLower: tickLower,
		TickUpper: tickUpper,
		Liquidity: liquidity,
	}, nil
}

// Parse PositionModifyEvent - event ModifyLiquidity(salt, owner, pool, tickLower, tickUpper, liquidityDelta)
func parsePositionModifyEvent(log *types.Log) (*PositionModifyEvent, error) {
	salt, owner, pool, tickLower, tickUpper, err := parseCommonPositionFields(log)
	if err != nil {
		return nil, err
	}
	if len(log.Data) < 160 {
		return nil, fmt.Errorf("not enough data for ModifyLiquidity event")
	}
	liquidityDelta := decimal.NewFromBigInt(signedWord(log.Data[128:160]), 0)
	return &PositionModifyEvent{
		RawEvent:       log,
		Salt:           salt,
		Owner:          owner,
		Pool:           pool,
		TickLower:      tickLower,
		TickUpper:      tickUpper,
		LiquidityDelta: liquidityDelta,
	}, nil
}

// Parse PositionUnsubscribeEvent - event Unsubscribe(salt, owner, pool, tickLower, tickUpper)
func parsePositionUnsubscribeEvent(log *types.Log) (*PositionUnsubscribeEvent, error) {
	salt, owner, pool, tickLower, tickUpper, err := parseCommonPositionFields(log)
	if err != nil {
		return nil, err
	}
	return &PositionUnsubscribeEvent{
		RawEvent:  log,
		Salt:      salt,
		Owner:     owner,
		Pool:      pool,
		TickLower: tickLower,
		TickUpper: tickUpper,
	}, nil
}

// Parse PositionBurnEvent - event Burn(salt, owner, pool, tickLower, tickUpper)
func parsePositionBurnEvent(log *types.Log) (*PositionBurnEvent, error) {
	salt, owner, pool, tickLower, tickUpper, err := parseCommonPositionFields(log)
	if err != nil {
		return nil, err
	}
	return &PositionBurnEvent{
		RawEvent:  log,
		Salt:      salt,
		Owner:     owner,
		Pool:      pool,
		TickLower: tickLower,
		TickUpper: tickUpper,
	}, nil
}
