package reward_engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// PositionEventFeed translates position-ownership adapter logs into engine
// notifications, preserving on-chain ordering.
type PositionEventFeed struct {
	engine         *RewardEngine
	client         *ethclient.Client
	adapterAddress common.Address

	// Event IDs for the position adapter
	SubscribeID   common.Hash
	ModifyID      common.Hash
	UnsubscribeID common.Hash
	BurnID        common.Hash
}

func NewPositionEventFeed(engine *RewardEngine, client *ethclient.Client, adapterAddress common.Address) *PositionEventFeed {
	return &PositionEventFeed{
		engine:         engine,
		client:         client,
		adapterAddress: adapterAddress,
		SubscribeID:    PositionAdapterSubscribeSig,
		ModifyID:       PositionAdapterModifySig,
		UnsubscribeID:  PositionAdapterUnsubscribeSig,
		BurnID:         PositionAdapterBurnSig,
	}
}

// SyncEvents replays adapter events from the chain into the engine.
func (f *PositionEventFeed) SyncEvents(ctx context.Context, startBlock, endBlock uint64) error {
	logs, err := f.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(startBlock)),
		ToBlock:   big.NewInt(int64(endBlock)),
		Addresses: []common.Address{f.adapterAddress},
		Topics: [][]common.Hash{
			{
				f.SubscribeID,
				f.ModifyID,
				f.UnsubscribeID,
				f.BurnID,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, log := range logs {
		if err := f.ProcessEvent(&log); err != nil {
			logrus.Warnf("failed to process position adapter event: %v", err)
		}
	}
	return nil
}

// ProcessEvent routes a single adapter log to the matching notification.
func (f *PositionEventFeed) ProcessEvent(log *types.Log) error {
	topic0 := log.Topics[0]

	switch topic0 {
	case f.SubscribeID:
		return f.processSubscribeEvent(log)
	case f.ModifyID:
		return f.processModifyEvent(log)
	case f.UnsubscribeID:
		return f.processUnsubscribeEvent(log)
	case f.BurnID:
		return f.processBurnEvent(log)
	default:
		return fmt.Errorf("unknown event type: %s", topic0.Hex())
	}
}

func (f *PositionEventFeed) processSubscribeEvent(log *types.Log) error {
	event, err := parsePositionSubscribeEvent(log)
	if err != nil {
		return fmt.Errorf("failed to parse Subscribe event: %w", err)
	}
	if err := f.engine.OnSubscribe(paramsFromEvent(event.Salt, event.Owner, event.Pool, event.TickLower, event.TickUpper), event.Liquidity); err != nil {
		return fmt.Errorf("failed to handle subscribe: %w", err)
	}
	return nil
}

func (f *PositionEventFeed) processModifyEvent(log *types.Log) error {
	event, err := parsePositionModifyEvent(log)
	if err != nil {
		return fmt.Errorf("failed to parse ModifyLiquidity event: %w", err)
	}
	if err := f.engine.OnModifyLiquidity(paramsFromEvent(event.Salt, event.Owner, event.Pool, event.TickLower, event.TickUpper), event.LiquidityDelta); err != nil {
		return fmt.Errorf("failed to handle modify liquidity: %w", err)
	}
	return nil
}

func (f *PositionEventFeed) processUnsubscribeEvent(log *types.Log) error {
	event, err := parsePositionUnsubscribeEvent(log)
	if err != nil {
		return fmt.Errorf("failed to parse Unsubscribe event: %w", err)
	}
	if err := f.engine.OnUnsubscribe(paramsFromEvent(event.Salt, event.Owner, event.Pool, event.TickLower, event.TickUpper)); err != nil {
		return fmt.Errorf("failed to handle unsubscribe: %w", err)
	}
	return nil
}

func (f *PositionEventFeed) processBurnEvent(log *types.Log) error {
	event, err := parsePositionBurnEvent(log)
	if err != nil {
		return fmt.Errorf("failed to parse Burn event: %w", err)
	}
	if err := f.engine.OnBurn(paramsFromEvent(event.Salt, event.Owner, event.Pool, event.TickLower, event.TickUpper)); err != nil {
		return fmt.Errorf("failed to handle burn: %w", err)
	}
	return nil
}

func paramsFromEvent(salt, owner, pool string, tickLower, tickUpper int) PositionParams {
	return PositionParams{
		Owner:     common.HexToAddress(owner),
		Pool:      common.HexToAddress(pool),
		TickLower: tickLower,
		TickUpper: tickUpper,
		Salt:      common.HexToHash(salt),
	}
}
