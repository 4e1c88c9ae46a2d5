package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"chainwatch/internal/model"
	"chainwatch/internal/registry"
)

// SourceConfig holds runtime settings for the polling source.
type SourceConfig struct {
	WatchLogs      bool
	WatchCalldata  bool
	LookbackBlocks uint64
	BatchSize      uint64
	MaxRetries     int
	RetryBackoff   time.Duration
}

// PollSource exposes new chain activity for the watched contracts since the
// previous call. It owns the block cursor; the cursor is persisted through an
// optional CursorStore so a restart resumes instead of replaying the full
// look-back window.
type PollSource struct {
	cfg     SourceConfig
	client  *Client
	reg     *registry.Registry
	cursors CursorStore
	logger  *zap.Logger

	addresses []common.Address
	topics    []common.Hash
	chainID   *big.Int
	cursor    uint64
	hasCursor bool
}

// NewPollSource builds a PollSource over the given registry's contracts.
func NewPollSource(cfg SourceConfig, client *Client, reg *registry.Registry, cursors CursorStore, logger *zap.Logger) (*PollSource, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client is nil")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if !cfg.WatchLogs && !cfg.WatchCalldata {
		return nil, fmt.Errorf("source watches neither logs nor calldata")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PollSource{
		cfg:       cfg,
		client:    client,
		reg:       reg,
		cursors:   cursors,
		logger:    logger,
		addresses: reg.Addresses(),
		topics:    reg.Topics(),
	}, nil
}

// Lookback performs the cold-start wide scan: the configured number of blocks
// behind chain head, shortened when a persisted cursor is ahead of that.
func (s *PollSource) Lookback(ctx context.Context) ([]model.ActivityItem, error) {
	latest, err := s.latestWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("get latest block: %w", err)
	}

	from := uint64(0)
	if latest > s.cfg.LookbackBlocks {
		from = latest - s.cfg.LookbackBlocks
	}
	if s.cursors != nil {
		saved, ok, err := s.cursors.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load cursor: %w", err)
		}
		if ok && saved+1 > from {
			from = saved + 1
			s.logger.Info("resume from cursor", zap.Uint64("last_processed", saved), zap.Uint64("from", from))
		}
	}

	if from > latest {
		s.setCursor(latest)
		return nil, nil
	}

	items, err := s.collect(ctx, from, latest)
	if err != nil {
		return nil, err
	}
	s.setCursor(latest)
	return items, nil
}

// Poll returns activity observed since the previous call.
func (s *PollSource) Poll(ctx context.Context) ([]model.ActivityItem, error) {
	latest, err := s.latestWithRetry(ctx)
	if err != nil {
		return nil, fmt.Errorf("get latest block: %w", err)
	}

	if !s.hasCursor {
		// No prior cycle established a cursor; start at head.
		s.setCursor(latest)
		return nil, nil
	}
	if latest <= s.cursor {
		return nil, nil
	}

	items, err := s.collect(ctx, s.cursor+1, latest)
	if err != nil {
		return nil, err
	}
	s.setCursor(latest)
	return items, nil
}

// Commit persists the in-memory cursor. Called by the pipeline only after a
// fully dispatched cycle, so the stored position never runs ahead of delivery.
func (s *PollSource) Commit(ctx context.Context) error {
	if s.cursors == nil || !s.hasCursor {
		return nil
	}
	if err := s.cursors.Save(ctx, s.cursor); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// Reset drops the in-memory cursor. Invoked by the pipeline's recovery path;
// idempotent. The next Lookback re-derives its range from chain head and the
// last committed cursor, so a failed cycle's blocks are re-scanned while
// already-delivered work is not re-announced.
func (s *PollSource) Reset(_ context.Context) error {
	s.cursor = 0
	s.hasCursor = false
	return nil
}

func (s *PollSource) setCursor(block uint64) {
	s.cursor = block
	s.hasCursor = true
}

func (s *PollSource) collect(ctx context.Context, from, to uint64) ([]model.ActivityItem, error) {
	ranges, err := SplitRange(from, to, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	items := make([]model.ActivityItem, 0)
	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if s.cfg.WatchLogs {
			batch, err := s.collectLogs(ctx, blockRange)
			if err != nil {
				return nil, err
			}
			items = append(items, batch...)
		}
		if s.cfg.WatchCalldata {
			batch, err := s.collectTransactions(ctx, blockRange)
			if err != nil {
				return nil, err
			}
			items = append(items, batch...)
		}
	}

	return items, nil
}

func (s *PollSource) collectLogs(ctx context.Context, blockRange BlockRange) ([]model.ActivityItem, error) {
	var logs []types.Log
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		logs, err = s.client.FilterLogs(ctx, blockRange.From, blockRange.To, s.addresses, s.topics)
		if err != nil {
			s.logger.Warn("filter logs failed", zap.Error(err), zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("filter logs: %w", err)
	}

	items := make([]model.ActivityItem, 0, len(logs))
	for _, log := range logs {
		ts, err := s.blockTimestampWithRetry(ctx, log.BlockNumber)
		if err != nil {
			// Recoverable per item: the block may have been pruned or
			// reorged away between the filter call and the lookup.
			s.logger.Warn("skip log, block timestamp unavailable", zap.Error(err), zap.Uint64("block_number", log.BlockNumber), zap.String("tx_hash", log.TxHash.Hex()))
			continue
		}
		items = append(items, buildLogItem(log, ts))
	}
	return items, nil
}

func (s *PollSource) collectTransactions(ctx context.Context, blockRange BlockRange) ([]model.ActivityItem, error) {
	items := make([]model.ActivityItem, 0)
	for number := blockRange.From; number <= blockRange.To; number++ {
		block, err := s.blockWithRetry(ctx, number)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				s.logger.Warn("skip block, not found", zap.Uint64("block_number", number))
				continue
			}
			return nil, fmt.Errorf("get block %d: %w", number, err)
		}

		for _, tx := range block.Transactions() {
			if tx.To() == nil {
				// Contract creation, nothing to match against.
				continue
			}
			binding, ok := s.reg.ByAddress(tx.To().Hex())
			if !ok {
				continue
			}

			item, keep, err := s.buildTransactionItem(ctx, block, tx, binding)
			if err != nil {
				s.logger.Warn("skip transaction", zap.Error(err), zap.String("tx_hash", tx.Hash().Hex()))
				continue
			}
			if keep {
				items = append(items, item)
			}
		}
	}
	return items, nil
}

func (s *PollSource) buildTransactionItem(ctx context.Context, block *types.Block, tx *types.Transaction, binding *registry.Binding) (model.ActivityItem, bool, error) {
	receipt, err := s.receiptWithRetry(ctx, tx.Hash())
	if err != nil {
		return model.ActivityItem{}, false, fmt.Errorf("get receipt: %w", err)
	}

	reverted := receipt.Status == types.ReceiptStatusFailed
	switch binding.OnRevert {
	case registry.RevertSkip:
		if reverted {
			return model.ActivityItem{}, false, nil
		}
	case registry.RevertOnly:
		if !reverted {
			return model.ActivityItem{}, false, nil
		}
	}

	item := model.ActivityItem{
		Kind:        model.KindTransaction,
		BlockNumber: block.NumberU64(),
		BlockHash:   block.Hash().Hex(),
		TxHash:      tx.Hash().Hex(),
		TxIndex:     uint64(receipt.TransactionIndex),
		Address:     tx.To().Hex(),
		Input:       hexutil.Encode(tx.Data()),
		Reverted:    reverted,
		Timestamp:   block.Time(),
	}

	if reverted {
		from, err := s.sender(ctx, tx)
		if err == nil {
			if reason, reasonErr := s.client.RevertReason(ctx, tx, from, block.NumberU64()); reasonErr == nil {
				item.RevertReason = reason
			}
		}
	}

	return item, true, nil
}

func (s *PollSource) sender(ctx context.Context, tx *types.Transaction) (common.Address, error) {
	if s.chainID == nil {
		chainID, err := s.client.GetChainID(ctx)
		if err != nil {
			return common.Address{}, fmt.Errorf("get chain id: %w", err)
		}
		s.chainID = chainID
	}
	return types.Sender(types.LatestSignerForChainID(s.chainID), tx)
}

func (s *PollSource) latestWithRetry(ctx context.Context) (uint64, error) {
	var latest uint64
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		latest, err = s.client.LatestBlockNumber(ctx)
		return err
	})
	return latest, err
}

func (s *PollSource) blockWithRetry(ctx context.Context, number uint64) (*types.Block, error) {
	var block *types.Block
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		block, err = s.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			s.logger.Warn("block fetch failed", zap.Error(err), zap.Uint64("block_number", number))
		}
		if errors.Is(err, ethereum.NotFound) {
			// Not worth retrying, the block is simply gone.
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, ethereum.NotFound
	}
	return block, nil
}

func (s *PollSource) receiptWithRetry(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		receipt, err = s.client.TransactionReceipt(ctx, txHash)
		if err != nil {
			s.logger.Warn("receipt fetch failed", zap.Error(err), zap.String("tx_hash", txHash.Hex()))
		}
		return err
	})
	return receipt, err
}

func (s *PollSource) blockTimestampWithRetry(ctx context.Context, blockNumber uint64) (uint64, error) {
	var ts uint64
	err := withRetry(ctx, s.cfg.MaxRetries, s.cfg.RetryBackoff, func(ctx context.Context) error {
		var err error
		ts, err = s.client.BlockTimestamp(ctx, blockNumber)
		if err != nil {
			s.logger.Warn("block timestamp fetch failed", zap.Error(err), zap.Uint64("block_number", blockNumber))
		}
		return err
	})
	return ts, err
}

func buildLogItem(log types.Log, timestamp uint64) model.ActivityItem {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}

	return model.ActivityItem{
		Kind:        model.KindLog,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		TxIndex:     uint64(log.TxIndex),
		LogIndex:    uint64(log.Index),
		HasLogIndex: true,
		Address:     log.Address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(log.Data),
		Removed:     log.Removed,
		Timestamp:   timestamp,
	}
}
