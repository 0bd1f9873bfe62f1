package anchor

import (
	"context"
	"log/slog"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/ledger"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// Anchorer periodically submits the head of the local ledger to an external
// chain. A failed submission is only logged and the same height is retried on
// the next tick.
type Anchorer struct {
	client   Client
	chain    *ledger.Chain
	interval time.Duration
	every    int64
}

// NewAnchorer builds an anchoring loop that submits a checkpoint once the
// local ledger grew by at least every blocks.
func NewAnchorer(client Client, chain *ledger.Chain, interval time.Duration, every int) *Anchorer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if every <= 0 {
		every = 1
	}
	return &Anchorer{
		client:   client,
		chain:    chain,
		interval: interval,
		every:    int64(every),
	}
}

// Start runs the anchoring loop until the context is cancelled.
func (a *Anchorer) Start(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	lastHeight := a.chain.Height()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			height := a.chain.Height()
			if height < lastHeight+a.every {
				continue
			}
			head := a.chain.LatestBlock()
			receipt, err := a.client.AnchorCheckpoint(ctx, Checkpoint{
				Height:    head.Index,
				BlockHash: head.Hash,
			})
			if err != nil {
				logger.L().Warn("账本锚定失败",
					slog.Any("error", err),
					slog.Int64("height", head.Index),
				)
				continue
			}
			lastHeight = height
			logger.Audit().Info("账本锚定成功",
				slog.Int64("height", receipt.Height),
				slog.String("block_hash", receipt.BlockHash),
				slog.String("tx_hash", receipt.TxHash),
				slog.String("chain_id", receipt.ChainID),
			)
		}
	}
}
