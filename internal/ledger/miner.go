package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// Miner 周期性地将待处理记录打包成区块。
type Miner struct {
	chain    *Chain
	minerID  string
	interval time.Duration
	minBatch int
}

// NewMiner 创建自动挖矿器。
func NewMiner(chain *Chain, minerID string, interval time.Duration, minBatch int) *Miner {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if minBatch <= 0 {
		minBatch = 1
	}
	return &Miner{
		chain:    chain,
		minerID:  minerID,
		interval: interval,
		minBatch: minBatch,
	}
}

// Start 启动挖矿循环，直到上下文取消。
func (m *Miner) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.chain.PendingCount() < m.minBatch {
				continue
			}
			block, err := m.chain.Mine(m.minerID)
			if err != nil {
				if errors.Is(err, ErrNoPendingRecords) {
					continue
				}
				logger.L().Error("账本出块失败", "error", err)
				continue
			}
			logger.L().Info("账本出块成功",
				"index", block.Index,
				"records", len(block.Records),
				"hash", block.Hash,
			)
		}
	}
}
