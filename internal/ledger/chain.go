package ledger

import (
	"sync"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"

	"github.com/google/uuid"
)

// RewardSender 是发放挖矿奖励的系统账户。
const RewardSender = "network"

// ErrNoPendingRecords 表示当前没有可打包的记录。
var ErrNoPendingRecords = xerrors.New(xerrors.CodeNotFound, "没有待打包的账本记录")

// Chain 是单节点的工作量证明账本。
// 市场交易的每次状态变化都会作为记录入账。
type Chain struct {
	mu           sync.RWMutex
	blocks       []*Block
	pending      []Record
	difficulty   int
	miningReward float64
	maxPerBlock  int
	onMined      func(Block)
}

// ChainOption 定义账本的可选配置。
type ChainOption func(*Chain)

// WithDifficulty 设置工作量证明的前导零数量。
func WithDifficulty(difficulty int) ChainOption {
	return func(c *Chain) {
		if difficulty > 0 {
			c.difficulty = difficulty
		}
	}
}

// WithMiningReward 设置单个区块的挖矿奖励。
func WithMiningReward(reward float64) ChainOption {
	return func(c *Chain) {
		if reward > 0 {
			c.miningReward = reward
		}
	}
}

// WithMaxRecordsPerBlock 限制单个区块可容纳的记录数量。
func WithMaxRecordsPerBlock(limit int) ChainOption {
	return func(c *Chain) {
		if limit > 0 {
			c.maxPerBlock = limit
		}
	}
}

// WithMinedCallback 注册区块出块后的回调。
func WithMinedCallback(fn func(Block)) ChainOption {
	return func(c *Chain) {
		c.onMined = fn
	}
}

// NewChain 创建账本并写入创世区块。
func NewChain(opts ...ChainOption) *Chain {
	c := &Chain{
		difficulty:   4,
		miningReward: 1.0,
		maxPerBlock:  1000,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	// 创世区块不参与工作量证明，前驱哈希固定为 "0"。
	genesis := NewBlock(0, nil, "0")
	c.blocks = []*Block{genesis}
	return c
}

// AddRecord 将记录加入待打包队列，返回记录 ID。
func (c *Chain) AddRecord(record Record) (string, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixNano()
	}
	if record.Type == "" {
		record.Type = RecordTypeTransaction
	}

	c.mu.Lock()
	c.pending = append(c.pending, record)
	c.mu.Unlock()
	return record.ID, nil
}

// RecordTransaction 以交易快照的形式入账。
func (c *Chain) RecordTransaction(reference string, data map[string]any) string {
	record := NewRecord(RecordTypeTransaction, data)
	record.Reference = reference
	id, _ := c.AddRecord(record)
	return id
}

// RecordUpdate 以状态更新的形式入账。
func (c *Chain) RecordUpdate(reference string, data map[string]any) string {
	record := NewRecord(RecordTypeUpdate, data)
	record.Reference = reference
	id, _ := c.AddRecord(record)
	return id
}

// PendingCount 返回待打包记录数量。
func (c *Chain) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Height 返回链上最后一个区块的序号。
func (c *Chain) Height() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Index
}

// LatestBlock 返回链尾区块的副本。
func (c *Chain) LatestBlock() Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].clone()
}

// Blocks 返回整条链的副本。
func (c *Chain) Blocks() []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	blocks := make([]Block, 0, len(c.blocks))
	for _, block := range c.blocks {
		blocks = append(blocks, block.clone())
	}
	return blocks
}

// Difficulty 返回当前工作量证明难度。
func (c *Chain) Difficulty() int {
	return c.difficulty
}

// Mine 打包待处理记录并完成工作量证明。
// 出块后发放一条 network 发往矿工的奖励记录。
func (c *Chain) Mine(minerID string) (*Block, error) {
	c.mu.Lock()

	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil, ErrNoPendingRecords
	}

	batch := c.pending
	var remainder []Record
	if len(batch) > c.maxPerBlock {
		remainder = batch[c.maxPerBlock:]
		batch = batch[:c.maxPerBlock]
	}

	tip := c.blocks[len(c.blocks)-1]
	block := NewBlock(tip.Index+1, batch, tip.Hash)
	for !block.HasDifficulty(c.difficulty) {
		block.Nonce++
		block.Hash = block.CalculateHash()
	}

	c.blocks = append(c.blocks, block)

	reward := NewRecord(RecordTypeReward, nil)
	reward.Sender = RewardSender
	reward.Recipient = minerID
	reward.Amount = c.miningReward
	c.pending = append(append([]Record(nil), remainder...), reward)

	callback := c.onMined
	mined := block.clone()
	c.mu.Unlock()

	if callback != nil {
		callback(mined)
	}
	return &mined, nil
}

// Valid 重算哈希并检查前驱链接，判断账本是否完整。
func (c *Chain) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := 1; i < len(c.blocks); i++ {
		current := c.blocks[i]
		previous := c.blocks[i-1]
		if current.Hash != current.CalculateHash() {
			return false
		}
		if current.PreviousHash != previous.Hash {
			return false
		}
	}
	return true
}

// HistoryEntry 描述记录在链上的位置。
type HistoryEntry struct {
	BlockIndex int64  `json:"block_index"`
	Timestamp  int64  `json:"timestamp"`
	Record     Record `json:"record"`
	Pending    bool   `json:"pending,omitempty"`
}

// RecordHistory 按记录 ID 或业务引用检索账本，包含尚未打包的记录。
func (c *Chain) RecordHistory(idOrReference string) []HistoryEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	history := make([]HistoryEntry, 0)
	for _, block := range c.blocks {
		for _, record := range block.Records {
			if idOrReference == "" || record.ID == idOrReference || record.Reference == idOrReference {
				history = append(history, HistoryEntry{
					BlockIndex: block.Index,
					Timestamp:  block.Timestamp,
					Record:     record,
				})
			}
		}
	}
	for _, record := range c.pending {
		if idOrReference == "" || record.ID == idOrReference || record.Reference == idOrReference {
			history = append(history, HistoryEntry{
				BlockIndex: -1,
				Timestamp:  record.Timestamp,
				Record:     record,
				Pending:    true,
			})
		}
	}
	return history
}
