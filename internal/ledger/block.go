package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 记录类型，用于区分交易快照、状态更新与挖矿奖励。
const (
	RecordTypeTransaction = "transaction"
	RecordTypeUpdate      = "update"
	RecordTypeReward      = "reward"
)

// Record 是写入账本的最小单元。
// 市场交易以快照形式入账，挖矿奖励由系统账户发出。
type Record struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Sender    string         `json:"sender,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Amount    float64        `json:"amount,omitempty"`
	Reference string         `json:"reference,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewRecord 创建一条带新 ID 与当前时间戳的记录。
func NewRecord(recordType string, data map[string]any) Record {
	return Record{
		ID:        uuid.NewString(),
		Type:      recordType,
		Timestamp: time.Now().UnixNano(),
		Data:      data,
	}
}

// Block 是账本中的一个区块。
type Block struct {
	Index        int64    `json:"index"`
	Timestamp    int64    `json:"timestamp"`
	Records      []Record `json:"records"`
	PreviousHash string   `json:"previous_hash"`
	Nonce        int64    `json:"nonce"`
	Hash         string   `json:"hash"`
}

// NewBlock 构造一个区块并计算初始哈希。
func NewBlock(index int64, records []Record, previousHash string) *Block {
	b := &Block{
		Index:        index,
		Timestamp:    time.Now().UnixNano(),
		Records:      append([]Record(nil), records...),
		PreviousHash: previousHash,
	}
	b.Hash = b.CalculateHash()
	return b
}

// CalculateHash 对区块内容做 sha256 摘要。
// 负载统一转成键排序的 JSON，保证任何实现算出的哈希一致。
func (b *Block) CalculateHash() string {
	payload := map[string]any{
		"index":         b.Index,
		"timestamp":     b.Timestamp,
		"records":       recordsAsGeneric(b.Records),
		"previous_hash": b.PreviousHash,
		"nonce":         b.Nonce,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HasDifficulty 判断区块哈希是否满足指定的前导零数量。
func (b *Block) HasDifficulty(difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	return strings.HasPrefix(b.Hash, strings.Repeat("0", difficulty))
}

// clone 复制区块，记录切片与原区块独立。
func (b *Block) clone() Block {
	copied := *b
	copied.Records = append([]Record(nil), b.Records...)
	return copied
}

// recordsAsGeneric 将记录列表转成通用结构，使 JSON 编码时键可排序。
func recordsAsGeneric(records []Record) []any {
	generic := make([]any, 0, len(records))
	for _, record := range records {
		raw, err := json.Marshal(record)
		if err != nil {
			continue
		}
		var item map[string]any
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		generic = append(generic, item)
	}
	return generic
}
