package marketplace

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

// MemoryStore 以内存方式保存交易状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transactions: make(map[string]*Transaction)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if tx.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	if _, ok := m.transactions[tx.ID]; ok {
		return ErrTransactionConflict
	}
	now := time.Now().Unix()
	if tx.CreatedAt == 0 {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	m.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

// Get 返回交易。
func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

// Claim 将交易状态更新为处理中，是 pending 到 processing 的唯一入口。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	switch tx.Status {
	case StatusCompleted:
		return cloneTransaction(tx), ErrTransactionCompleted
	case StatusProcessing, StatusCancelled:
		return cloneTransaction(tx), ErrTransactionConflict
	}
	if tx.Attempts >= tx.MaxRetries {
		return cloneTransaction(tx), ErrTransactionExhausted
	}
	tx.Status = StatusProcessing
	tx.Attempts++
	tx.LastError = ""
	tx.ErrorCode = ""
	tx.UpdatedAt = time.Now().Unix()
	return cloneTransaction(tx), nil
}

// MarkCompleted 记录交易结果。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	now := time.Now().Unix()
	tx.Status = StatusCompleted
	tx.Result = cloneMetadata(result)
	tx.LastError = ""
	tx.ErrorCode = ""
	tx.CompletedAt = now
	tx.UpdatedAt = now
	return nil
}

// MarkFailed 标记交易失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Status = StatusFailed
	tx.LastError = lastError
	tx.ErrorCode = string(code)
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkCancelled 取消尚未完成的交易。
func (m *MemoryStore) MarkCancelled(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status == StatusCompleted {
		return ErrTransactionCompleted
	}
	tx.Status = StatusCancelled
	tx.LastError = reason
	tx.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的交易。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		if !matchesListFilters(tx, opts) {
			continue
		}
		results = append(results, cloneTransaction(tx))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Transaction{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易数量、成交额与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TransactionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TransactionStats{}
	for _, tx := range m.transactions {
		if !matchesListFilters(tx, opts) {
			continue
		}
		stats.Total++
		switch tx.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
			stats.Volume += tx.Amount
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
		if tx.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = tx.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (tx.UpdatedAt != 0 && tx.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = tx.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneTransaction(tx *Transaction) *Transaction {
	clone := *tx
	clone.Metadata = cloneMetadata(tx.Metadata)
	clone.Result = cloneMetadata(tx.Result)
	return &clone
}

func matchesListFilters(tx *Transaction, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if tx.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.AgentID != "" && tx.RequesterID != opts.AgentID && tx.ProviderID != opts.AgentID {
		return false
	}
	if opts.ServiceType != "" && tx.ServiceType != opts.ServiceType {
		return false
	}
	if opts.UpdatedGTE > 0 && tx.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && tx.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && (len(tx.Result) > 0) != *opts.HasResult {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
