package marketplace

import (
	"context"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

// Store 抽象了交易状态的持久化接口。
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	Claim(ctx context.Context, id string) (*Transaction, error)
	MarkCompleted(ctx context.Context, id string, result map[string]any) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	MarkCancelled(ctx context.Context, id string, reason string) error
	List(ctx context.Context, opts ListOptions) ([]*Transaction, error)
	Stats(ctx context.Context, opts ListOptions) (TransactionStats, error)
	Close() error
}
