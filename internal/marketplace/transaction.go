package marketplace

import (
	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

// Status 表示服务交易在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Transaction 描述一次请求方与提供方之间的服务交易。
type Transaction struct {
	ID          string         `json:"id"`
	RequesterID string         `json:"requester_id"`
	ProviderID  string         `json:"provider_id"`
	ServiceType string         `json:"service_type"`
	Status      Status         `json:"status"`
	Amount      float64        `json:"amount"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
	CompletedAt int64          `json:"completed_at,omitempty"`
}

var (
	// ErrTransactionNotFound 表示指定的交易不存在。
	ErrTransactionNotFound = xerrors.New(CodeTransactionNotFound, "transaction not found")
	// ErrTransactionConflict 表示交易在当前状态下无法进行所请求的操作。
	ErrTransactionConflict = xerrors.New(CodeTransactionConflict, "transaction conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTransactionCompleted 表示交易已经完成。
	ErrTransactionCompleted = xerrors.New(CodeTransactionCompleted, "transaction already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTransactionExhausted 表示交易的重试次数已经耗尽。
	ErrTransactionExhausted = xerrors.New(CodeTransactionExhausted, "transaction retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTransactionNotFound   xerrors.Code = "TRANSACTION_NOT_FOUND"
	CodeTransactionConflict   xerrors.Code = "TRANSACTION_CONFLICT"
	CodeTransactionCompleted  xerrors.Code = "TRANSACTION_COMPLETED"
	CodeTransactionExhausted  xerrors.Code = "TRANSACTION_RETRIES_EXHAUSTED"
	CodeTransactionValidation xerrors.Code = "TRANSACTION_VALIDATION_FAILED"
	CodeTransactionPublish    xerrors.Code = "TRANSACTION_PUBLISH_FAILED"
	CodeTransactionProcessing xerrors.Code = "TRANSACTION_PROCESSING_FAILED"
	CodeTransactionCompensate xerrors.Code = "TRANSACTION_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeTransactionNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransactionConflict, xerrors.Attributes{
		Message:   "transaction conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransactionCompleted, xerrors.Attributes{
		Message:   "transaction already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransactionExhausted, xerrors.Attributes{
		Message:   "transaction retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTransactionValidation, xerrors.Attributes{
		Message:   "transaction validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransactionPublish, xerrors.Attributes{
		Message:   "failed to publish transaction",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTransactionProcessing, xerrors.Attributes{
		Message:   "transaction execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTransactionCompensate, xerrors.Attributes{
		Message:   "transaction compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// IsValidStatus 检查给定的交易状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}
