package marketplace

import (
	"context"
	"log/slog"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/agent"
	"github.com/lunar-bby/AgoraAI/internal/ledger"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// Settler 在交易生命周期节点执行合约与账本的后续动作。
// 结算失败不阻断交易流程，只记录日志。
type Settler interface {
	OnClaimed(ctx context.Context, tx *Transaction)
	OnCompleted(ctx context.Context, tx *Transaction)
	OnFailed(ctx context.Context, tx *Transaction, cause error, terminal bool)
}

// 交易成功后记入提供方信誉的默认分值。
const defaultSuccessScore = 5.0

// ChainSettler 把交易结果落到账本、合约与提供方信誉上。
type ChainSettler struct {
	registry     *agent.Registry
	chain        *ledger.Chain
	contracts    *ledger.ContractManager
	feeRate      float64
	successScore float64
}

// ChainSettlerOption 定义结算器的可选配置。
type ChainSettlerOption func(*ChainSettler)

// WithFeeRate 设置按成交额收取的市场手续费比例。
func WithFeeRate(rate float64) ChainSettlerOption {
	return func(s *ChainSettler) {
		if rate >= 0 {
			s.feeRate = rate
		}
	}
}

// WithSuccessScore 设置成功交易记入提供方信誉的分值。
func WithSuccessScore(score float64) ChainSettlerOption {
	return func(s *ChainSettler) {
		if score > 0 {
			s.successScore = score
		}
	}
}

// NewChainSettler 创建账本结算器。
func NewChainSettler(registry *agent.Registry, chain *ledger.Chain, contracts *ledger.ContractManager, opts ...ChainSettlerOption) *ChainSettler {
	s := &ChainSettler{
		registry:     registry,
		chain:        chain,
		contracts:    contracts,
		successScore: defaultSuccessScore,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// OnClaimed 在交易开始执行时把合约推进到生效状态。
func (s *ChainSettler) OnClaimed(_ context.Context, tx *Transaction) {
	if s == nil || s.contracts == nil || tx == nil {
		return
	}
	contract, err := s.contracts.Get(tx.ID)
	if err != nil {
		return
	}
	// 重试的交易合约已经生效，跳过。
	if !contract.ValidateTransition(ledger.ContractActive) {
		return
	}
	if err := contract.UpdateState(ledger.ContractActive, map[string]any{"attempt": tx.Attempts}); err != nil {
		logger.L().Warn("合约生效失败", slog.Any("error", err), slog.String("transaction_id", tx.ID))
	}
}

// OnCompleted 在交易完成后结算支付、关闭合约并入账。
func (s *ChainSettler) OnCompleted(_ context.Context, tx *Transaction) {
	if s == nil || tx == nil {
		return
	}

	if s.contracts != nil {
		if contract, err := s.contracts.Get(tx.ID); err == nil {
			if err := contract.ProcessPayment(tx.Amount, map[string]any{
				"requester_id": tx.RequesterID,
				"provider_id":  tx.ProviderID,
			}); err != nil {
				logger.L().Warn("合约支付结算失败", slog.Any("error", err), slog.String("transaction_id", tx.ID))
			}
			if err := contract.UpdateState(ledger.ContractCompleted, nil); err != nil {
				logger.L().Warn("合约完成失败", slog.Any("error", err), slog.String("transaction_id", tx.ID))
			}
		}
	}

	if s.registry != nil {
		if provider, err := s.registry.Get(tx.ProviderID); err == nil {
			provider.UpdateReputation(s.successScore)
		}
	}

	if s.chain != nil {
		s.chain.RecordUpdate(tx.ID, transactionSnapshot(tx))
		if s.feeRate > 0 && tx.Amount > 0 {
			fee := ledger.NewRecord(ledger.RecordTypeTransaction, map[string]any{"kind": "fee"})
			fee.Sender = tx.RequesterID
			fee.Recipient = ledger.RewardSender
			fee.Amount = tx.Amount * s.feeRate
			fee.Reference = tx.ID
			if _, err := s.chain.AddRecord(fee); err != nil {
				logger.L().Warn("手续费入账失败", slog.Any("error", err), slog.String("transaction_id", tx.ID))
			}
		}
	}
}

// OnFailed 在交易失败后入账，终态失败时取消合约并计入提供方信誉。
func (s *ChainSettler) OnFailed(_ context.Context, tx *Transaction, cause error, terminal bool) {
	if s == nil || tx == nil {
		return
	}

	if s.chain != nil {
		snapshot := transactionSnapshot(tx)
		if cause != nil {
			snapshot["error"] = cause.Error()
		}
		s.chain.RecordUpdate(tx.ID, snapshot)
	}

	if !terminal {
		return
	}

	if s.contracts != nil {
		if contract, err := s.contracts.Get(tx.ID); err == nil {
			s.cancelContract(contract, tx.ID)
		}
	}
	if s.registry != nil {
		if provider, err := s.registry.Get(tx.ProviderID); err == nil {
			// 零分只累计交易次数，不增加成功数。
			provider.UpdateReputation(0)
		}
	}
}

// cancelContract 按状态机把合约推进到取消：生效中的合约先进入争议。
func (s *ChainSettler) cancelContract(contract *ledger.SmartContract, transactionID string) {
	if contract.State() == ledger.ContractActive {
		if err := contract.UpdateState(ledger.ContractDisputed, map[string]any{"reason": "execution failed"}); err != nil {
			logger.L().Warn("合约进入争议失败", slog.Any("error", err), slog.String("transaction_id", transactionID))
			return
		}
	}
	if !contract.ValidateTransition(ledger.ContractCancelled) {
		return
	}
	if err := contract.UpdateState(ledger.ContractCancelled, nil); err != nil {
		logger.L().Warn("合约取消失败", slog.Any("error", err), slog.String("transaction_id", transactionID))
	}
}

// MultiSettler 依次调用多个结算器。
type MultiSettler []Settler

// OnClaimed 实现 Settler。
func (m MultiSettler) OnClaimed(ctx context.Context, tx *Transaction) {
	for _, settler := range m {
		if settler != nil {
			settler.OnClaimed(ctx, tx)
		}
	}
}

// OnCompleted 实现 Settler。
func (m MultiSettler) OnCompleted(ctx context.Context, tx *Transaction) {
	for _, settler := range m {
		if settler != nil {
			settler.OnCompleted(ctx, tx)
		}
	}
}

// OnFailed 实现 Settler。
func (m MultiSettler) OnFailed(ctx context.Context, tx *Transaction, cause error, terminal bool) {
	for _, settler := range m {
		if settler != nil {
			settler.OnFailed(ctx, tx, cause, terminal)
		}
	}
}

func transactionSnapshot(tx *Transaction) map[string]any {
	snapshot := map[string]any{
		"transaction_id": tx.ID,
		"requester_id":   tx.RequesterID,
		"provider_id":    tx.ProviderID,
		"service_type":   tx.ServiceType,
		"status":         string(tx.Status),
		"amount":         tx.Amount,
		"attempts":       tx.Attempts,
	}
	if tx.CompletedAt > 0 {
		snapshot["completed_at"] = time.Unix(tx.CompletedAt, 0).UTC().Format(time.RFC3339)
	}
	return snapshot
}

var (
	_ Settler = (*ChainSettler)(nil)
	_ Settler = (MultiSettler)(nil)
)
