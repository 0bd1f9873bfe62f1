package marketplace

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lunar-bby/AgoraAI/internal/agent"
	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/internal/ledger"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// Archive 提供对历史交易的只读访问，由归档存储实现。
type Archive interface {
	Find(ctx context.Context, id string) (*Transaction, error)
}

// Service 负责服务请求撮合、交易创建与查询。
type Service struct {
	registry      *agent.Registry
	store         Store
	producer      Producer
	executor      Executor
	settler       Settler
	archive       Archive
	chain         *ledger.Chain
	contracts     *ledger.ContractManager
	maxRetries    int
	minReputation float64
}

// ServiceOption 定义服务的可选配置。
type ServiceOption func(*Service)

// WithExecutor 配置同步执行路径使用的执行器。
func WithExecutor(executor Executor) ServiceOption {
	return func(s *Service) {
		s.executor = executor
	}
}

// WithServiceSettler 配置交易结算器。
func WithServiceSettler(settler Settler) ServiceOption {
	return func(s *Service) {
		s.settler = settler
	}
}

// WithArchive 配置历史交易的归档查询。
func WithArchive(archive Archive) ServiceOption {
	return func(s *Service) {
		s.archive = archive
	}
}

// WithLedger 配置服务请求落账使用的账本。
func WithLedger(chain *ledger.Chain) ServiceOption {
	return func(s *Service) {
		s.chain = chain
	}
}

// WithContracts 配置服务合约管理器。
func WithContracts(contracts *ledger.ContractManager) ServiceOption {
	return func(s *Service) {
		s.contracts = contracts
	}
}

// WithMinReputation 设置提供方的信誉下限，低于该值不参与撮合。
func WithMinReputation(min float64) ServiceOption {
	return func(s *Service) {
		if min > 0 {
			s.minReputation = min
		}
	}
}

// NewService 构造市场服务。
func NewService(registry *agent.Registry, store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{
		registry:   registry,
		store:      store,
		producer:   producer,
		maxRetries: maxRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RequestService 为请求方挑选服务提供方并创建待处理交易。
// 提供方按信誉最高者优先，信誉相同时取 ID 最小者。
func (s *Service) RequestService(ctx context.Context, requesterID, serviceType string, maxPrice float64, requirements map[string]any) (*Transaction, error) {
	if strings.TrimSpace(requesterID) == "" {
		return nil, xerrors.New(CodeTransactionValidation, "请求方 ID 不能为空")
	}
	if strings.TrimSpace(serviceType) == "" {
		return nil, xerrors.New(CodeTransactionValidation, "服务类型不能为空")
	}
	if maxPrice < 0 {
		return nil, xerrors.New(CodeTransactionValidation, "服务预算不能为负数")
	}
	if s.registry == nil || s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "市场服务未初始化")
	}

	provider := s.selectProvider(requesterID, serviceType)
	if provider == nil {
		return nil, xerrors.New(xerrors.CodeMatchingFailed, fmt.Sprintf("没有可用的 %s 服务提供方", serviceType))
	}

	tx := &Transaction{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		ProviderID:  provider.ID,
		ServiceType: serviceType,
		Status:      StatusPending,
		Amount:      maxPrice,
		Metadata:    cloneMetadata(requirements),
		Attempts:    0,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}

	s.openContract(tx)
	s.recordRequest(tx)

	if err := s.producer.Publish(ctx, tx.ID); err != nil {
		logger.L().Error("交易入队失败", slog.Any("error", err), slog.String("transaction_id", tx.ID))
		wrapped := xerrors.Wrap(CodeTransactionPublish, err, "发布交易到队列失败")
		_ = s.store.MarkFailed(ctx, tx.ID, CodeTransactionPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("服务请求已受理",
		slog.String("transaction_id", tx.ID),
		slog.String("requester_id", requesterID),
		slog.String("provider_id", provider.ID),
		slog.String("service_type", serviceType),
		slog.Float64("amount", maxPrice),
	)
	return tx, nil
}

// selectProvider 返回信誉最高的可用提供方，不存在时返回 nil。
func (s *Service) selectProvider(requesterID, serviceType string) *agent.Agent {
	candidates := s.registry.ByCapability(serviceType)
	var best *agent.Agent
	for _, candidate := range candidates {
		if candidate.ID == requesterID {
			continue
		}
		reputation := candidate.Reputation()
		if reputation < s.minReputation {
			continue
		}
		if best == nil || reputation > best.Reputation() {
			best = candidate
		}
	}
	return best
}

// openContract 为交易开立服务合约，失败只记录日志。
func (s *Service) openContract(tx *Transaction) {
	if s.contracts == nil {
		return
	}
	terms := map[string]any{
		"service_type": tx.ServiceType,
		"requirements": tx.Metadata,
		"max_retries":  tx.MaxRetries,
	}
	if _, err := s.contracts.Open(tx.ID, tx.ProviderID, tx.RequesterID, tx.ServiceType, terms, tx.Amount); err != nil {
		logger.L().Warn("开立服务合约失败",
			slog.Any("error", err),
			slog.String("transaction_id", tx.ID))
	}
}

// recordRequest 把服务请求写入账本待入块队列，失败只记录日志。
func (s *Service) recordRequest(tx *Transaction) {
	if s.chain == nil {
		return
	}
	record := ledger.NewRecord(ledger.RecordTypeTransaction, map[string]any{
		"service_type": tx.ServiceType,
		"status":       string(tx.Status),
	})
	record.Sender = tx.RequesterID
	record.Recipient = tx.ProviderID
	record.Amount = tx.Amount
	record.Reference = tx.ID
	if _, err := s.chain.AddRecord(record); err != nil {
		logger.L().Warn("服务请求落账失败",
			slog.Any("error", err),
			slog.String("transaction_id", tx.ID))
	}
}

// ExecuteTransaction 以同步方式领取并执行一笔交易。
func (s *Service) ExecuteTransaction(ctx context.Context, id string) (*Transaction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	if s.executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置交易执行器")
	}
	tx, err := s.store.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.settler != nil {
		s.settler.OnClaimed(ctx, tx)
	}

	result, execErr := s.executor.Execute(ctx, tx)
	if execErr != nil {
		code := xerrors.CodeOf(execErr)
		if code == xerrors.CodeUnknown {
			code = CodeTransactionProcessing
		}
		terminal := tx.Attempts >= tx.MaxRetries || !xerrors.RetryableError(execErr)
		if storeErr := s.store.MarkFailed(ctx, tx.ID, code, execErr.Error(), terminal); storeErr != nil {
			return nil, storeErr
		}
		tx.Status = StatusFailed
		tx.LastError = execErr.Error()
		tx.ErrorCode = string(code)
		if s.settler != nil {
			s.settler.OnFailed(ctx, tx, execErr, terminal)
		}
		logger.Audit().Warn("同步交易执行失败",
			slog.String("transaction_id", tx.ID),
			slog.Bool("terminal", terminal),
			slog.String("error", execErr.Error()),
		)
		return nil, execErr
	}

	if err := s.store.MarkCompleted(ctx, tx.ID, result); err != nil {
		return nil, err
	}
	tx.Status = StatusCompleted
	tx.Result = result
	tx.CompletedAt = time.Now().Unix()
	if s.settler != nil {
		s.settler.OnCompleted(ctx, tx)
	}
	logger.Audit().Info("同步交易执行成功",
		slog.String("transaction_id", tx.ID),
		slog.String("service_type", tx.ServiceType),
	)
	return s.store.Get(ctx, tx.ID)
}

// GetTransactionStatus 返回指定交易，活跃存储未命中时回落到归档。
func (s *Service) GetTransactionStatus(ctx context.Context, id string) (*Transaction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	tx, err := s.store.Get(ctx, id)
	if err == nil {
		return tx, nil
	}
	if !stdErrors.Is(err, ErrTransactionNotFound) || s.archive == nil {
		return nil, err
	}
	return s.archive.Find(ctx, id)
}

// GetAgentTransactions 返回指定智能体参与的交易。
func (s *Service) GetAgentTransactions(ctx context.Context, agentID string, opts ...ListOption) ([]*Transaction, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	opts = append(opts, WithAgent(agentID))
	return s.List(ctx, opts...)
}

// List 返回符合过滤条件的交易列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Transaction, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的交易统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TransactionStats, error) {
	if s.store == nil {
		return TransactionStats{}, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Cancel 取消一笔尚未完成的交易。
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	if err := s.store.MarkCancelled(ctx, id, reason); err != nil {
		return err
	}
	logger.Audit().Info("交易已取消",
		slog.String("transaction_id", id),
		slog.String("reason", reason),
	)
	return nil
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitForTransaction 在指定超时时间内轮询交易状态，直到进入终态。
func (s *Service) WaitForTransaction(ctx context.Context, id string, interval time.Duration) (*Transaction, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tx, err := s.GetTransactionStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if tx.Status == StatusCompleted || tx.Status == StatusFailed || tx.Status == StatusCancelled {
			return tx, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
