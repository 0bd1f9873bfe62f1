package marketplace

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/agent"
	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/internal/observability/alerting"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// Executor 定义处理器执行交易所需的能力。
type Executor interface {
	Execute(ctx context.Context, tx *Transaction) (map[string]any, error)
}

// RegistryExecutor 把交易分发给注册表中的提供方处理。
type RegistryExecutor struct {
	registry *agent.Registry
}

// NewRegistryExecutor 构造 RegistryExecutor。
func NewRegistryExecutor(registry *agent.Registry) *RegistryExecutor {
	return &RegistryExecutor{registry: registry}
}

// Execute 实现 Executor 接口。
func (e *RegistryExecutor) Execute(ctx context.Context, tx *Transaction) (map[string]any, error) {
	if e == nil || e.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行器未初始化")
	}
	provider, err := e.registry.Get(tx.ProviderID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAgentOffline, err, fmt.Sprintf("提供方 %s 不在线", tx.ProviderID))
	}
	return provider.HandleRequest(ctx, cloneMetadata(tx.Metadata))
}

var _ Executor = (*RegistryExecutor)(nil)

// Processor 负责从队列消费交易并交给提供方执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	execTimeout time.Duration
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	settler     Settler
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithExecuteTimeout 设置单次执行的超时时间。
func WithExecuteTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.execTimeout = timeout
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithSettler 配置交易结算器。
func WithSettler(settler Settler) ProcessorOption {
	return func(p *Processor) {
		p.settler = settler
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动交易处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置交易消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, transactionID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	tx, err := p.store.Claim(ctx, transactionID)
	if err != nil {
		if stdErrors.Is(err, ErrTransactionNotFound) || stdErrors.Is(err, ErrTransactionCompleted) || stdErrors.Is(err, ErrTransactionExhausted) || stdErrors.Is(err, ErrTransactionConflict) {
			p.logDebug("跳过交易", slog.String("transaction_id", transactionID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取交易失败", slog.Any("error", err), slog.String("transaction_id", transactionID))
		p.emitAlert(ctx, &Transaction{ID: transactionID}, CodeTransactionProcessing, err, "claim")
		return err
	}

	if p.settler != nil {
		p.settler.OnClaimed(ctx, tx)
	}

	execCtx := ctx
	if p.execTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, p.execTimeout)
		defer cancel()
	}
	result, execErr := p.executor.Execute(execCtx, tx)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, tx, execErr)
	}

	if err := p.store.MarkCompleted(ctx, tx.ID, result); err != nil {
		logger.L().Error("标记交易完成状态失败", slog.Any("error", err), slog.String("transaction_id", tx.ID))
		if storeErr := p.store.MarkFailed(ctx, tx.ID, CodeTransactionProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("transaction_id", tx.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, tx.ID); pubErr != nil {
			return xerrors.Wrap(CodeTransactionPublish, pubErr, fmt.Sprintf("交易 %s 在标记完成失败后重投失败", tx.ID))
		}
		logger.Audit().Warn("交易标记完成失败后重试",
			slog.String("transaction_id", tx.ID),
			slog.String("service_type", tx.ServiceType),
			slog.String("error", err.Error()),
		)
		return nil
	}

	tx.Status = StatusCompleted
	tx.Result = result
	tx.CompletedAt = time.Now().Unix()
	if p.settler != nil {
		p.settler.OnCompleted(ctx, tx)
	}
	logger.Audit().Info("交易执行成功",
		slog.String("transaction_id", tx.ID),
		slog.String("service_type", tx.ServiceType),
		slog.String("provider_id", tx.ProviderID),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, tx *Transaction, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTransactionProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := tx.Attempts >= tx.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, tx, execErr); recErr != nil {
			wrapped := xerrors.Wrap(CodeTransactionCompensate, recErr, "交易补偿失败")
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("transaction_id", tx.ID))
			p.emitAlert(ctx, tx, CodeTransactionCompensate, wrapped, "compensate")
		} else if fallback != nil {
			if _, ok := fallback["degraded"]; !ok {
				fallback["degraded"] = fmt.Sprintf("降级处理: %v", execErr)
			}
			if err := p.store.MarkCompleted(ctx, tx.ID, fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("transaction_id", tx.ID))
				if storeErr := p.store.MarkFailed(ctx, tx.ID, code, err.Error(), false); storeErr != nil {
					logger.L().Error("降级失败后的回写失败状态出错", slog.Any("error", storeErr), slog.String("transaction_id", tx.ID))
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, tx.ID); pubErr != nil {
					return xerrors.Wrap(CodeTransactionPublish, pubErr, fmt.Sprintf("交易 %s 在降级失败后重投失败", tx.ID))
				}
				return nil
			}
			tx.Status = StatusCompleted
			tx.Result = fallback
			tx.CompletedAt = time.Now().Unix()
			if p.settler != nil {
				p.settler.OnCompleted(ctx, tx)
			}
			logger.Audit().Warn("交易降级完成",
				slog.String("transaction_id", tx.ID),
				slog.String("service_type", tx.ServiceType),
				slog.String("cause", execErr.Error()),
			)
			p.emitAlert(ctx, tx, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, tx.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记交易失败状态出错", slog.Any("error", storeErr), slog.String("transaction_id", tx.ID))
		return storeErr
	}
	tx.Status = StatusFailed
	if p.settler != nil {
		p.settler.OnFailed(ctx, tx, execErr, terminal)
	}
	logger.Audit().Warn("交易执行失败",
		slog.String("transaction_id", tx.ID),
		slog.String("service_type", tx.ServiceType),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", tx.Attempts),
		slog.Int("max_retries", tx.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, tx, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, tx.ID); pubErr != nil {
			return xerrors.Wrap(CodeTransactionPublish, pubErr, fmt.Sprintf("交易 %s 重投失败", tx.ID))
		}
		p.logDebug("交易已重新排队", slog.String("transaction_id", tx.ID), slog.Int("attempts", tx.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, tx *Transaction, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || tx == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:          code,
		Message:       message,
		Severity:      attrs.Severity,
		TransactionID: tx.ID,
		AgentID:       tx.ProviderID,
		Attempts:      tx.Attempts,
		MaxRetries:    tx.MaxRetries,
		Metadata:      metadata,
		OccurredAt:    time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("transaction_id", tx.ID),
			slog.String("stage", stage),
		)
	}
}
