package api

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lunar-bby/AgoraAI/internal/agent"
	"github.com/lunar-bby/AgoraAI/internal/comms"
	"github.com/lunar-bby/AgoraAI/internal/ledger"
	"github.com/lunar-bby/AgoraAI/internal/marketplace"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// DefaultEventsTopic 是市场事件在消息代理上的默认主题。
const DefaultEventsTopic = "marketplace.events"

// eventsSender 标记事件消息的发送方。
const eventsSender = "agoraaid"

// Events 把注册表、账本与交易生命周期的事件发布到消息代理，
// WebSocket 订阅端从同一主题消费。发布失败只记录日志。
type Events struct {
	broker comms.Broker
	topic  string
}

// NewEvents 创建事件发布器，topic 为空时使用默认主题。
func NewEvents(broker comms.Broker, topic string) *Events {
	if strings.TrimSpace(topic) == "" {
		topic = DefaultEventsTopic
	}
	return &Events{broker: broker, topic: topic}
}

// Topic 返回事件使用的主题。
func (e *Events) Topic() string {
	if e == nil {
		return DefaultEventsTopic
	}
	return e.topic
}

func (e *Events) publish(ctx context.Context, event string, data map[string]any) {
	if e == nil || e.broker == nil {
		return
	}
	content := make(map[string]any, len(data)+1)
	content["event"] = event
	for key, value := range data {
		content[key] = value
	}
	msg := comms.NewMessage(comms.TypeEvent, eventsSender, e.topic, content)
	if err := e.broker.Publish(ctx, msg); err != nil {
		logger.L().Warn("发布市场事件失败",
			slog.Any("error", err),
			slog.String("event", event),
		)
	}
}

// AgentRegistered 发布智能体注册事件。
func (e *Events) AgentRegistered(snapshot agent.Snapshot) {
	e.publish(context.Background(), "agent_registered", map[string]any{
		"agent_id":     snapshot.ID,
		"name":         snapshot.Name,
		"type":         snapshot.Type,
		"capabilities": snapshot.Capabilities,
	})
}

// AgentEvicted 发布智能体因心跳超时被移除的事件。
func (e *Events) AgentEvicted(snapshot agent.Snapshot) {
	e.publish(context.Background(), "agent_evicted", map[string]any{
		"agent_id": snapshot.ID,
		"name":     snapshot.Name,
	})
}

// BlockMined 发布新区块出块事件。
func (e *Events) BlockMined(block ledger.Block) {
	e.publish(context.Background(), "block_mined", map[string]any{
		"index":   block.Index,
		"hash":    block.Hash,
		"records": len(block.Records),
	})
}

// OnClaimed 实现 marketplace.Settler，发布交易开始处理事件。
func (e *Events) OnClaimed(ctx context.Context, tx *marketplace.Transaction) {
	e.publish(ctx, "transaction_processing", transactionEvent(tx))
}

// OnCompleted 实现 marketplace.Settler，发布交易完成事件。
func (e *Events) OnCompleted(ctx context.Context, tx *marketplace.Transaction) {
	e.publish(ctx, "transaction_completed", transactionEvent(tx))
}

// OnFailed 实现 marketplace.Settler，发布交易失败事件。
func (e *Events) OnFailed(ctx context.Context, tx *marketplace.Transaction, cause error, terminal bool) {
	data := transactionEvent(tx)
	data["terminal"] = terminal
	if cause != nil {
		data["error"] = cause.Error()
	}
	e.publish(ctx, "transaction_failed", data)
}

func transactionEvent(tx *marketplace.Transaction) map[string]any {
	if tx == nil {
		return map[string]any{}
	}
	return map[string]any{
		"transaction_id": tx.ID,
		"requester_id":   tx.RequesterID,
		"provider_id":    tx.ProviderID,
		"service_type":   tx.ServiceType,
		"status":         string(tx.Status),
	}
}

var _ marketplace.Settler = (*Events)(nil)
