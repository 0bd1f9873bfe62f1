package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelEmail    Channel = "email"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 描述一次需要告警的事件。Channel 为空时广播到全部渠道，
// 否则仅投递到指定渠道。
type Event struct {
	Code          xerrors.Code
	Message       string
	Severity      xerrors.Severity
	Channel       Channel
	TransactionID string
	AgentID       string
	Attempts      int
	MaxRetries    int
	Metadata      map[string]string
	OccurredAt    time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件分发给通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 按渠道注册通知器，同一渠道后注册者覆盖先注册者。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 分发事件。指定了渠道但该渠道未注册时静默丢弃。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.Channel != "" {
		notifier, ok := d.notifiers[event.Channel]
		if !ok {
			return nil
		}
		return notifier.Notify(ctx, event)
	}

	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// describe 生成渠道无关的告警正文。
func describe(event Event) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "[%s] %s\n", event.Severity, event.Code)
	if event.TransactionID != "" {
		fmt.Fprintf(&builder, "交易: %s\n", event.TransactionID)
	}
	if event.AgentID != "" {
		fmt.Fprintf(&builder, "智能体: %s\n", event.AgentID)
	}
	if event.MaxRetries > 0 {
		fmt.Fprintf(&builder, "重试: %d/%d\n", event.Attempts, event.MaxRetries)
	}
	builder.WriteString(event.Message)
	return builder.String()
}

// EmailSender 定义发送邮件所需的能力。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 通过邮件发送告警。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

// Channel 返回邮件渠道。
func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 发送邮件，正文附带按键名排序的事件详情。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("transaction_id", event.TransactionID))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)

	var builder strings.Builder
	fmt.Fprintf(&builder, "告警时间: %s\n", event.OccurredAt.Format(time.RFC3339))
	builder.WriteString(describe(event))
	if len(event.Metadata) > 0 {
		builder.WriteString("\n详情:\n")
		keys := make([]string, 0, len(event.Metadata))
		for k := range event.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&builder, "- %s: %s\n", k, event.Metadata[k])
		}
	}
	return n.Sender.Send(ctx, subject, builder.String(), n.To)
}

// DingTalkSender 负责向钉钉机器人发送消息。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 通过钉钉机器人发送告警。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

// Channel 返回钉钉渠道。
func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("DingTalkNotifier 未正确配置，跳过发送", slog.String("transaction_id", event.TransactionID))
		return nil
	}
	return n.Sender.Send(ctx, describe(event))
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送单行 Slack 摘要。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("transaction_id", event.TransactionID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s (交易 %s, 重试 %d/%d)",
		event.Severity, event.Code, event.Message, event.TransactionID, event.Attempts, event.MaxRetries)
	return n.Sender.Send(ctx, n.ChannelID, content)
}
