package comms

import (
	"context"
	"sync"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

// defaultHistoryLimit 限制每个发送方保留的历史消息数量。
const defaultHistoryLimit = 100

// Subscriber 处理投递到某个主题的消息。
type Subscriber func(msg Message)

// Broker 在节点之间分发消息。主题即收件方标识，
// 订阅 BroadcastTopic 可以收到全部消息。
type Broker interface {
	// Publish 按消息的 Recipient 投递消息。
	Publish(ctx context.Context, msg Message) error
	// Subscribe 注册订阅回调，返回取消函数。重复订阅会叠加投递。
	Subscribe(topic string, fn Subscriber) (func(), error)
	// History 返回某个发送方最近的消息，按时间先后排序。
	History(ctx context.Context, sender string, limit int) ([]Message, error)
	// Close 释放底层资源。
	Close() error
}

// historyBuffer 按发送方保留最近的消息。
type historyBuffer struct {
	mu       sync.Mutex
	limit    int
	bySender map[string][]Message
}

func newHistoryBuffer(limit int) *historyBuffer {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &historyBuffer{limit: limit, bySender: make(map[string][]Message)}
}

func (h *historyBuffer) add(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.bySender[msg.Sender], msg)
	if len(entries) > h.limit {
		entries = entries[len(entries)-h.limit:]
	}
	h.bySender[msg.Sender] = entries
}

func (h *historyBuffer) list(sender string, limit int) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.bySender[sender]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]Message, limit)
	copy(out, entries[len(entries)-limit:])
	return out
}

type subscription struct {
	id int
	fn Subscriber
}

// MemoryBroker 是进程内的消息总线，用于测试与单机部署。
type MemoryBroker struct {
	mu        sync.RWMutex
	nextID    int
	topics    map[string][]subscription
	history   *historyBuffer
	responder Responder
	closed    bool
}

// MemoryBrokerOption 调整内存总线的行为。
type MemoryBrokerOption func(*MemoryBroker)

// WithResponder 让总线对入站协议消息自动生成应答并重新发布。
func WithResponder(r Responder) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		b.responder = r
	}
}

// WithHistoryLimit 覆盖每个发送方的历史上限。
func WithHistoryLimit(limit int) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		b.history = newHistoryBuffer(limit)
	}
}

// NewMemoryBroker 创建内存消息总线。
func NewMemoryBroker(opts ...MemoryBrokerOption) *MemoryBroker {
	b := &MemoryBroker{
		topics:  make(map[string][]subscription),
		history: newHistoryBuffer(defaultHistoryLimit),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish 投递消息给收件方及广播订阅者。
func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return xerrors.New(xerrors.CodeCommsFailure, "消息总线已关闭")
	}
	targets := make([]Subscriber, 0, 4)
	for _, topic := range []string{msg.Recipient, BroadcastTopic} {
		if topic == BroadcastTopic && msg.Recipient == BroadcastTopic {
			continue
		}
		for _, sub := range b.topics[topic] {
			targets = append(targets, sub.fn)
		}
	}
	responder := b.responder
	b.mu.RUnlock()

	b.history.add(msg)
	for _, fn := range targets {
		fn(msg)
	}
	if responder != nil {
		if reply, ok := responder.Respond(msg); ok {
			return b.Publish(ctx, reply)
		}
	}
	return nil
}

// Subscribe 注册订阅回调。
func (b *MemoryBroker) Subscribe(topic string, fn Subscriber) (func(), error) {
	if topic == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "订阅主题不能为空")
	}
	if fn == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "订阅回调不能为空")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, xerrors.New(xerrors.CodeCommsFailure, "消息总线已关闭")
	}
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, sub := range subs {
			if sub.id == id {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}, nil
}

// History 返回某个发送方最近的消息。
func (b *MemoryBroker) History(_ context.Context, sender string, limit int) ([]Message, error) {
	return b.history.list(sender, limit), nil
}

// Close 停止投递并清空订阅。
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = make(map[string][]subscription)
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
