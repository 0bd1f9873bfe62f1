package comms

import (
	"context"
	"sync"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

// DefaultRequestTimeout 是等待应答的默认超时。
const DefaultRequestTimeout = 30 * time.Second

// Caller 在总线上以请求/应答方式通信。
// 每个在途请求对应一个关联 ID，应答按关联 ID 唤醒等待方；
// 没有在途请求匹配的应答会被静默丢弃。
type Caller struct {
	id        string
	broker    Broker
	responder Responder
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]chan Message
	unsub   func()
	closed  bool
}

// CallerOption 调整请求方行为。
type CallerOption func(*Caller)

// WithRequestTimeout 覆盖等待应答的默认超时。
func WithRequestTimeout(d time.Duration) CallerOption {
	return func(c *Caller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCallerResponder 覆盖自动应答器，传入 nil 关闭自动应答。
func WithCallerResponder(r Responder) CallerOption {
	return func(c *Caller) {
		c.responder = r
	}
}

// NewCaller 创建请求方并订阅自己的收件主题。
func NewCaller(id string, broker Broker, opts ...CallerOption) (*Caller, error) {
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "请求方 ID 不能为空")
	}
	if broker == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "请求方需要消息总线")
	}
	c := &Caller{
		id:        id,
		broker:    broker,
		responder: ProtocolResponder{},
		timeout:   DefaultRequestTimeout,
		pending:   make(map[string]chan Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	unsub, err := broker.Subscribe(id, c.handle)
	if err != nil {
		return nil, err
	}
	c.unsub = unsub
	return c, nil
}

// handle 处理投递到本方主题的消息。
func (c *Caller) handle(msg Message) {
	if msg.CorrelationID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.CorrelationID]
		if ok {
			delete(c.pending, msg.CorrelationID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}
	if c.responder == nil {
		return
	}
	if reply, ok := c.responder.Respond(msg); ok {
		_ = c.broker.Publish(context.Background(), reply)
	}
}

// Request 发送请求并阻塞等待关联应答。
func (c *Caller) Request(ctx context.Context, recipient string, content map[string]any) (Message, error) {
	msg := NewMessage(TypeRequest, c.id, recipient, content)

	ch := make(chan Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, xerrors.New(xerrors.CodeCommsFailure, "请求方已关闭")
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.broker.Publish(ctx, msg); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return Message{}, xerrors.New(xerrors.CodeTimeout, "等待应答超时",
			xerrors.WithRetryable(true),
			xerrors.WithMetadata(map[string]any{"recipient": recipient}))
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Notify 发送一条不要求应答的事件消息。
func (c *Caller) Notify(ctx context.Context, recipient string, content map[string]any) error {
	return c.broker.Publish(ctx, NewMessage(TypeEvent, c.id, recipient, content))
}

// PendingCount 返回在途请求数量。
func (c *Caller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close 取消订阅并拒绝后续请求。
func (c *Caller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsub := c.unsub
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return nil
}
