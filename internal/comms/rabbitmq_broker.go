package comms

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// RabbitMQBrokerConfig 描述 RabbitMQ 消息总线的连接参数。
type RabbitMQBrokerConfig struct {
	URL          string
	Prefix       string
	HistoryLimit int
}

// RabbitMQBroker 为每个主题声明一个 fanout exchange，
// 广播主题额外收到所有定向消息的副本。
// 历史消息只记录经本实例发布的部分。
type RabbitMQBroker struct {
	conn    *amqp.Connection
	mu      sync.Mutex
	pubCh   *amqp.Channel
	prefix  string
	history *historyBuffer
}

// NewRabbitMQBroker 创建 RabbitMQ 消息总线实例。
func NewRabbitMQBroker(cfg RabbitMQBrokerConfig) (*RabbitMQBroker, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agoraai.messages"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "创建 RabbitMQ channel 失败")
	}
	return &RabbitMQBroker{
		conn:    conn,
		pubCh:   ch,
		prefix:  prefix,
		history: newHistoryBuffer(cfg.HistoryLimit),
	}, nil
}

func (b *RabbitMQBroker) exchangeName(topic string) string {
	if topic == BroadcastTopic {
		return b.prefix + ".broadcast"
	}
	return b.prefix + "." + topic
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, "fanout", false, true, false, false, nil)
}

// Publish 将消息投递到收件方 exchange，并复制一份给广播 exchange。
func (b *RabbitMQBroker) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	exchanges := []string{b.exchangeName(msg.Recipient)}
	if msg.Recipient != BroadcastTopic {
		exchanges = append(exchanges, b.exchangeName(BroadcastTopic))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, exchange := range exchanges {
		if err := declareExchange(b.pubCh, exchange); err != nil {
			return xerrors.Wrap(xerrors.CodeCommsFailure, err, "声明 exchange 失败")
		}
		err := b.pubCh.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
			ContentType: "application/json",
			MessageId:   msg.ID,
			Body:        payload,
		})
		if err != nil {
			return xerrors.Wrap(xerrors.CodeCommsFailure, err, "RabbitMQ 发布消息失败")
		}
	}
	b.history.add(msg)
	return nil
}

// Subscribe 为订阅方声明独占队列并绑定到主题 exchange。
func (b *RabbitMQBroker) Subscribe(topic string, fn Subscriber) (func(), error) {
	if topic == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "订阅主题不能为空")
	}
	if fn == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "订阅回调不能为空")
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "创建 RabbitMQ channel 失败")
	}
	exchange := b.exchangeName(topic)
	if err := declareExchange(ch, exchange); err != nil {
		ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "声明 exchange 失败")
	}
	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "声明队列失败")
	}
	if err := ch.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
		ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "绑定队列失败")
	}
	deliveries, err := ch.Consume(queue.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "订阅队列失败")
	}
	go func() {
		for delivery := range deliveries {
			msg, err := Decode(delivery.Body)
			if err != nil {
				logger.L().Warn("丢弃无法解析的消息", slog.Any("error", err))
				continue
			}
			fn(msg)
		}
	}()
	return func() { _ = ch.Close() }, nil
}

// History 返回经本实例发布的最近消息。
func (b *RabbitMQBroker) History(_ context.Context, sender string, limit int) ([]Message, error) {
	return b.history.list(sender, limit), nil
}

// Close 关闭 RabbitMQ 连接。
func (b *RabbitMQBroker) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	return b.conn.Close()
}

var _ Broker = (*RabbitMQBroker)(nil)
