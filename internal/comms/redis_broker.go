package comms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// RedisBrokerConfig 描述 Redis 消息总线的连接参数。
type RedisBrokerConfig struct {
	Address      string
	Password     string
	DB           int
	Prefix       string
	HistoryLimit int
}

// RedisBroker 基于 Redis pub/sub 实现跨进程的消息总线，
// 历史消息保存在 Redis list 中，供所有节点查询。
type RedisBroker struct {
	client  *redis.Client
	prefix  string
	limit   int
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewRedisBroker 创建 Redis 消息总线实例。
func NewRedisBroker(cfg RedisBrokerConfig) (*RedisBroker, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agoraai:messages"
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "连接 Redis 失败")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBroker{client: client, prefix: prefix, limit: limit, baseCtx: ctx, cancel: cancel}, nil
}

func (b *RedisBroker) channel(topic string) string {
	return b.prefix + ":" + topic
}

func (b *RedisBroker) historyKey(sender string) string {
	return b.prefix + ":history:" + sender
}

// Publish 将消息发布到收件方频道，并写入发送方历史。
func (b *RedisBroker) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(msg.Recipient), payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeCommsFailure, err, "Redis 发布消息失败")
	}
	key := b.historyKey(msg.Sender)
	pipe := b.client.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(b.limit-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeCommsFailure, err, "写入消息历史失败")
	}
	return nil
}

// Subscribe 订阅某个主题。BroadcastTopic 通过模式订阅覆盖全部频道。
func (b *RedisBroker) Subscribe(topic string, fn Subscriber) (func(), error) {
	if topic == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "订阅主题不能为空")
	}
	if fn == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "订阅回调不能为空")
	}
	var pubsub *redis.PubSub
	if topic == BroadcastTopic {
		pubsub = b.client.PSubscribe(b.baseCtx, b.prefix+":*")
	} else {
		pubsub = b.client.Subscribe(b.baseCtx, b.channel(topic))
	}
	// 等待订阅确认，避免漏掉紧随其后发布的消息。
	if _, err := pubsub.Receive(b.baseCtx); err != nil {
		_ = pubsub.Close()
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "Redis 订阅失败")
	}
	go func() {
		for raw := range pubsub.Channel() {
			msg, err := Decode([]byte(raw.Payload))
			if err != nil {
				logger.L().Warn("丢弃无法解析的消息", slog.Any("error", err))
				continue
			}
			fn(msg)
		}
	}()
	return func() { _ = pubsub.Close() }, nil
}

// History 读取某个发送方最近的消息，按时间先后排序。
func (b *RedisBroker) History(ctx context.Context, sender string, limit int) ([]Message, error) {
	if limit <= 0 || limit > b.limit {
		limit = b.limit
	}
	raws, err := b.client.LRange(ctx, b.historyKey(sender), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "读取消息历史失败")
	}
	out := make([]Message, 0, len(raws))
	// LPUSH 使最新消息排在最前，倒序还原时间顺序。
	for i := len(raws) - 1; i >= 0; i-- {
		msg, err := Decode([]byte(raws[i]))
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (b *RedisBroker) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	b.cancel()
	// 给订阅协程让出一次调度再断开连接。
	time.Sleep(10 * time.Millisecond)
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("关闭 Redis 连接失败: %w", err)
	}
	return nil
}

var _ Broker = (*RedisBroker)(nil)
