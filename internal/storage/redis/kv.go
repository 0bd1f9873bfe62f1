package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lunar-bby/AgoraAI/internal/agent"
	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

// Config 描述 Redis 键值客户端的连接参数。
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Client 是带 TTL 的 Redis 键值客户端。
type Client struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// New 创建 Redis 键值客户端并验证连通性。
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agoraai:kv"
	}
	return &Client{rdb: rdb, prefix: prefix, ttl: cfg.TTL}, nil
}

func (c *Client) key(key string) string {
	return c.prefix + ":" + key
}

// Set 写入键值，使用客户端默认 TTL。
func (c *Client) Set(ctx context.Context, key string, value any) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

// SetWithTTL 写入键值并指定过期时间，ttl 为 0 表示永不过期。
func (c *Client) SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化键值失败")
	}
	if err := c.rdb.Set(ctx, c.key(key), payload, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 失败")
	}
	return nil
}

// Get 读取键值，键不存在时返回 false 而非错误。
func (c *Client) Get(ctx context.Context, key string) (any, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 失败")
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析键值失败")
	}
	return value, true, nil
}

// Delete 删除键。
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 键失败")
	}
	return nil
}

// Expire 重设键的过期时间。
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, c.key(key), ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置过期时间失败")
	}
	return nil
}

// Close 关闭底层连接。
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

var _ agent.KV = (*Client)(nil)
