package comms

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// defaultAnnounceInterval 是周期性通告的默认间隔。
const defaultAnnounceInterval = 60 * time.Second

// Seed 描述用于引导组网的已知对端。
type Seed struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Discovery 用种子节点引导组网，并周期性向全网通告自身存活。
type Discovery struct {
	node     *Node
	interval time.Duration

	mu    sync.RWMutex
	known map[string]Seed
}

// DiscoveryOption 调整发现行为。
type DiscoveryOption func(*Discovery)

// WithAnnounceInterval 覆盖通告间隔。
func WithAnnounceInterval(interval time.Duration) DiscoveryOption {
	return func(d *Discovery) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// NewDiscovery 创建节点发现组件。
func NewDiscovery(node *Node, opts ...DiscoveryOption) *Discovery {
	d := &Discovery{
		node:     node,
		interval: defaultAnnounceInterval,
		known:    make(map[string]Seed),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bootstrap 连接全部种子节点，单个失败不阻断其余种子。
func (d *Discovery) Bootstrap(ctx context.Context, seeds []Seed) {
	for _, seed := range seeds {
		if seed.ID == "" || seed.ID == d.node.ID() {
			continue
		}
		d.mu.Lock()
		d.known[seed.ID] = seed
		d.mu.Unlock()
		if err := d.node.Connect(ctx, seed.ID, seed.Host, seed.Port); err != nil {
			logger.L().Warn("连接种子节点失败",
				slog.String("peer_id", seed.ID),
				slog.String("host", seed.Host),
				slog.Int("port", seed.Port),
				slog.Any("error", err))
		}
	}
}

// Start 启动通告循环，直到上下文取消。
// 每个周期向全部对端广播一条发现请求。
func (d *Discovery) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.announce(ctx)
		}
	}
}

func (d *Discovery) announce(ctx context.Context) {
	msg := NewMessage(TypeRequest, d.node.ID(), BroadcastTopic, map[string]any{"type": "discovery"})
	if err := d.node.Broadcast(ctx, msg); err != nil {
		logger.L().Warn("发送发现通告失败", slog.Any("error", err))
	}
	// 把掉线的已知对端重新拉回网络。
	for _, seed := range d.KnownPeers() {
		if containsString(d.node.Peers(), seed.ID) {
			continue
		}
		if err := d.node.Connect(ctx, seed.ID, seed.Host, seed.Port); err != nil {
			logger.L().Debug("重连已知对端失败", slog.String("peer_id", seed.ID), slog.Any("error", err))
		}
	}
}

// Observe 记录一个新的已知对端，供后续重连使用。
func (d *Discovery) Observe(seed Seed) {
	if seed.ID == "" || seed.ID == d.node.ID() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.known[seed.ID] = seed
}

// KnownPeers 返回全部已知对端，按 ID 排序。
func (d *Discovery) KnownPeers() []Seed {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Seed, 0, len(d.known))
	for _, seed := range d.known {
		out = append(out, seed)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
