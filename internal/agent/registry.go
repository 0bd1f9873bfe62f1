package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// defaultHeartbeatInterval 是心跳监控的默认周期。
const defaultHeartbeatInterval = 30 * time.Second

// Registry 维护在线智能体与能力索引，并负责心跳监控。
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*Agent
	capabilities map[string]map[string]struct{}
	heartbeat    time.Duration
	onEvict      func(Snapshot)
	onRegister   func(Snapshot)
}

// RegistryOption 定义注册表的可选配置。
type RegistryOption func(*Registry)

// WithHeartbeatInterval 设置心跳监控周期。
func WithHeartbeatInterval(interval time.Duration) RegistryOption {
	return func(r *Registry) {
		if interval > 0 {
			r.heartbeat = interval
		}
	}
}

// WithEvictionCallback 注册智能体被移除时的回调。
func WithEvictionCallback(fn func(Snapshot)) RegistryOption {
	return func(r *Registry) {
		r.onEvict = fn
	}
}

// WithRegistrationCallback 注册智能体上线时的回调。
func WithRegistrationCallback(fn func(Snapshot)) RegistryOption {
	return func(r *Registry) {
		r.onRegister = fn
	}
}

// NewRegistry 创建智能体注册表。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		agents:       make(map[string]*Agent),
		capabilities: make(map[string]map[string]struct{}),
		heartbeat:    defaultHeartbeatInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册一个智能体并维护能力索引。
func (r *Registry) Register(a *Agent) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体不能为空")
	}
	r.mu.Lock()
	if _, exists := r.agents[a.ID]; exists {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体 %s 已注册", a.ID))
	}
	r.agents[a.ID] = a
	for _, capability := range a.Capabilities {
		if r.capabilities[capability] == nil {
			r.capabilities[capability] = make(map[string]struct{})
		}
		r.capabilities[capability][a.ID] = struct{}{}
	}
	callback := r.onRegister
	r.mu.Unlock()

	if callback != nil {
		callback(a.Snapshot())
	}
	return nil
}

// Unregister 将智能体从注册表与能力索引中移除。
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	a, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 未注册", id))
	}
	for _, capability := range a.Capabilities {
		if members, ok := r.capabilities[capability]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(r.capabilities, capability)
			}
		}
	}
	delete(r.agents, id)
	callback := r.onEvict
	r.mu.Unlock()

	if callback != nil {
		callback(a.Snapshot())
	}
	return nil
}

// Get 返回指定 ID 的智能体。
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 未注册", id))
	}
	return a, nil
}

// ByCapability 返回声明了指定能力的全部智能体。
func (r *Registry) ByCapability(capability string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.capabilities[capability]
	result := make([]*Agent, 0, len(members))
	for id := range members {
		if a, ok := r.agents[id]; ok {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// List 返回全部在线智能体。
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count 返回在线智能体数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Heartbeat 刷新智能体的活跃时间。
func (r *Registry) Heartbeat(id string) error {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 未注册", id))
	}
	a.Touch()
	return nil
}

// StartMonitor 启动心跳监控，直到上下文取消。
// 超过两个心跳周期未活跃的智能体会被移除。
func (r *Registry) StartMonitor(ctx context.Context) {
	interval := r.heartbeat
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictIdle(2 * interval)
		}
	}
}

func (r *Registry) evictIdle(timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	idle := make([]string, 0)
	for id, a := range r.agents {
		if a.LastActive().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		if err := r.Unregister(id); err == nil {
			logger.L().Warn("智能体心跳超时，已自动下线", "agent_id", id)
		}
	}
}
