package marketplace

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/catalog"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// defaultDiscoveryInterval 是服务发现清理循环的默认周期。
const defaultDiscoveryInterval = 60 * time.Second

// serviceEntry 记录一个已发布服务的智能体的活跃信息。
type serviceEntry struct {
	lastSeen     time.Time
	serviceTypes []string
}

// Discovery 维护服务类型到提供方的索引，供请求方查找可用服务。
type Discovery struct {
	mu           sync.RWMutex
	services     map[string]map[string]struct{}
	capabilities map[string][]catalog.Capability
	agents       map[string]*serviceEntry
	interval     time.Duration
}

// DiscoveryOption 定义服务发现的可选配置。
type DiscoveryOption func(*Discovery)

// WithCleanupInterval 设置清理循环的周期。
func WithCleanupInterval(interval time.Duration) DiscoveryOption {
	return func(d *Discovery) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// NewDiscovery 创建服务发现索引。
func NewDiscovery(opts ...DiscoveryOption) *Discovery {
	d := &Discovery{
		services:     make(map[string]map[string]struct{}),
		capabilities: make(map[string][]catalog.Capability),
		agents:       make(map[string]*serviceEntry),
		interval:     defaultDiscoveryInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// RegisterService 发布智能体提供的服务类型与能力清单。
func (d *Discovery) RegisterService(agentID string, serviceTypes []string, capabilities []catalog.Capability) {
	if agentID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, serviceType := range serviceTypes {
		if d.services[serviceType] == nil {
			d.services[serviceType] = make(map[string]struct{})
		}
		d.services[serviceType][agentID] = struct{}{}
	}
	d.capabilities[agentID] = append([]catalog.Capability(nil), capabilities...)
	d.agents[agentID] = &serviceEntry{
		lastSeen:     time.Now(),
		serviceTypes: append([]string(nil), serviceTypes...),
	}
}

// UnregisterService 下线智能体发布的全部服务。
func (d *Discovery) UnregisterService(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unregisterLocked(agentID)
}

func (d *Discovery) unregisterLocked(agentID string) {
	entry, ok := d.agents[agentID]
	if !ok {
		return
	}
	for _, serviceType := range entry.serviceTypes {
		if members, exists := d.services[serviceType]; exists {
			delete(members, agentID)
			if len(members) == 0 {
				delete(d.services, serviceType)
			}
		}
	}
	delete(d.capabilities, agentID)
	delete(d.agents, agentID)
}

// DiscoverServices 返回提供指定服务类型的智能体 ID，按字典序排序。
// requiredCapabilities 不为空时只保留声明了全部所需能力的智能体。
func (d *Discovery) DiscoverServices(serviceType string, requiredCapabilities []string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members, ok := d.services[serviceType]
	if !ok {
		return nil
	}
	result := make([]string, 0, len(members))
	for agentID := range members {
		if len(requiredCapabilities) > 0 && !d.hasCapabilitiesLocked(agentID, requiredCapabilities) {
			continue
		}
		result = append(result, agentID)
	}
	sort.Strings(result)
	return result
}

// ServiceTypes 返回当前已发布的全部服务类型，按字典序排序。
func (d *Discovery) ServiceTypes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	types := make([]string, 0, len(d.services))
	for serviceType := range d.services {
		types = append(types, serviceType)
	}
	sort.Strings(types)
	return types
}

// AgentCapabilities 返回智能体发布的能力清单。
func (d *Discovery) AgentCapabilities(agentID string) []catalog.Capability {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]catalog.Capability(nil), d.capabilities[agentID]...)
}

// UpdateLastSeen 刷新智能体的活跃时间。
func (d *Discovery) UpdateLastSeen(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.agents[agentID]; ok {
		entry.lastSeen = time.Now()
	}
}

// Start 启动清理循环，直到上下文取消。
// 超过两个清理周期未活跃的智能体会被下线。
func (d *Discovery) Start(ctx context.Context) {
	interval := d.interval
	if interval <= 0 {
		interval = defaultDiscoveryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.evictStale(2 * interval)
		}
	}
}

func (d *Discovery) evictStale(timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)

	d.mu.Lock()
	stale := make([]string, 0)
	for agentID, entry := range d.agents {
		if entry.lastSeen.Before(cutoff) {
			stale = append(stale, agentID)
		}
	}
	for _, agentID := range stale {
		d.unregisterLocked(agentID)
	}
	d.mu.Unlock()

	for _, agentID := range stale {
		logger.L().Warn("智能体长时间未活跃，已从服务发现下线", "agent_id", agentID)
	}
}

func (d *Discovery) hasCapabilitiesLocked(agentID string, required []string) bool {
	declared := make(map[string]struct{}, len(d.capabilities[agentID]))
	for _, capability := range d.capabilities[agentID] {
		declared[capability.Name] = struct{}{}
	}
	for _, name := range required {
		if _, ok := declared[name]; !ok {
			return false
		}
	}
	return true
}
