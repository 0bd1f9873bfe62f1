package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"

	"github.com/google/uuid"
)

// Metadata 记录智能体的运行统计信息。
type Metadata struct {
	CreatedAt              time.Time `json:"created_at"`
	LastActive             time.Time `json:"last_active"`
	ReputationScore        float64   `json:"reputation_score"`
	TotalTransactions      int       `json:"total_transactions"`
	SuccessfulTransactions int       `json:"successful_transactions"`
}

// Agent 表示市场中的一个智能体，既可以发起服务请求，也可以对外提供服务。
type Agent struct {
	mu sync.RWMutex

	ID           string
	Name         string
	Type         string
	Capabilities []string
	Address      string
	Metadata     Metadata

	handler  Handler
	identity *Identity
	state    map[string]any
}

// Option 定义创建智能体时的可选配置。
type Option func(*Agent)

// WithHandler 指定智能体处理服务请求的实现。
func WithHandler(handler Handler) Option {
	return func(a *Agent) {
		a.handler = handler
	}
}

// WithIdentity 绑定既有的密钥身份。
func WithIdentity(identity *Identity) Option {
	return func(a *Agent) {
		a.identity = identity
	}
}

// WithID 指定智能体 ID，仅用于恢复已注册的智能体。
func WithID(id string) Option {
	return func(a *Agent) {
		if strings.TrimSpace(id) != "" {
			a.ID = id
		}
	}
}

// New 创建一个新的智能体实例。
func New(name, agentType string, capabilities []string, opts ...Option) (*Agent, error) {
	// 验证必填字段。
	if strings.TrimSpace(name) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体名称不能为空")
	}
	if strings.TrimSpace(agentType) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体类型不能为空")
	}

	// 初始化实例，ID 默认为新的 UUID。
	now := time.Now()
	a := &Agent{
		ID:           uuid.NewString(),
		Name:         name,
		Type:         agentType,
		Capabilities: append([]string(nil), capabilities...),
		Metadata: Metadata{
			CreatedAt:  now,
			LastActive: now,
		},
		state: make(map[string]any),
	}

	// 应用可选配置。
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	// 绑定身份后同步地址。
	if a.identity != nil {
		a.Address = a.identity.Address()
	}
	return a, nil
}

// HandleRequest 将服务请求转交给智能体的处理实现。
func (a *Agent) HandleRequest(ctx context.Context, request map[string]any) (map[string]any, error) {
	a.mu.RLock()
	handler := a.handler
	a.mu.RUnlock()
	if handler == nil {
		return nil, xerrors.New(xerrors.CodeHandlerFailure, "智能体未配置处理实现")
	}
	a.Touch()
	return handler.HandleRequest(ctx, request)
}

// Touch 刷新最近活跃时间。
func (a *Agent) Touch() {
	a.mu.Lock()
	a.Metadata.LastActive = time.Now()
	a.mu.Unlock()
}

// UpdateState 合并智能体的私有状态并刷新活跃时间。
func (a *Agent) UpdateState(delta map[string]any) {
	a.mu.Lock()
	if a.state == nil {
		a.state = make(map[string]any)
	}
	for key, value := range delta {
		a.state[key] = value
	}
	a.Metadata.LastActive = time.Now()
	a.mu.Unlock()
}

// State 返回私有状态的副本。
func (a *Agent) State() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	clone := make(map[string]any, len(a.state))
	for key, value := range a.state {
		clone[key] = value
	}
	return clone
}

// UpdateReputation 根据一次交易评分更新累计信誉。
// 新信誉为历史均值并入本次评分: (rep*total + score) / (total+1)。
func (a *Agent) UpdateReputation(score float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.Metadata.TotalTransactions
	a.Metadata.ReputationScore = (a.Metadata.ReputationScore*float64(total) + score) / float64(total+1)
	a.Metadata.TotalTransactions++
	if score > 0 {
		a.Metadata.SuccessfulTransactions++
	}
}

// Reputation 返回当前信誉分。
func (a *Agent) Reputation() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Metadata.ReputationScore
}

// LastActive 返回最近活跃时间。
func (a *Agent) LastActive() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Metadata.LastActive
}

// HasCapability 判断智能体是否声明了指定能力。
func (a *Agent) HasCapability(capability string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, name := range a.Capabilities {
		if name == capability {
			return true
		}
	}
	return false
}

// Identity 返回绑定的密钥身份，可能为 nil。
func (a *Agent) Identity() *Identity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

// AttachIdentity 绑定密钥身份并同步地址，已有身份时保持不变。
func (a *Agent) AttachIdentity(identity *Identity) {
	if identity == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.identity != nil {
		return
	}
	a.identity = identity
	a.Address = identity.Address()
}

// Snapshot 返回用于序列化的只读视图。
func (a *Agent) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		ID:           a.ID,
		Name:         a.Name,
		Type:         a.Type,
		Capabilities: append([]string(nil), a.Capabilities...),
		Address:      a.Address,
		Metadata:     a.Metadata,
	}
}

// Snapshot 是智能体状态的只读视图，供 API 与存储层序列化。
type Snapshot struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	Address      string   `json:"address,omitempty"`
	Metadata     Metadata `json:"metadata"`
}
