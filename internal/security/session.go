package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// DefaultSessionTTL 是会话的默认空闲超时。
const DefaultSessionTTL = time.Hour

// Session 是某次会话的只读视图。
type Session struct {
	ID           string
	AgentID      string
	CreatedAt    time.Time
	LastAccessed time.Time
	Metadata     map[string]any
}

type sessionState struct {
	agentID      string
	createdAt    time.Time
	lastAccessed time.Time
	metadata     map[string]any
}

// SessionManager 维护智能体的活跃会话。
// 会话按最后访问时间滑动续期，空闲超时后任何访问都会失败。
type SessionManager struct {
	auth *Authenticator
	ttl  time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// SessionOption 调整会话管理行为。
type SessionOption func(*SessionManager)

// WithSessionTTL 覆盖会话空闲超时。
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// NewSessionManager 创建会话管理器。
func NewSessionManager(auth *Authenticator, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		auth:     auth,
		ttl:      DefaultSessionTTL,
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create 为已注册的智能体开启新会话。
func (m *SessionManager) Create(agentID string) (string, error) {
	if m.auth != nil && !m.auth.Registered(agentID) {
		return "", ErrUnknownAgent
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	sessionID := base64.RawURLEncoding.EncodeToString(raw)
	now := time.Now()
	m.mu.Lock()
	m.sessions[sessionID] = &sessionState{
		agentID:      agentID,
		createdAt:    now,
		lastAccessed: now,
		metadata:     make(map[string]any),
	}
	m.mu.Unlock()
	return sessionID, nil
}

// Validate 校验会话并滑动续期，过期会话会被直接终止。
func (m *SessionManager) Validate(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touchLocked(sessionID)
}

// Refresh 主动续期会话，效果与 Validate 相同。
func (m *SessionManager) Refresh(sessionID string) bool {
	return m.Validate(sessionID)
}

// Terminate 结束会话。
func (m *SessionManager) Terminate(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Get 返回会话的只读视图，过期会话返回 false。
func (m *SessionManager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.touchLocked(sessionID) {
		return Session{}, false
	}
	state := m.sessions[sessionID]
	metadata := make(map[string]any, len(state.metadata))
	for k, v := range state.metadata {
		metadata[k] = v
	}
	return Session{
		ID:           sessionID,
		AgentID:      state.agentID,
		CreatedAt:    state.createdAt,
		LastAccessed: state.lastAccessed,
		Metadata:     metadata,
	}, true
}

// UpdateMetadata 合并写入会话元数据。
func (m *SessionManager) UpdateMetadata(sessionID string, metadata map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.touchLocked(sessionID) {
		return false
	}
	state := m.sessions[sessionID]
	for k, v := range metadata {
		state.metadata[k] = v
	}
	return true
}

// Count 返回活跃会话数量。
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// touchLocked 校验并续期会话，调用方需持有锁。
func (m *SessionManager) touchLocked(sessionID string) bool {
	state, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	now := time.Now()
	if now.Sub(state.lastAccessed) > m.ttl {
		delete(m.sessions, sessionID)
		return false
	}
	state.lastAccessed = now
	return true
}

// Sweep 清理全部过期会话。
func (m *SessionManager) Sweep() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for sessionID, state := range m.sessions {
		if state.lastAccessed.Before(cutoff) {
			delete(m.sessions, sessionID)
		}
	}
}

// Start 启动清理循环，直到上下文取消。
func (m *SessionManager) Start(ctx context.Context) {
	interval := m.ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
