package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Credentials 保存智能体的接入凭据。
// PublicKey 是私钥的 SHA-256 摘要，用于对外标识。
type Credentials struct {
	AgentID    string
	PublicKey  string
	PrivateKey string
}

// Authenticator 管理智能体凭据并签发访问令牌。
type Authenticator struct {
	tokens *TokenService
	mu     sync.RWMutex
	creds  map[string]Credentials
}

// NewAuthenticator 创建认证器。
func NewAuthenticator(secret string, opts ...TokenOption) (*Authenticator, error) {
	tokens, err := NewTokenService(secret, opts...)
	if err != nil {
		return nil, err
	}
	return &Authenticator{
		tokens: tokens,
		creds:  make(map[string]Credentials),
	}, nil
}

// Tokens 暴露底层令牌服务。
func (a *Authenticator) Tokens() *TokenService {
	return a.tokens
}

// RegisterAgent 为智能体生成新的接入凭据。重复注册会覆盖旧凭据。
func (a *Authenticator) RegisterAgent(agentID string) (Credentials, error) {
	if strings.TrimSpace(agentID) == "" {
		return Credentials{}, fmt.Errorf("agent id required")
	}
	creds, err := generateCredentials(agentID)
	if err != nil {
		return Credentials{}, err
	}
	a.mu.Lock()
	a.creds[agentID] = creds
	a.mu.Unlock()
	return creds, nil
}

// Authenticate 校验私钥并签发访问令牌。
func (a *Authenticator) Authenticate(agentID, privateKey string) (string, error) {
	a.mu.RLock()
	creds, ok := a.creds[agentID]
	a.mu.RUnlock()
	if !ok {
		return "", ErrUnknownAgent
	}
	if subtle.ConstantTimeCompare([]byte(creds.PrivateKey), []byte(privateKey)) != 1 {
		return "", ErrInvalidCredentials
	}
	return a.tokens.Issue(agentID)
}

// ValidateToken 校验访问令牌并返回智能体 ID。
// 未注册智能体的令牌视为无效。
func (a *Authenticator) ValidateToken(token string) (string, error) {
	agentID, err := a.tokens.Validate(token)
	if err != nil {
		return "", err
	}
	a.mu.RLock()
	_, ok := a.creds[agentID]
	a.mu.RUnlock()
	if !ok {
		return "", ErrUnknownAgent
	}
	return agentID, nil
}

// RevokeToken 吊销访问令牌。
func (a *Authenticator) RevokeToken(token string) {
	a.tokens.Revoke(token)
}

// RotateKeys 更换智能体的接入凭据并吊销其活跃令牌。
func (a *Authenticator) RotateKeys(agentID string) (Credentials, error) {
	a.mu.Lock()
	_, ok := a.creds[agentID]
	if !ok {
		a.mu.Unlock()
		return Credentials{}, ErrUnknownAgent
	}
	creds, err := generateCredentials(agentID)
	if err != nil {
		a.mu.Unlock()
		return Credentials{}, err
	}
	a.creds[agentID] = creds
	a.mu.Unlock()

	a.tokens.RevokeAgent(agentID)
	return creds, nil
}

// Credentials 返回智能体的当前凭据。
func (a *Authenticator) Credentials(agentID string) (Credentials, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	creds, ok := a.creds[agentID]
	return creds, ok
}

// Registered 判断智能体是否已注册凭据。
func (a *Authenticator) Registered(agentID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.creds[agentID]
	return ok
}

func generateCredentials(agentID string) (Credentials, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return Credentials{}, fmt.Errorf("generate private key: %w", err)
	}
	privateKey := hex.EncodeToString(raw)
	digest := sha256.Sum256([]byte(privateKey))
	return Credentials{
		AgentID:    agentID,
		PublicKey:  hex.EncodeToString(digest[:]),
		PrivateKey: privateKey,
	}, nil
}
