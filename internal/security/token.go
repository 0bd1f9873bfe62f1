package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultTokenTTL 是访问令牌的默认有效期。
const DefaultTokenTTL = 24 * time.Hour

const tokenHeaderJSON = `{"alg":"HS256","typ":"JWT"}`

// encodedTokenHeader 是编码后的 JWT 头部。
var encodedTokenHeader = base64.RawURLEncoding.EncodeToString([]byte(tokenHeaderJSON))

// tokenClaims 定义访问令牌携带的声明。
type tokenClaims struct {
	AgentID   string `json:"agent_id"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// TokenService 负责访问令牌的签发、校验与吊销。
// 每个智能体同一时刻只有一个有效令牌，重复签发会替换旧令牌。
type TokenService struct {
	mu        sync.RWMutex
	secret    []byte
	ttl       time.Duration
	active    map[string]string
	blacklist map[string]time.Time
}

// TokenOption 调整令牌服务行为。
type TokenOption func(*TokenService)

// WithTokenTTL 覆盖令牌有效期。
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewTokenService 创建令牌服务。secret 为空时返回错误。
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("token secret must be configured")
	}
	s := &TokenService{
		secret:    []byte(secret),
		ttl:       DefaultTokenTTL,
		active:    make(map[string]string),
		blacklist: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue 为智能体签发新令牌并使其旧令牌失效。
func (s *TokenService) Issue(agentID string) (string, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", errors.New("agent id required")
	}
	now := time.Now()
	claims := tokenClaims{
		AgentID:   agentID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	s.mu.Lock()
	defer s.mu.Unlock()
	signature := s.signature(encodedTokenHeader, payload)
	token := strings.Join([]string{encodedTokenHeader, payload, base64.RawURLEncoding.EncodeToString(signature)}, ".")
	if previous, ok := s.active[agentID]; ok && previous != token {
		s.blacklist[previous] = time.Unix(claims.ExpiresAt, 0)
	}
	s.active[agentID] = token
	return token, nil
}

// signature 计算令牌的签名部分，调用方需持有锁。
func (s *TokenService) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Validate 校验令牌并返回其所属的智能体 ID。
// 过期、吊销、被替换或签名不符的令牌都会被拒绝。
func (s *TokenService) Validate(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, revoked := s.blacklist[token]; revoked {
		return "", ErrTokenRevoked
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrInvalidToken
	}
	expected := s.signature(parts[0], parts[1])
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return "", ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", ErrInvalidToken
	}
	if claims.AgentID == "" {
		return "", ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return "", ErrInvalidToken
	}
	if current, ok := s.active[claims.AgentID]; !ok || current != token {
		return "", ErrTokenRevoked
	}
	return claims.AgentID, nil
}

// Revoke 吊销令牌并清除对应智能体的活跃记录。
func (s *TokenService) Revoke(token string) {
	if token == "" {
		return
	}
	expiry := time.Now().Add(s.ttl)
	if claims, err := decodeClaims(token); err == nil && claims.ExpiresAt > 0 {
		expiry = time.Unix(claims.ExpiresAt, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist[token] = expiry
	for agentID, active := range s.active {
		if active == token {
			delete(s.active, agentID)
		}
	}
}

// RevokeAgent 吊销某个智能体的活跃令牌。
func (s *TokenService) RevokeAgent(agentID string) {
	s.mu.Lock()
	token, ok := s.active[agentID]
	if ok {
		delete(s.active, agentID)
		expiry := time.Now().Add(s.ttl)
		if claims, err := decodeClaims(token); err == nil && claims.ExpiresAt > 0 {
			expiry = time.Unix(claims.ExpiresAt, 0)
		}
		s.blacklist[token] = expiry
	}
	s.mu.Unlock()
}

// RotateSecret 更换签名密钥，已签发的全部令牌随即失效。
func (s *TokenService) RotateSecret() error {
	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = fresh
	s.active = make(map[string]string)
	return nil
}

// PruneExpired 清理黑名单中已自然过期的令牌。
func (s *TokenService) PruneExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, expiry := range s.blacklist {
		if now.After(expiry) {
			delete(s.blacklist, token)
		}
	}
	for agentID, token := range s.active {
		if claims, err := decodeClaims(token); err == nil && claims.ExpiresAt > 0 && now.Unix() > claims.ExpiresAt {
			delete(s.active, agentID)
		}
	}
}

// decodeClaims 解析令牌声明，不校验签名。
func decodeClaims(token string) (tokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tokenClaims{}, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, ErrInvalidToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return tokenClaims{}, ErrInvalidToken
	}
	return claims, nil
}
