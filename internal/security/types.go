package security

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Common errors returned by the security subsystem.
var (
	ErrDisabled           = errors.New("security disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSessionExpired     = errors.New("session expired")
	ErrUnknownRole        = errors.New("role does not exist")
	ErrUnknownResource    = errors.New("resource does not exist")
)

// Mode 枚举安全组件的工作模式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Config 配置安全服务。
type Config struct {
	Mode        Mode
	TokenSecret string
	TokenTTL    time.Duration
	SessionTTL  time.Duration
	Seeds       []Seed
}

// Seed 描述引导期写入的角色授权。
type Seed struct {
	AgentID string
	Roles   []string
}

// Subject 表示通过认证的调用方，随请求上下文传递。
type Subject struct {
	AgentID string
	Roles   []string

	rolesSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.rolesSet == nil {
		s.rolesSet = make(map[string]struct{}, len(s.Roles))
		for _, role := range s.Roles {
			s.rolesSet[strings.ToLower(strings.TrimSpace(role))] = struct{}{}
		}
	}
}

// HasRole 判断主体是否持有指定角色。
func (s *Subject) HasRole(role string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.rolesSet[strings.ToLower(strings.TrimSpace(role))]
	return ok
}

// Clone 返回主体的浅拷贝。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		AgentID: s.AgentID,
		Roles:   append([]string(nil), s.Roles...),
	}
	clone.normalise()
	return clone
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		seen[strings.ToLower(value)] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
