package security

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	loggerpkg "github.com/lunar-bby/AgoraAI/pkg/logger"
)

// Service 聚合认证、会话与授权能力，供 HTTP 层使用。
type Service struct {
	mode     Mode
	auth     *Authenticator
	sessions *SessionManager
	perms    *PermissionManager
	store    AssignmentStore
	audit    *slog.Logger
}

// NewService 构造安全服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		perms: NewPermissionManager(),
		audit: loggerpkg.Audit(),
	}
	switch mode {
	case ModeDisabled:
	case ModeToken:
		if strings.TrimSpace(cfg.TokenSecret) == "" {
			return nil, errors.New("token mode requires a token secret")
		}
		var tokenOpts []TokenOption
		if cfg.TokenTTL > 0 {
			tokenOpts = append(tokenOpts, WithTokenTTL(cfg.TokenTTL))
		}
		auth, err := NewAuthenticator(cfg.TokenSecret, tokenOpts...)
		if err != nil {
			return nil, err
		}
		svc.auth = auth
		var sessionOpts []SessionOption
		if cfg.SessionTTL > 0 {
			sessionOpts = append(sessionOpts, WithSessionTTL(cfg.SessionTTL))
		}
		svc.sessions = NewSessionManager(auth, sessionOpts...)
	default:
		return nil, fmt.Errorf("unsupported security mode: %s", cfg.Mode)
	}

	for _, seed := range cfg.Seeds {
		for _, role := range dedupeStrings(seed.Roles) {
			if err := svc.perms.AssignRole(seed.AgentID, role); err != nil {
				return nil, fmt.Errorf("apply seed %s: %w", seed.AgentID, err)
			}
		}
	}
	return svc, nil
}

// Mode 返回当前安全服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticator 暴露凭据管理器，禁用模式下为 nil。
func (s *Service) Authenticator() *Authenticator { return s.auth }

// Sessions 暴露会话管理器，禁用模式下为 nil。
func (s *Service) Sessions() *SessionManager { return s.sessions }

// Permissions 暴露权限管理器。
func (s *Service) Permissions() *PermissionManager { return s.perms }

// AttachStore 加载持久化的角色授权并启用写穿。
func (s *Service) AttachStore(ctx context.Context, store AssignmentStore) error {
	if store == nil {
		return nil
	}
	assignments, err := store.ListRoleAssignments(ctx)
	if err != nil {
		return fmt.Errorf("load role assignments: %w", err)
	}
	for agentID, roles := range assignments {
		for _, role := range roles {
			if err := s.perms.AssignRole(agentID, role); err != nil {
				// 未知角色说明库里有脏数据，跳过而不是拒绝启动。
				continue
			}
		}
	}
	s.store = store
	return nil
}

// AssignRole 授予全局角色，持久化后生效。
func (s *Service) AssignRole(ctx context.Context, agentID, role string) error {
	if err := s.perms.AssignRole(agentID, role); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.SaveRoleAssignment(ctx, agentID, role); err != nil {
			return fmt.Errorf("persist role assignment: %w", err)
		}
	}
	return nil
}

// RemoveRole 收回全局角色。
func (s *Service) RemoveRole(ctx context.Context, agentID, role string) error {
	s.perms.RemoveRole(agentID, role)
	if s.store != nil {
		if err := s.store.DeleteRoleAssignment(ctx, agentID, role); err != nil {
			return fmt.Errorf("remove role assignment: %w", err)
		}
	}
	return nil
}

// AuthenticateRequest 校验 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	agentID, err := s.auth.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	subject := &Subject{
		AgentID: agentID,
		Roles:   s.perms.UserRoles(agentID),
	}
	subject.normalise()
	return subject, nil
}

// MiddlewareConfig 配置安全中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限名，键 "*" 作为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 指定审计日志使用的事件名称。
	AuditEvent string
}

// Middleware 返回处理认证与授权的 HTTP 中间件。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				s.auditLogger().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}

			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			for _, name := range perms {
				permission, err := ParsePermission(name)
				if err != nil {
					continue
				}
				if !s.perms.HasPermission(subject.AgentID, permission, "") {
					status := http.StatusForbidden
					http.Error(w, http.StatusText(status), status)
					s.auditLogger().Warn("permission_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", status,
						"permission", name,
						"agent_id", subject.AgentID,
					)
					return
				}
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(aw, r.WithContext(ctx))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.auditLogger().Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"agent_id", subject.AgentID,
			)
		})
	}
}

func (s *Service) auditLogger() *slog.Logger {
	if s.audit != nil {
		return s.audit
	}
	return loggerpkg.Audit()
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获状态码后转发给底层实现。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack 透传底层连接的劫持能力，WebSocket 升级依赖它。
func (w *auditWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
