package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lunar-bby/AgoraAI/internal/agent"
	"github.com/lunar-bby/AgoraAI/internal/comms"
	"github.com/lunar-bby/AgoraAI/internal/ledger"
	"github.com/lunar-bby/AgoraAI/internal/marketplace"
	"github.com/lunar-bby/AgoraAI/internal/observability/metrics"
	"github.com/lunar-bby/AgoraAI/internal/security"
)

// Server 暴露市场的 REST 接口与事件流，供智能体和运营端驱动。
type Server struct {
	addr      string
	registry  *agent.Registry
	market    *marketplace.Service
	chain     *ledger.Chain
	factory   *agent.Factory
	contracts *ledger.ContractManager
	sec       *security.Service
	broker    comms.Broker
	topic     string
	upgrader  websocket.Upgrader
}

// Option 定义 API 服务的可选依赖。
type Option func(*Server)

// WithFactory 指定注册接口使用的智能体工厂。
func WithFactory(factory *agent.Factory) Option {
	return func(s *Server) {
		s.factory = factory
	}
}

// WithContracts 启用服务合约相关接口。
func WithContracts(contracts *ledger.ContractManager) Option {
	return func(s *Server) {
		s.contracts = contracts
	}
}

// WithSecurity 启用认证与授权中间件。
func WithSecurity(svc *security.Service) Option {
	return func(s *Server) {
		s.sec = svc
	}
}

// WithEventFeed 启用事件流接口，topic 为空时使用默认主题。
func WithEventFeed(broker comms.Broker, topic string) Option {
	return func(s *Server) {
		s.broker = broker
		if topic != "" {
			s.topic = topic
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, registry *agent.Registry, market *marketplace.Service, chain *ledger.Chain, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		registry: registry,
		market:   market,
		chain:    chain,
		topic:    DefaultEventsTopic,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 组装全部路由，启动与测试共用。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/healthz", s.instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/api/v1/auth/token", s.instrument("auth_token", http.HandlerFunc(s.handleIssueToken)))

	// 注册必须在拿到凭据之前可达，因此集合路由上只有查询走中间件。
	listAgents := s.protect("agents", map[string][]string{
		http.MethodGet: {"read"},
	}, http.HandlerFunc(s.handleListAgents))
	mux.Handle("/api/v1/agents", s.instrument("agents", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handleRegisterAgent(w, r)
		case http.MethodGet:
			listAgents.ServeHTTP(w, r)
		default:
			methodNotAllowed(w, "GET, POST")
		}
	})))
	mux.Handle("/api/v1/agents/", s.instrument("agent_detail", s.protect("agent_detail", map[string][]string{
		http.MethodGet:    {"read"},
		http.MethodPost:   {"write"},
		http.MethodDelete: {"write"},
	}, http.HandlerFunc(s.handleAgentSubtree))))

	transactionPerms := map[string][]string{
		http.MethodGet:  {"read"},
		http.MethodPost: {"write"},
	}
	mux.Handle("/api/v1/transactions", s.instrument("transactions",
		s.protect("transactions", transactionPerms, http.HandlerFunc(s.handleTransactions))))
	mux.Handle("/api/v1/transactions/", s.instrument("transaction_detail",
		s.protect("transaction_detail", transactionPerms, http.HandlerFunc(s.handleTransactionSubtree))))

	chainPerms := map[string][]string{"*": {"read"}}
	mux.Handle("/api/v1/chain", s.instrument("chain",
		s.protect("chain", chainPerms, http.HandlerFunc(s.handleChainStatus))))
	mux.Handle("/api/v1/chain/", s.instrument("chain_detail",
		s.protect("chain_detail", chainPerms, http.HandlerFunc(s.handleChainSubtree))))

	mux.Handle("/api/v1/contracts/", s.instrument("contracts", s.protect("contracts", map[string][]string{
		http.MethodGet:  {"read"},
		http.MethodPost: {"write"},
	}, http.HandlerFunc(s.handleContractSubtree))))

	mux.Handle("/api/v1/events", s.instrument("events", s.protect("events", map[string][]string{
		http.MethodGet: {"read"},
	}, http.HandlerFunc(s.handleEvents))))

	return mux
}

// protect 在启用安全服务时套上认证与授权中间件。
func (s *Server) protect(event string, perms map[string][]string, next http.Handler) http.Handler {
	if s.sec == nil || s.sec.Mode() == security.ModeDisabled {
		return next
	}
	middleware := s.sec.Middleware(security.MiddlewareConfig{
		RequiredPermissions: perms,
		AuditEvent:          event,
	})
	return middleware(next)
}

// instrument 按处理器维度记录请求指标。
func (s *Server) instrument(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(handler, r.Method, recorder.status, time.Since(start))
	})
}

// statusRecorder 捕获响应状态码用于指标统计。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack 透传底层连接的劫持能力，WebSocket 升级依赖它。
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("底层连接不支持劫持")
	}
	return hijacker.Hijack()
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
