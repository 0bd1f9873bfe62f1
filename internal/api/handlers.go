package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/agent"
	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/internal/ledger"
	"github.com/lunar-bby/AgoraAI/internal/marketplace"
	"github.com/lunar-bby/AgoraAI/internal/security"
)

// handleHealth 返回进程级健康信息。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	payload := map[string]any{
		"status": "ok",
		"time":   time.Now().Unix(),
	}
	if s.registry != nil {
		payload["agents"] = s.registry.Count()
	}
	if s.chain != nil {
		payload["chain_height"] = s.chain.Height()
		payload["pending_records"] = s.chain.PendingCount()
	}
	writeJSON(w, http.StatusOK, payload)
}

type issueTokenRequest struct {
	AgentID    string `json:"agent_id"`
	PrivateKey string `json:"private_key"`
}

// handleIssueToken 用接入凭据换取访问令牌。
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, "POST")
		return
	}
	if s.sec == nil || s.sec.Mode() == security.ModeDisabled {
		writeErrorStatus(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "安全服务未启用")
		return
	}

	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" || strings.TrimSpace(req.PrivateKey) == "" {
		writeErrorStatus(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "agent_id 与 private_key 不能为空")
		return
	}

	token, err := s.sec.Authenticator().Authenticate(req.AgentID, req.PrivateKey)
	if err != nil {
		writeErrorStatus(w, http.StatusUnauthorized, xerrors.CodeUnauthenticated, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"agent_id": req.AgentID,
	})
}

type registerAgentRequest struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
	PrivateKey   string   `json:"private_key,omitempty"`
}

type credentialsPayload struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

type registerAgentResponse struct {
	Agent       agent.Snapshot      `json:"agent"`
	PrivateKey  string              `json:"private_key,omitempty"`
	Credentials *credentialsPayload `json:"credentials,omitempty"`
}

// handleRegisterAgent 注册智能体，未提供私钥时自动生成链上身份。
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	a, err := s.buildAgent(req)
	if err != nil {
		writeError(w, err)
		return
	}

	var identity *agent.Identity
	generated := false
	if key := strings.TrimSpace(req.PrivateKey); key != "" {
		identity, err = agent.IdentityFromHex(key)
		if err != nil {
			writeErrorStatus(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "私钥格式不合法")
			return
		}
	} else {
		identity, err = agent.GenerateIdentity()
		if err != nil {
			writeError(w, err)
			return
		}
		generated = true
	}
	a.AttachIdentity(identity)

	if err := s.registry.Register(a); err != nil {
		writeError(w, err)
		return
	}

	resp := registerAgentResponse{Agent: a.Snapshot()}
	if generated {
		resp.PrivateKey = identity.ExportHex()
	}
	if s.sec != nil && s.sec.Mode() != security.ModeDisabled {
		creds, err := s.sec.Authenticator().RegisterAgent(a.ID)
		if err != nil {
			_ = s.registry.Unregister(a.ID)
			writeError(w, err)
			return
		}
		// 新注册的智能体默认授予 user 角色。
		if err := s.sec.AssignRole(r.Context(), a.ID, "user"); err != nil {
			_ = s.registry.Unregister(a.ID)
			writeError(w, err)
			return
		}
		resp.Credentials = &credentialsPayload{
			PublicKey:  creds.PublicKey,
			PrivateKey: creds.PrivateKey,
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// buildAgent 优先让工厂装配处理实现，未知类型退化为纯请求方。
func (s *Server) buildAgent(req registerAgentRequest) (*agent.Agent, error) {
	if s.factory != nil {
		a, err := s.factory.Create(req.Type, req.Name, req.Capabilities)
		if err == nil {
			return a, nil
		}
		if xerrors.CodeOf(err) != xerrors.CodeNotFound {
			return nil, err
		}
	}
	return agent.New(req.Name, req.Type, req.Capabilities)
}

// handleListAgents 列出智能体，支持 capability 过滤。
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	var agents []*agent.Agent
	if capability := strings.TrimSpace(r.URL.Query().Get("capability")); capability != "" {
		agents = s.registry.ByCapability(capability)
	} else {
		agents = s.registry.List()
	}
	snapshots := make([]agent.Snapshot, 0, len(agents))
	for _, a := range agents {
		snapshots = append(snapshots, a.Snapshot())
	}
	writeJSON(w, http.StatusOK, snapshots)
}

// handleAgentSubtree 分发 /api/v1/agents/{id} 与 /{id}/heartbeat。
// 注销与心跳只允许智能体本人或管理员操作。
func (s *Server) handleAgentSubtree(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/v1/agents/")
	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			s.handleGetAgent(w, r, parts[0])
		case http.MethodDelete:
			if !s.authorizeOwner(w, r, parts[0]) {
				return
			}
			s.handleUnregisterAgent(w, parts[0])
		default:
			methodNotAllowed(w, "GET, DELETE")
		}
	case len(parts) == 2 && parts[1] == "heartbeat":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		if !s.authorizeOwner(w, r, parts[0]) {
			return
		}
		s.handleHeartbeat(w, parts[0])
	default:
		writeErrorStatus(w, http.StatusNotFound, xerrors.CodeNotFound, "资源不存在")
	}
}

// authorizeOwner 校验调用方是否有权操作指定智能体。
func (s *Server) authorizeOwner(w http.ResponseWriter, r *http.Request, agentID string) bool {
	subject := security.SubjectFromContext(r.Context())
	if subject == nil || subject.AgentID == agentID || subject.HasRole("admin") {
		return true
	}
	writeErrorStatus(w, http.StatusForbidden, xerrors.CodePermissionDenied, "不能操作其他智能体")
	return false
}

func (s *Server) handleGetAgent(w http.ResponseWriter, _ *http.Request, id string) {
	a, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Snapshot())
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, id string) {
	if err := s.registry.Unregister(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, id string) {
	if err := s.registry.Heartbeat(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type requestServiceRequest struct {
	RequesterID  string         `json:"requester_id"`
	ServiceType  string         `json:"service_type"`
	MaxPrice     float64        `json:"max_price"`
	Requirements map[string]any `json:"requirements,omitempty"`
}

// handleTransactions 分发交易集合路由。
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRequestService(w, r)
	case http.MethodGet:
		s.handleListTransactions(w, r)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

// handleRequestService 受理服务请求并创建交易。
func (s *Server) handleRequestService(w http.ResponseWriter, r *http.Request) {
	var req requestServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	// 启用认证时只能以自己的身份发起请求，管理员除外。
	if subject := security.SubjectFromContext(r.Context()); subject != nil {
		if subject.AgentID != req.RequesterID && !subject.HasRole("admin") {
			writeErrorStatus(w, http.StatusForbidden, xerrors.CodePermissionDenied,
				"不能以其他智能体的身份发起服务请求")
			return
		}
	}

	tx, err := s.market.RequestService(r.Context(), req.RequesterID, req.ServiceType, req.MaxPrice, req.Requirements)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// handleListTransactions 按状态、智能体与分页条件查询交易。
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	txs, err := s.market.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// handleTransactionSubtree 分发 /api/v1/transactions/ 下的子路由。
func (s *Server) handleTransactionSubtree(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/v1/transactions/")
	switch {
	case len(parts) == 1 && parts[0] == "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		s.handleTransactionStats(w, r)
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		s.handleGetTransaction(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "execute":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		s.handleExecuteTransaction(w, r, parts[0])
	default:
		writeErrorStatus(w, http.StatusNotFound, xerrors.CodeNotFound, "资源不存在")
	}
}

func (s *Server) handleTransactionStats(w http.ResponseWriter, r *http.Request) {
	var opts []marketplace.ListOption
	if agentID := strings.TrimSpace(r.URL.Query().Get("agent")); agentID != "" {
		opts = append(opts, marketplace.WithAgent(agentID))
	}
	stats, err := s.market.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request, id string) {
	tx, err := s.market.GetTransactionStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleExecuteTransaction(w http.ResponseWriter, r *http.Request, id string) {
	tx, err := s.market.ExecuteTransaction(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// handleChainStatus 返回账本的汇总状态。
func (s *Server) handleChainStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	latest := s.chain.LatestBlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"height":          s.chain.Height(),
		"difficulty":      s.chain.Difficulty(),
		"pending_records": s.chain.PendingCount(),
		"latest_block": map[string]any{
			"index":     latest.Index,
			"hash":      latest.Hash,
			"timestamp": latest.Timestamp,
		},
	})
}

// handleChainSubtree 分发 /api/v1/chain/ 下的子路由。
func (s *Server) handleChainSubtree(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path, "/api/v1/chain/")
	switch {
	case len(parts) == 1 && parts[0] == "blocks":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		s.handleChainBlocks(w, r)
	case len(parts) == 1 && parts[0] == "validate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		s.handleChainValidate(w)
	case len(parts) == 2 && parts[0] == "records":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		s.handleChainRecords(w, parts[1])
	default:
		writeErrorStatus(w, http.StatusNotFound, xerrors.CodeNotFound, "资源不存在")
	}
}

func (s *Server) handleChainBlocks(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeErrorStatus(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "limit 必须是正整数")
			return
		}
		limit = parsed
	}
	if limit > 100 {
		limit = 100
	}

	blocks := s.chain.Blocks()
	if len(blocks) > limit {
		blocks = blocks[len(blocks)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"height": s.chain.Height(),
		"blocks": blocks,
	})
}

func (s *Server) handleChainValidate(w http.ResponseWriter) {
	validator := ledger.NewChainValidator(s.chain.Difficulty())
	payload := map[string]any{"valid": true}
	if err := validator.ValidateChain(s.chain.Blocks()); err != nil {
		payload["valid"] = false
		payload["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleChainRecords(w http.ResponseWriter, id string) {
	history := s.chain.RecordHistory(id)
	if len(history) == 0 {
		writeErrorStatus(w, http.StatusNotFound, xerrors.CodeNotFound,
			fmt.Sprintf("账本中不存在记录 %s", id))
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// contractTransitions 把操作名映射到目标合约状态。
var contractTransitions = map[string]ledger.ContractState{
	"activate": ledger.ContractActive,
	"complete": ledger.ContractCompleted,
	"cancel":   ledger.ContractCancelled,
	"dispute":  ledger.ContractDisputed,
}

type contractActionRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

type contractResponse struct {
	Contract ledger.ServiceContract `json:"contract"`
	Events   []ledger.ContractEvent `json:"events"`
}

// handleContractSubtree 分发 /api/v1/contracts/ 下的子路由。
func (s *Server) handleContractSubtree(w http.ResponseWriter, r *http.Request) {
	if s.contracts == nil {
		writeErrorStatus(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "合约服务未启用")
		return
	}
	parts := splitPath(r.URL.Path, "/api/v1/contracts/")
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, "GET")
			return
		}
		s.handleGetContract(w, parts[0])
	case len(parts) == 2:
		if r.Method != http.MethodPost {
			methodNotAllowed(w, "POST")
			return
		}
		s.handleContractAction(w, r, parts[0], parts[1])
	default:
		writeErrorStatus(w, http.StatusNotFound, xerrors.CodeNotFound, "资源不存在")
	}
}

func (s *Server) handleGetContract(w http.ResponseWriter, id string) {
	sc, err := s.contracts.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractResponse{
		Contract: sc.Contract(),
		Events:   sc.Events(),
	})
}

func (s *Server) handleContractAction(w http.ResponseWriter, r *http.Request, id, action string) {
	next, ok := contractTransitions[action]
	if !ok {
		writeErrorStatus(w, http.StatusNotFound, xerrors.CodeNotFound,
			fmt.Sprintf("不支持的合约操作 %s", action))
		return
	}
	sc, err := s.contracts.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	var req contractActionRequest
	if r.Body != nil {
		// 请求体允许为空。
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := sc.UpdateState(next, req.Metadata); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractResponse{
		Contract: sc.Contract(),
		Events:   sc.Events(),
	})
}

// parseListOptions 解析交易列表的查询条件。
func parseListOptions(r *http.Request) ([]marketplace.ListOption, error) {
	var opts []marketplace.ListOption
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数")
		}
		opts = append(opts, marketplace.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "offset 不能为负数")
		}
		opts = append(opts, marketplace.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []marketplace.Status
		for _, value := range strings.Split(raw, ",") {
			status := marketplace.Status(strings.TrimSpace(value))
			if !marketplace.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument,
					fmt.Sprintf("未知的交易状态 %q", value))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, marketplace.WithStatuses(statuses...))
	}
	if agentID := strings.TrimSpace(query.Get("agent")); agentID != "" {
		opts = append(opts, marketplace.WithAgent(agentID))
	}
	return opts, nil
}

// splitPath 去掉路由前缀并按 "/" 切分出非空路径段。
func splitPath(path, prefix string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
