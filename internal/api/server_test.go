package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lunar-bby/AgoraAI/internal/agent"
	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/internal/ledger"
	"github.com/lunar-bby/AgoraAI/internal/marketplace"
	"github.com/lunar-bby/AgoraAI/internal/security"
)

type testEnv struct {
	server    *Server
	registry  *agent.Registry
	chain     *ledger.Chain
	contracts *ledger.ContractManager
	routes    http.Handler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	registry := agent.NewRegistry()
	store := marketplace.NewMemoryStore()
	queue := marketplace.NewMemoryQueue(16)
	chain := ledger.NewChain(ledger.WithDifficulty(1))
	contracts := ledger.NewContractManager()
	market := marketplace.NewService(registry, store, queue, 3,
		marketplace.WithLedger(chain),
		marketplace.WithContracts(contracts),
		marketplace.WithExecutor(marketplace.NewRegistryExecutor(registry)),
	)

	opts = append([]Option{
		WithFactory(agent.NewDefaultFactory(nil)),
		WithContracts(contracts),
	}, opts...)
	server := NewServer(":0", registry, market, chain, opts...)
	return &testEnv{
		server:    server,
		registry:  registry,
		chain:     chain,
		contracts: contracts,
		routes:    server.Routes(),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.routes.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (e *testEnv) registerAgent(t *testing.T, name, agentType string, capabilities []string) registerAgentResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/agents", registerAgentRequest{
		Name:         name,
		Type:         agentType,
		Capabilities: capabilities,
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: got status %d body %s", name, rec.Code, rec.Body.String())
	}
	var resp registerAgentResponse
	decodeJSON(t, rec, &resp)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	var payload map[string]any
	decodeJSON(t, rec, &payload)
	if payload["status"] != "ok" {
		t.Fatalf("unexpected health payload: %v", payload)
	}
	if _, ok := payload["chain_height"]; !ok {
		t.Fatalf("health payload missing chain_height: %v", payload)
	}
}

func TestAgentLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.registerAgent(t, "translator", "translation", []string{"translation"})
	if resp.Agent.ID == "" {
		t.Fatalf("registered agent has no id: %+v", resp)
	}
	if resp.PrivateKey == "" {
		t.Fatalf("expected a generated private key for %s", resp.Agent.Name)
	}
	if resp.Agent.Address == "" {
		t.Fatalf("expected a derived address for %s", resp.Agent.Name)
	}

	// 工厂内置类型应装配处理器，注册同样成功。
	factoryResp := env.registerAgent(t, "cruncher", "DataProcessing", []string{"data_processing"})
	if factoryResp.Agent.Type != "DataProcessing" {
		t.Fatalf("unexpected factory agent type: %q", factoryResp.Agent.Type)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/agents", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list agents: got status %d", rec.Code)
	}
	var all []agent.Snapshot
	decodeJSON(t, rec, &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(all))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents?capability=translation", nil, "")
	var filtered []agent.Snapshot
	decodeJSON(t, rec, &filtered)
	if len(filtered) != 1 || filtered[0].ID != resp.Agent.ID {
		t.Fatalf("capability filter returned %+v", filtered)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+resp.Agent.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get agent: got status %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/agents/"+resp.Agent.ID+"/heartbeat", nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("heartbeat: got status %d", rec.Code)
	}

	rec = env.do(t, http.MethodDelete, "/api/v1/agents/"+resp.Agent.ID, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unregister: got status %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+resp.Agent.ID, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after unregister, got %d", rec.Code)
	}
	var body errorBody
	decodeJSON(t, rec, &body)
	if body.Code != string(xerrors.CodeNotFound) {
		t.Fatalf("unexpected error code: %q", body.Code)
	}
}

func TestRegisterAgentRejectsBadPrivateKey(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents", registerAgentRequest{
		Name:       "broken",
		Type:       "translation",
		PrivateKey: "not-a-key",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed key, got %d", rec.Code)
	}
}

func TestServiceRequestAndExecution(t *testing.T) {
	env := newTestEnv(t)

	requester := env.registerAgent(t, "client", "translation", []string{"translation"})
	provider := env.registerAgent(t, "worker", "DataProcessing", []string{"data_processing"})

	rec := env.do(t, http.MethodPost, "/api/v1/transactions", requestServiceRequest{
		RequesterID:  requester.Agent.ID,
		ServiceType:  "data_processing",
		MaxPrice:     12.5,
		Requirements: map[string]any{"operation": "normalize", "data": "raw"},
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("request service: got status %d body %s", rec.Code, rec.Body.String())
	}
	var tx marketplace.Transaction
	decodeJSON(t, rec, &tx)
	if tx.ProviderID != provider.Agent.ID {
		t.Fatalf("unexpected provider: got %q want %q", tx.ProviderID, provider.Agent.ID)
	}
	if tx.Status != marketplace.StatusPending {
		t.Fatalf("unexpected status: %q", tx.Status)
	}

	// 同步执行，内置处理器立即返回成功。
	rec = env.do(t, http.MethodPost, "/api/v1/transactions/"+tx.ID+"/execute", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("execute transaction: got status %d body %s", rec.Code, rec.Body.String())
	}
	var executed marketplace.Transaction
	decodeJSON(t, rec, &executed)
	if executed.Status != marketplace.StatusCompleted {
		t.Fatalf("unexpected status after execute: %q", executed.Status)
	}
	if executed.Result["operation"] != "normalize" {
		t.Fatalf("unexpected result: %v", executed.Result)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/"+tx.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get transaction: got status %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/transactions?status=completed&agent="+provider.Agent.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list transactions: got status %d", rec.Code)
	}
	var listed []*marketplace.Transaction
	decodeJSON(t, rec, &listed)
	if len(listed) != 1 || listed[0].ID != tx.ID {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/stats", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("transaction stats: got status %d", rec.Code)
	}
	var stats marketplace.TransactionStats
	decodeJSON(t, rec, &stats)
	if stats.Completed != 1 || stats.Total != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// 请求交易同时开立了服务合约。
	rec = env.do(t, http.MethodGet, "/api/v1/contracts/"+tx.ID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get contract: got status %d", rec.Code)
	}
}

func TestTransactionValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/transactions?status=bogus", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status filter, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/transactions", requestServiceRequest{
		ServiceType: "data_processing",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing requester, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/transactions", requestServiceRequest{
		RequesterID: "lonely",
		ServiceType: "nonexistent_service",
	}, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 when no provider matches, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/transactions/missing", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown transaction, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPut, "/api/v1/transactions", nil, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for PUT, got %d", rec.Code)
	}
}

func TestChainEndpoints(t *testing.T) {
	env := newTestEnv(t)

	env.chain.RecordTransaction("tx-chain-1", map[string]any{"status": "completed"})
	if _, err := env.chain.Mine("miner-1"); err != nil {
		t.Fatalf("mine block: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/chain", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("chain status: got status %d", rec.Code)
	}
	var status map[string]any
	decodeJSON(t, rec, &status)
	if status["height"].(float64) < 1 {
		t.Fatalf("expected height >= 1, got %v", status["height"])
	}

	rec = env.do(t, http.MethodGet, "/api/v1/chain/blocks?limit=1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("chain blocks: got status %d", rec.Code)
	}
	var page struct {
		Height int64          `json:"height"`
		Blocks []ledger.Block `json:"blocks"`
	}
	decodeJSON(t, rec, &page)
	if len(page.Blocks) != 1 || page.Blocks[0].Index != page.Height {
		t.Fatalf("unexpected block page: %+v", page)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/chain/validate", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("chain validate: got status %d", rec.Code)
	}
	var verdict map[string]any
	decodeJSON(t, rec, &verdict)
	if verdict["valid"] != true {
		t.Fatalf("expected a valid chain, got %v", verdict)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/chain/records/tx-chain-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("record history: got status %d", rec.Code)
	}
	var history []ledger.HistoryEntry
	decodeJSON(t, rec, &history)
	if len(history) != 1 || history[0].Pending {
		t.Fatalf("unexpected history: %+v", history)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/chain/records/unknown", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown record, got %d", rec.Code)
	}
}

func TestContractEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.contracts.Open("contract-1", "provider-1", "consumer-1", "analysis", nil, 3); err != nil {
		t.Fatalf("open contract: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/contracts/contract-1", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get contract: got status %d", rec.Code)
	}
	var detail contractResponse
	decodeJSON(t, rec, &detail)
	if detail.Contract.State != ledger.ContractPending {
		t.Fatalf("unexpected initial state: %q", detail.Contract.State)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/contracts/contract-1/activate", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("activate contract: got status %d body %s", rec.Code, rec.Body.String())
	}
	decodeJSON(t, rec, &detail)
	if detail.Contract.State != ledger.ContractActive {
		t.Fatalf("unexpected state after activate: %q", detail.Contract.State)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/contracts/contract-1/complete",
		contractActionRequest{Metadata: map[string]any{"note": "done"}}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete contract: got status %d", rec.Code)
	}
	decodeJSON(t, rec, &detail)
	if detail.Contract.State != ledger.ContractCompleted {
		t.Fatalf("unexpected state after complete: %q", detail.Contract.State)
	}
	if len(detail.Events) == 0 {
		t.Fatalf("expected contract events to be recorded")
	}

	// 终态之后不允许再迁移。
	rec = env.do(t, http.MethodPost, "/api/v1/contracts/contract-1/cancel", nil, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for invalid transition, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/contracts/contract-1/escalate", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/contracts/missing", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown contract, got %d", rec.Code)
	}
}

func TestContractsDisabled(t *testing.T) {
	registry := agent.NewRegistry()
	market := marketplace.NewService(registry, marketplace.NewMemoryStore(), marketplace.NewMemoryQueue(4), 3)
	server := NewServer(":0", registry, market, ledger.NewChain())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/contracts/any", nil)
	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without contract manager, got %d", rec.Code)
	}
}

func TestSecurityProtectedFlow(t *testing.T) {
	sec, err := security.NewService(security.Config{
		Mode:        security.ModeToken,
		TokenSecret: "0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("create security service: %v", err)
	}
	env := newTestEnv(t, WithSecurity(sec))

	requester := env.registerAgent(t, "client", "translation", []string{"translation"})
	if requester.Credentials == nil || requester.Credentials.PrivateKey == "" {
		t.Fatalf("expected access credentials in register response")
	}
	env.registerAgent(t, "worker", "DataProcessing", []string{"data_processing"})

	// 未认证的请求被拒绝。
	rec := env.do(t, http.MethodGet, "/api/v1/agents", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/auth/token", issueTokenRequest{
		AgentID:    requester.Agent.ID,
		PrivateKey: requester.Credentials.PrivateKey,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("issue token: got status %d body %s", rec.Code, rec.Body.String())
	}
	var issued map[string]string
	decodeJSON(t, rec, &issued)
	token := issued["token"]
	if token == "" {
		t.Fatalf("issued token is empty")
	}

	rec = env.do(t, http.MethodGet, "/api/v1/agents", nil, token)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized list agents: got status %d", rec.Code)
	}

	// 不能冒用他人身份发起服务请求。
	rec = env.do(t, http.MethodPost, "/api/v1/transactions", requestServiceRequest{
		RequesterID: "someone-else",
		ServiceType: "data_processing",
	}, token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for impersonation, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/transactions", requestServiceRequest{
		RequesterID: requester.Agent.ID,
		ServiceType: "data_processing",
		MaxPrice:    5,
	}, token)
	if rec.Code != http.StatusCreated {
		t.Fatalf("authorized service request: got status %d body %s", rec.Code, rec.Body.String())
	}

	// 错误的凭据换不到令牌。
	rec = env.do(t, http.MethodPost, "/api/v1/auth/token", issueTokenRequest{
		AgentID:    requester.Agent.ID,
		PrivateKey: "forged",
	}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %d", rec.Code)
	}
}

func TestIssueTokenWithoutSecurity(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/token", issueTokenRequest{
		AgentID:    "anyone",
		PrivateKey: "anything",
	}, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when security disabled, got %d", rec.Code)
	}
}

func TestChainBlocksLimitValidation(t *testing.T) {
	env := newTestEnv(t)

	for _, raw := range []string{"0", "-3", "abc"} {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/chain/blocks?limit=%s", raw), nil, "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", raw, rec.Code)
		}
	}
}
