package agoraai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgoraAI marketplace REST API.
// When the target daemon runs with security enabled, call Authenticate first;
// the stored token is attached to every subsequent request.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents access credentials used to obtain tokens.
type Credentials struct {
	AgentID    string `json:"agent_id"`
	PrivateKey string `json:"private_key"`
}

// Token represents an issued access token.
type Token struct {
	Token   string `json:"token"`
	AgentID string `json:"agent_id"`
}

// AgentMetadata carries the runtime statistics tracked per agent.
type AgentMetadata struct {
	CreatedAt              time.Time `json:"created_at"`
	LastActive             time.Time `json:"last_active"`
	ReputationScore        float64   `json:"reputation_score"`
	TotalTransactions      int       `json:"total_transactions"`
	SuccessfulTransactions int       `json:"successful_transactions"`
}

// Agent is the registry view of a marketplace participant.
type Agent struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	Capabilities []string      `json:"capabilities"`
	Address      string        `json:"address,omitempty"`
	Metadata     AgentMetadata `json:"metadata"`
}

// AgentRegistration is the payload required to register a new agent. Leave
// PrivateKey empty to let the daemon generate an on-chain identity.
type AgentRegistration struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities,omitempty"`
	PrivateKey   string   `json:"private_key,omitempty"`
}

// AccessCredentials are issued alongside registration when security is
// enabled on the daemon.
type AccessCredentials struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// RegisteredAgent is the registration response. PrivateKey holds the
// generated identity key and is only returned once.
type RegisteredAgent struct {
	Agent       Agent              `json:"agent"`
	PrivateKey  string             `json:"private_key,omitempty"`
	Credentials *AccessCredentials `json:"credentials,omitempty"`
}

// ServiceRequest is the payload required to request a service.
type ServiceRequest struct {
	RequesterID  string         `json:"requester_id"`
	ServiceType  string         `json:"service_type"`
	MaxPrice     float64        `json:"max_price"`
	Requirements map[string]any `json:"requirements,omitempty"`
}

// Transaction mirrors a marketplace transaction.
type Transaction struct {
	ID          string         `json:"id"`
	RequesterID string         `json:"requester_id"`
	ProviderID  string         `json:"provider_id"`
	ServiceType string         `json:"service_type"`
	Status      string         `json:"status"`
	Amount      float64        `json:"amount"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
	CompletedAt int64          `json:"completed_at,omitempty"`
}

// TransactionStats aggregates transactions by status.
type TransactionStats struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Processing      int     `json:"processing"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Cancelled       int     `json:"cancelled"`
	Volume          float64 `json:"volume"`
	OldestUpdatedAt int64   `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64   `json:"newest_updated_at,omitempty"`
}

// ListTransactionsOptions filters transaction listings. Zero values are
// omitted from the query.
type ListTransactionsOptions struct {
	Limit    int
	Offset   int
	Statuses []string
	AgentID  string
}

// LedgerRecord is a single entry recorded on the ledger.
type LedgerRecord struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Sender    string         `json:"sender,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Amount    float64        `json:"amount,omitempty"`
	Reference string         `json:"reference,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Block is a mined ledger block.
type Block struct {
	Index        int64          `json:"index"`
	Timestamp    int64          `json:"timestamp"`
	Records      []LedgerRecord `json:"records"`
	PreviousHash string         `json:"previous_hash"`
	Nonce        int64          `json:"nonce"`
	Hash         string         `json:"hash"`
}

// BlockRef identifies the chain head in status responses.
type BlockRef struct {
	Index     int64  `json:"index"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
}

// ChainStatus summarises the daemon's ledger.
type ChainStatus struct {
	Height         int64    `json:"height"`
	Difficulty     int      `json:"difficulty"`
	PendingRecords int      `json:"pending_records"`
	LatestBlock    BlockRef `json:"latest_block"`
}

// BlocksPage is a tail slice of the chain.
type BlocksPage struct {
	Height int64   `json:"height"`
	Blocks []Block `json:"blocks"`
}

// ChainValidation reports an integrity check over the full chain.
type ChainValidation struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// HistoryEntry locates a ledger record, mined or still pending.
type HistoryEntry struct {
	BlockIndex int64        `json:"block_index"`
	Timestamp  int64        `json:"timestamp"`
	Record     LedgerRecord `json:"record"`
	Pending    bool         `json:"pending,omitempty"`
}

// Contract mirrors a service contract between two agents.
type Contract struct {
	ContractID    string         `json:"contract_id"`
	ProviderID    string         `json:"provider_id"`
	ConsumerID    string         `json:"consumer_id"`
	ServiceType   string         `json:"service_type"`
	Terms         map[string]any `json:"terms,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	State         string         `json:"state"`
	PaymentAmount float64        `json:"payment_amount"`
	PaymentStatus string         `json:"payment_status"`
}

// ContractEvent is one entry of a contract's event log.
type ContractEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	OldState  string         `json:"old_state,omitempty"`
	NewState  string         `json:"new_state,omitempty"`
	Amount    float64        `json:"amount,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ContractDetail bundles a contract with its event log.
type ContractDetail struct {
	Contract Contract        `json:"contract"`
	Events   []ContractEvent `json:"events"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agoraai api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agoraai api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgoraAI API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// Authenticate exchanges access credentials for a token and stores it for
// subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.Token
	c.mu.Unlock()
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// RegisterAgent registers a new agent with the marketplace.
func (c *Client) RegisterAgent(ctx context.Context, registration AgentRegistration) (RegisteredAgent, error) {
	var registered RegisteredAgent
	if err := c.post(ctx, "/api/v1/agents", registration, &registered); err != nil {
		return RegisteredAgent{}, err
	}
	return registered, nil
}

// ListAgents returns registered agents, optionally filtered by capability.
func (c *Client) ListAgents(ctx context.Context, capability string) ([]Agent, error) {
	endpoint := "/api/v1/agents"
	if capability != "" {
		endpoint += "?capability=" + url.QueryEscape(capability)
	}
	var agents []Agent
	if err := c.get(ctx, endpoint, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetAgent fetches a single agent by identifier.
func (c *Client) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var agent Agent
	if err := c.get(ctx, "/api/v1/agents/"+url.PathEscape(agentID), &agent); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

// Heartbeat refreshes an agent's liveness so the registry does not evict it.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	return c.post(ctx, "/api/v1/agents/"+url.PathEscape(agentID)+"/heartbeat", nil, nil)
}

// UnregisterAgent removes an agent from the registry.
func (c *Client) UnregisterAgent(ctx context.Context, agentID string) error {
	return c.delete(ctx, "/api/v1/agents/"+url.PathEscape(agentID))
}

// RequestService matches a provider for the requested service type and
// creates a pending transaction.
func (c *Client) RequestService(ctx context.Context, request ServiceRequest) (Transaction, error) {
	var tx Transaction
	if err := c.post(ctx, "/api/v1/transactions", request, &tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// GetTransaction fetches a transaction by identifier.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	var tx Transaction
	if err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(transactionID), &tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// ExecuteTransaction drives a pending transaction through its provider
// synchronously and returns the settled result.
func (c *Client) ExecuteTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	var tx Transaction
	if err := c.post(ctx, "/api/v1/transactions/"+url.PathEscape(transactionID)+"/execute", nil, &tx); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// ListTransactions queries transactions with the given filters.
func (c *Client) ListTransactions(ctx context.Context, opts ListTransactionsOptions) ([]Transaction, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.AgentID != "" {
		query.Set("agent", opts.AgentID)
	}
	endpoint := "/api/v1/transactions"
	if encoded := query.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var txs []Transaction
	if err := c.get(ctx, endpoint, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// TransactionStats returns transaction aggregates, optionally scoped to one
// agent.
func (c *Client) TransactionStats(ctx context.Context, agentID string) (TransactionStats, error) {
	endpoint := "/api/v1/transactions/stats"
	if agentID != "" {
		endpoint += "?agent=" + url.QueryEscape(agentID)
	}
	var stats TransactionStats
	if err := c.get(ctx, endpoint, &stats); err != nil {
		return TransactionStats{}, err
	}
	return stats, nil
}

// ChainStatus returns the ledger head summary.
func (c *Client) ChainStatus(ctx context.Context) (ChainStatus, error) {
	var status ChainStatus
	if err := c.get(ctx, "/api/v1/chain", &status); err != nil {
		return ChainStatus{}, err
	}
	return status, nil
}

// ChainBlocks returns the last blocks of the ledger, newest last.
func (c *Client) ChainBlocks(ctx context.Context, limit int) (BlocksPage, error) {
	endpoint := "/api/v1/chain/blocks"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var page BlocksPage
	if err := c.get(ctx, endpoint, &page); err != nil {
		return BlocksPage{}, err
	}
	return page, nil
}

// ValidateChain asks the daemon to verify its ledger integrity.
func (c *Client) ValidateChain(ctx context.Context) (ChainValidation, error) {
	var verdict ChainValidation
	if err := c.post(ctx, "/api/v1/chain/validate", nil, &verdict); err != nil {
		return ChainValidation{}, err
	}
	return verdict, nil
}

// RecordHistory locates ledger records by record ID or business reference,
// for example a transaction ID.
func (c *Client) RecordHistory(ctx context.Context, idOrReference string) ([]HistoryEntry, error) {
	var history []HistoryEntry
	if err := c.get(ctx, "/api/v1/chain/records/"+url.PathEscape(idOrReference), &history); err != nil {
		return nil, err
	}
	return history, nil
}

// GetContract fetches a service contract and its event log.
func (c *Client) GetContract(ctx context.Context, contractID string) (ContractDetail, error) {
	var detail ContractDetail
	if err := c.get(ctx, "/api/v1/contracts/"+url.PathEscape(contractID), &detail); err != nil {
		return ContractDetail{}, err
	}
	return detail, nil
}

// UpdateContract applies a lifecycle action to a contract. Supported actions
// are activate, complete, cancel and dispute.
func (c *Client) UpdateContract(ctx context.Context, contractID, action string, metadata map[string]any) (ContractDetail, error) {
	payload := struct {
		Metadata map[string]any `json:"metadata,omitempty"`
	}{Metadata: metadata}
	var detail ContractDetail
	endpoint := "/api/v1/contracts/" + url.PathEscape(contractID) + "/" + url.PathEscape(action)
	if err := c.post(ctx, endpoint, payload, &detail); err != nil {
		return ContractDetail{}, err
	}
	return detail, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) delete(ctx context.Context, endpoint string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	query := ""
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint, query = endpoint[:i], endpoint[i+1:]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
