package ledger

import (
	"fmt"
	"sync"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"

	"github.com/google/uuid"
)

// ContractState 表示服务合约的生命周期状态。
type ContractState string

const (
	ContractPending   ContractState = "pending"
	ContractActive    ContractState = "active"
	ContractCompleted ContractState = "completed"
	ContractCancelled ContractState = "cancelled"
	ContractDisputed  ContractState = "disputed"
)

// 支付状态。
const (
	PaymentPending   = "pending"
	PaymentCompleted = "completed"
)

// validTransitions 定义合约状态机的合法迁移。
// 完成与取消是终态。
var validTransitions = map[ContractState]map[ContractState]struct{}{
	ContractPending:   {ContractActive: {}, ContractCancelled: {}},
	ContractActive:    {ContractCompleted: {}, ContractDisputed: {}},
	ContractDisputed:  {ContractCompleted: {}, ContractCancelled: {}},
	ContractCompleted: {},
	ContractCancelled: {},
}

// ServiceContract 描述服务提供方与消费方之间的约定。
type ServiceContract struct {
	ContractID    string         `json:"contract_id"`
	ProviderID    string         `json:"provider_id"`
	ConsumerID    string         `json:"consumer_id"`
	ServiceType   string         `json:"service_type"`
	Terms         map[string]any `json:"terms,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       *time.Time     `json:"end_time,omitempty"`
	State         ContractState  `json:"state"`
	PaymentAmount float64        `json:"payment_amount"`
	PaymentStatus string         `json:"payment_status"`
}

// ContractEvent 记录合约上发生的一次事件。
type ContractEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	OldState  ContractState  `json:"old_state,omitempty"`
	NewState  ContractState  `json:"new_state,omitempty"`
	Amount    float64        `json:"amount,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SmartContract 在服务合约之上执行状态机与支付校验，并记录事件。
type SmartContract struct {
	mu       sync.Mutex
	contract ServiceContract
	events   []ContractEvent
}

// NewSmartContract 基于服务合约创建可执行合约。
func NewSmartContract(contract ServiceContract) *SmartContract {
	if contract.ContractID == "" {
		contract.ContractID = uuid.NewString()
	}
	if contract.State == "" {
		contract.State = ContractPending
	}
	if contract.PaymentStatus == "" {
		contract.PaymentStatus = PaymentPending
	}
	if contract.StartTime.IsZero() {
		contract.StartTime = time.Now()
	}
	return &SmartContract{contract: contract}
}

// Contract 返回合约内容的副本。
func (s *SmartContract) Contract() ServiceContract {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := s.contract
	if s.contract.Terms != nil {
		clone.Terms = make(map[string]any, len(s.contract.Terms))
		for key, value := range s.contract.Terms {
			clone.Terms[key] = value
		}
	}
	return clone
}

// State 返回合约当前状态。
func (s *SmartContract) State() ContractState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contract.State
}

// ValidateTransition 判断目标状态是否为合法迁移。
func (s *SmartContract) ValidateTransition(next ContractState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return validTransition(s.contract.State, next)
}

// UpdateState 执行一次状态迁移并记录事件。
func (s *SmartContract) UpdateState(next ContractState, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !validTransition(s.contract.State, next) {
		return xerrors.New(xerrors.CodeContractViolation,
			fmt.Sprintf("合约 %s 不允许从 %s 迁移到 %s", s.contract.ContractID, s.contract.State, next))
	}

	previous := s.contract.State
	s.contract.State = next
	s.events = append(s.events, ContractEvent{
		Timestamp: time.Now(),
		Type:      "state_change",
		OldState:  previous,
		NewState:  next,
		Metadata:  metadata,
	})
	return nil
}

// ProcessPayment 校验并登记一笔支付，金额必须与约定完全一致。
func (s *SmartContract) ProcessPayment(amount float64, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount != s.contract.PaymentAmount {
		return xerrors.New(xerrors.CodeContractViolation,
			fmt.Sprintf("支付金额 %f 与约定 %f 不符", amount, s.contract.PaymentAmount))
	}

	s.contract.PaymentStatus = PaymentCompleted
	s.events = append(s.events, ContractEvent{
		Timestamp: time.Now(),
		Type:      "payment",
		Amount:    amount,
		Metadata:  metadata,
	})
	return nil
}

// Events 返回合约事件列表的副本。
func (s *SmartContract) Events() []ContractEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ContractEvent(nil), s.events...)
}

// VerifyCompletion 判断合约是否已完成且支付闭环。
func (s *SmartContract) VerifyCompletion() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contract.State != ContractCompleted {
		return false
	}
	if s.contract.PaymentStatus != PaymentCompleted {
		return false
	}
	if s.contract.EndTime != nil && time.Now().Before(*s.contract.EndTime) {
		return false
	}
	return true
}

func validTransition(current, next ContractState) bool {
	allowed, ok := validTransitions[current]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}

// ContractManager 按 ID 管理运行中的合约。
type ContractManager struct {
	mu        sync.RWMutex
	contracts map[string]*SmartContract
	window    time.Duration
}

// ContractManagerOption 调整合约管理器的行为。
type ContractManagerOption func(*ContractManager)

// WithDisputeWindow 为新开合约设置争议窗口，窗口结束前 VerifyCompletion 不放行。
func WithDisputeWindow(window time.Duration) ContractManagerOption {
	return func(m *ContractManager) {
		if window > 0 {
			m.window = window
		}
	}
}

// NewContractManager 创建合约管理器。
func NewContractManager(opts ...ContractManagerOption) *ContractManager {
	m := &ContractManager{contracts: make(map[string]*SmartContract)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open 以指定 ID 创建一份新的合约。
func (m *ContractManager) Open(id, providerID, consumerID, serviceType string, terms map[string]any, amount float64) (*SmartContract, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.contracts[id]; exists {
		return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("合约 %s 已存在", id))
	}
	sc := ServiceContract{
		ContractID:    id,
		ProviderID:    providerID,
		ConsumerID:    consumerID,
		ServiceType:   serviceType,
		Terms:         terms,
		State:         ContractPending,
		PaymentAmount: amount,
		PaymentStatus: PaymentPending,
	}
	if m.window > 0 {
		end := time.Now().Add(m.window)
		sc.EndTime = &end
	}
	contract := NewSmartContract(sc)
	m.contracts[id] = contract
	return contract, nil
}

// Get 返回指定 ID 的合约。
func (m *ContractManager) Get(id string) (*SmartContract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	contract, ok := m.contracts[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("合约 %s 不存在", id))
	}
	return contract, nil
}

// Count 返回在管合约数量。
func (m *ContractManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contracts)
}
