package ledger

import (
	"fmt"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

// RecordValidator 校验入账记录的基础约束。
type RecordValidator struct{}

// ValidateRecord 检查记录的必填字段与时间戳。
func (RecordValidator) ValidateRecord(record Record) error {
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录缺少 ID")
	}
	if record.Type == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("记录 %s 缺少类型", record.ID))
	}
	if record.Timestamp <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("记录 %s 缺少时间戳", record.ID))
	}
	if record.Timestamp > time.Now().UnixNano() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("记录 %s 的时间戳在未来", record.ID))
	}
	return nil
}

// ValidatePayment 在基础校验之上检查支付记录的金额与双方。
func (v RecordValidator) ValidatePayment(record Record) error {
	if err := v.ValidateRecord(record); err != nil {
		return err
	}
	if record.Amount <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("支付记录 %s 的金额必须为正", record.ID))
	}
	if record.Sender == "" || record.Recipient == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("支付记录 %s 缺少交易双方", record.ID))
	}
	if record.Sender == record.Recipient {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("支付记录 %s 的双方不能相同", record.ID))
	}
	if record.Reference == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("支付记录 %s 缺少合约引用", record.ID))
	}
	return nil
}

// ValidateContract 检查服务合约的字段与时间约束。
func (RecordValidator) ValidateContract(contract ServiceContract) error {
	if contract.ContractID == "" || contract.ProviderID == "" || contract.ConsumerID == "" || contract.ServiceType == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "合约缺少必填字段")
	}
	if contract.StartTime.After(time.Now()) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("合约 %s 的开始时间在未来", contract.ContractID))
	}
	if contract.EndTime != nil && !contract.EndTime.After(contract.StartTime) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("合约 %s 的结束时间必须晚于开始时间", contract.ContractID))
	}
	if contract.PaymentAmount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("合约 %s 的金额不能为负", contract.ContractID))
	}
	return nil
}

// ChainValidator 对外部提交的区块与整条链做完整性校验。
type ChainValidator struct {
	difficulty int
	records    RecordValidator
}

// NewChainValidator 按指定难度创建链校验器。
func NewChainValidator(difficulty int) *ChainValidator {
	if difficulty <= 0 {
		difficulty = 4
	}
	return &ChainValidator{difficulty: difficulty}
}

// ValidateBlock 校验区块结构、哈希链接与其中的每条记录。
func (v *ChainValidator) ValidateBlock(block Block, previousHash string) error {
	if block.Hash == "" || block.PreviousHash == "" {
		return xerrors.New(xerrors.CodeLedgerInvalid, fmt.Sprintf("区块 %d 结构不完整", block.Index))
	}
	if block.PreviousHash != previousHash {
		return xerrors.New(xerrors.CodeLedgerInvalid, fmt.Sprintf("区块 %d 的前驱哈希不匹配", block.Index))
	}
	if block.Hash != block.CalculateHash() {
		return xerrors.New(xerrors.CodeLedgerInvalid, fmt.Sprintf("区块 %d 的哈希与内容不符", block.Index))
	}
	if !block.HasDifficulty(v.difficulty) {
		return xerrors.New(xerrors.CodeLedgerInvalid, fmt.Sprintf("区块 %d 的哈希不满足难度要求", block.Index))
	}
	for _, record := range block.Records {
		if err := v.records.ValidateRecord(record); err != nil {
			return xerrors.Wrap(xerrors.CodeLedgerInvalid, err, fmt.Sprintf("区块 %d 包含非法记录", block.Index))
		}
	}
	return nil
}

// ValidateChain 从创世区块之后逐块校验链接与时序。
func (v *ChainValidator) ValidateChain(blocks []Block) error {
	for i := 1; i < len(blocks); i++ {
		current := blocks[i]
		previous := blocks[i-1]
		if err := v.ValidateBlock(current, previous.Hash); err != nil {
			return err
		}
		if current.Index != previous.Index+1 {
			return xerrors.New(xerrors.CodeLedgerInvalid, fmt.Sprintf("区块 %d 的序号不连续", current.Index))
		}
		if current.Timestamp <= previous.Timestamp {
			return xerrors.New(xerrors.CodeLedgerInvalid, fmt.Sprintf("区块 %d 的时间戳未递增", current.Index))
		}
	}
	return nil
}

// StateValidator 校验合约状态及其迁移。
type StateValidator struct{}

// ValidateTransition 判断状态迁移是否合法。
func (StateValidator) ValidateTransition(current, next ContractState) bool {
	return validTransition(current, next)
}

// ValidateContractState 检查合约当前状态与时间约束是否自洽。
// 已完成的合约必须过了结束时间，生效中的合约不能已经过期。
func (StateValidator) ValidateContractState(contract ServiceContract) bool {
	now := time.Now()
	switch contract.State {
	case ContractCompleted:
		if contract.EndTime == nil || now.Before(*contract.EndTime) {
			return false
		}
	case ContractActive:
		if contract.EndTime != nil && now.After(*contract.EndTime) {
			return false
		}
	}
	return true
}
