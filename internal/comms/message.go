package comms

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

// MessageType 枚举节点间消息的类别。
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeEvent     MessageType = "event"
	TypeError     MessageType = "error"
	TypeHeartbeat MessageType = "heartbeat"
)

// IsValidType 判断消息类别是否在支持范围内。
func IsValidType(t MessageType) bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeError, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// BroadcastTopic 表示投递给所有订阅方的收件地址。
const BroadcastTopic = "*"

// Message 是节点间通信的最小单元。
// CorrelationID 把应答关联回原始请求。
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Content       map[string]any `json:"content,omitempty"`
	Timestamp     int64          `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewMessage 创建一条带新 ID 与当前时间戳的消息。
func NewMessage(msgType MessageType, sender, recipient string, content map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: time.Now().UnixNano(),
	}
}

// Reply 生成对本消息的应答，收发双方互换并带上关联 ID。
func (m Message) Reply(msgType MessageType, content map[string]any) Message {
	reply := NewMessage(msgType, m.Recipient, m.Sender, content)
	reply.CorrelationID = m.ID
	return reply
}

// Validate 校验消息的必填字段与类别。
func (m Message) Validate() error {
	if m.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息 ID 不能为空")
	}
	if !IsValidType(m.Type) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的消息类别 %q", m.Type))
	}
	if m.Sender == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息发送方不能为空")
	}
	if m.Recipient == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息接收方不能为空")
	}
	return nil
}

// Encode 将消息序列化为 JSON。
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCommsFailure, err, "序列化消息失败")
	}
	return data, nil
}

// Decode 从 JSON 恢复消息并做严格校验。
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, xerrors.Wrap(xerrors.CodeCommsFailure, err, "反序列化消息失败")
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
