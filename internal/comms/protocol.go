package comms

// Responder 为收到的消息生成自动应答。
type Responder interface {
	Respond(message Message) (Message, bool)
}

// ProtocolResponder 实现基础协议应答:
// 请求回执、错误确认与心跳探活，其余类别不作应答。
type ProtocolResponder struct{}

// Respond 实现 Responder 接口。
// 带关联 ID 的消息本身已是应答，不再回复，避免两端无限互答。
func (ProtocolResponder) Respond(message Message) (Message, bool) {
	if message.CorrelationID != "" {
		return Message{}, false
	}
	switch message.Type {
	case TypeRequest:
		return message.Reply(TypeResponse, map[string]any{"status": "received"}), true
	case TypeError:
		return message.Reply(TypeError, map[string]any{"status": "acknowledged"}), true
	case TypeHeartbeat:
		return message.Reply(TypeHeartbeat, map[string]any{"status": "alive"}), true
	default:
		return Message{}, false
	}
}

var _ Responder = ProtocolResponder{}
