package comms

import (
	"context"
	"sync"
	"testing"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) last() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		return Message{}, false
	}
	return r.msgs[len(r.msgs)-1], true
}

func TestMemoryBrokerDeliversToRecipientAndWildcard(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	direct := &recorder{}
	watcher := &recorder{}
	other := &recorder{}

	if _, err := broker.Subscribe("agent-a", direct.handle); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	if _, err := broker.Subscribe(BroadcastTopic, watcher.handle); err != nil {
		t.Fatalf("订阅广播失败: %v", err)
	}
	if _, err := broker.Subscribe("agent-b", other.handle); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	msg := NewMessage(TypeEvent, "agent-b", "agent-a", map[string]any{"k": "v"})
	if err := broker.Publish(context.Background(), msg); err != nil {
		t.Fatalf("发布失败: %v", err)
	}

	if direct.count() != 1 {
		t.Fatalf("收件方应收到 1 条消息，实际 %d", direct.count())
	}
	if watcher.count() != 1 {
		t.Fatalf("广播订阅方应收到 1 条消息，实际 %d", watcher.count())
	}
	if other.count() != 0 {
		t.Fatalf("无关主题不应收到消息，实际 %d", other.count())
	}
}

func TestMemoryBrokerBroadcastRecipientDeliveredOnce(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	watcher := &recorder{}
	if _, err := broker.Subscribe(BroadcastTopic, watcher.handle); err != nil {
		t.Fatalf("订阅广播失败: %v", err)
	}

	msg := NewMessage(TypeEvent, "agent-a", BroadcastTopic, nil)
	if err := broker.Publish(context.Background(), msg); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	if watcher.count() != 1 {
		t.Fatalf("广播消息应只投递一次，实际 %d", watcher.count())
	}
}

func TestMemoryBrokerDuplicateSubscribeIsAdditive(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	rec := &recorder{}
	if _, err := broker.Subscribe("agent-a", rec.handle); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	if _, err := broker.Subscribe("agent-a", rec.handle); err != nil {
		t.Fatalf("重复订阅失败: %v", err)
	}

	msg := NewMessage(TypeEvent, "agent-b", "agent-a", nil)
	if err := broker.Publish(context.Background(), msg); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	if rec.count() != 2 {
		t.Fatalf("重复订阅应叠加投递 2 次，实际 %d", rec.count())
	}
}

func TestMemoryBrokerUnsubscribeStopsDelivery(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	rec := &recorder{}
	unsub, err := broker.Subscribe("agent-a", rec.handle)
	if err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	unsub()

	msg := NewMessage(TypeEvent, "agent-b", "agent-a", nil)
	if err := broker.Publish(context.Background(), msg); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("取消订阅后不应再收到消息，实际 %d", rec.count())
	}
}

func TestMemoryBrokerHistoryKeepsRecentPerSender(t *testing.T) {
	broker := NewMemoryBroker(WithHistoryLimit(3))
	defer broker.Close()

	for i := 0; i < 5; i++ {
		msg := NewMessage(TypeEvent, "agent-a", "agent-b", map[string]any{"seq": i})
		if err := broker.Publish(context.Background(), msg); err != nil {
			t.Fatalf("发布失败: %v", err)
		}
	}

	history, err := broker.History(context.Background(), "agent-a", 10)
	if err != nil {
		t.Fatalf("读取历史失败: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("历史应裁剪到 3 条，实际 %d", len(history))
	}
	if seq, _ := contentInt(history[0].Content, "seq"); seq != 2 {
		t.Fatalf("历史应保留最新消息，首条 seq=%d", seq)
	}
	if seq, _ := contentInt(history[2].Content, "seq"); seq != 4 {
		t.Fatalf("历史应按时间先后排序，末条 seq=%d", seq)
	}

	limited, err := broker.History(context.Background(), "agent-a", 1)
	if err != nil {
		t.Fatalf("读取历史失败: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit=1 应只返回 1 条，实际 %d", len(limited))
	}
}

func TestMemoryBrokerResponderGeneratesReply(t *testing.T) {
	broker := NewMemoryBroker(WithResponder(ProtocolResponder{}))
	defer broker.Close()

	requester := &recorder{}
	if _, err := broker.Subscribe("agent-a", requester.handle); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	request := NewMessage(TypeRequest, "agent-a", "agent-b", map[string]any{"q": 1})
	if err := broker.Publish(context.Background(), request); err != nil {
		t.Fatalf("发布失败: %v", err)
	}

	reply, ok := requester.last()
	if !ok {
		t.Fatalf("请求方应收到自动应答")
	}
	if reply.Type != TypeResponse {
		t.Fatalf("应答类别应为 response，实际 %s", reply.Type)
	}
	if reply.CorrelationID != request.ID {
		t.Fatalf("应答应关联原始请求 %s，实际 %s", request.ID, reply.CorrelationID)
	}
}

func TestMemoryBrokerRejectsInvalidMessage(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	msg := NewMessage(TypeEvent, "", "agent-a", nil)
	if err := broker.Publish(context.Background(), msg); err == nil {
		t.Fatalf("缺少发送方的消息应被拒绝")
	}
}
