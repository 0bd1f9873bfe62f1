package comms

import (
	"context"
	"testing"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

func TestCallerRequestReceivesCorrelatedReply(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	requester, err := NewCaller("agent-a", broker)
	if err != nil {
		t.Fatalf("创建请求方失败: %v", err)
	}
	defer requester.Close()

	responder, err := NewCaller("agent-b", broker)
	if err != nil {
		t.Fatalf("创建应答方失败: %v", err)
	}
	defer responder.Close()

	reply, err := requester.Request(context.Background(), "agent-b", map[string]any{"task": "ping"})
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	if reply.Type != TypeResponse {
		t.Fatalf("应答类别应为 response，实际 %s", reply.Type)
	}
	if reply.Sender != "agent-b" {
		t.Fatalf("应答方应为 agent-b，实际 %s", reply.Sender)
	}
	if requester.PendingCount() != 0 {
		t.Fatalf("请求完成后不应有在途请求，实际 %d", requester.PendingCount())
	}
}

func TestCallerRequestTimesOutWithoutReply(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	requester, err := NewCaller("agent-a", broker, WithRequestTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("创建请求方失败: %v", err)
	}
	defer requester.Close()

	start := time.Now()
	_, err = requester.Request(context.Background(), "nobody", nil)
	if err == nil {
		t.Fatalf("无人应答时应超时")
	}
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("错误码应为 timeout，实际 %s", xerrors.CodeOf(err))
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("超时耗时异常: %v", elapsed)
	}
}

func TestCallerDropsUnknownCorrelation(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	requester, err := NewCaller("agent-a", broker)
	if err != nil {
		t.Fatalf("创建请求方失败: %v", err)
	}
	defer requester.Close()

	stray := NewMessage(TypeResponse, "agent-b", "agent-a", nil)
	stray.CorrelationID = "no-such-request"
	if err := broker.Publish(context.Background(), stray); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	if requester.PendingCount() != 0 {
		t.Fatalf("陌生关联 ID 不应产生在途请求")
	}
}

func TestCallerRequestHonorsContextCancel(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	requester, err := NewCaller("agent-a", broker, WithRequestTimeout(10*time.Second))
	if err != nil {
		t.Fatalf("创建请求方失败: %v", err)
	}
	defer requester.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := requester.Request(ctx, "nobody", nil); err == nil {
		t.Fatalf("上下文取消后请求应返回错误")
	}
}

func TestCallerNotifyDoesNotWait(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	rec := &recorder{}
	if _, err := broker.Subscribe("agent-b", rec.handle); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	requester, err := NewCaller("agent-a", broker)
	if err != nil {
		t.Fatalf("创建请求方失败: %v", err)
	}
	defer requester.Close()

	if err := requester.Notify(context.Background(), "agent-b", map[string]any{"note": 1}); err != nil {
		t.Fatalf("发送事件失败: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("事件应即时投递，实际 %d", rec.count())
	}
	got, _ := rec.last()
	if got.Type != TypeEvent {
		t.Fatalf("事件类别应为 event，实际 %s", got.Type)
	}
}
