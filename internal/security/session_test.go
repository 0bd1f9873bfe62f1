package security

import (
	"errors"
	"testing"
	"time"
)

func newTestAuthenticator(t *testing.T) (*Authenticator, Credentials) {
	t.Helper()
	auth, err := NewAuthenticator("unit-test-secret")
	if err != nil {
		t.Fatalf("创建认证器失败: %v", err)
	}
	creds, err := auth.RegisterAgent("agent-1")
	if err != nil {
		t.Fatalf("注册凭据失败: %v", err)
	}
	return auth, creds
}

func TestSessionLifecycle(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	sessions := NewSessionManager(auth)

	sessionID, err := sessions.Create("agent-1")
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	if sessionID == "" {
		t.Fatalf("会话 ID 不能为空")
	}
	if !sessions.Validate(sessionID) {
		t.Fatalf("新会话应通过校验")
	}

	view, ok := sessions.Get(sessionID)
	if !ok {
		t.Fatalf("应能读取会话视图")
	}
	if view.AgentID != "agent-1" {
		t.Fatalf("会话归属错误: %s", view.AgentID)
	}

	if !sessions.UpdateMetadata(sessionID, map[string]any{"channel": "sdk"}) {
		t.Fatalf("更新元数据失败")
	}
	view, _ = sessions.Get(sessionID)
	if view.Metadata["channel"] != "sdk" {
		t.Fatalf("元数据未合并: %v", view.Metadata)
	}

	sessions.Terminate(sessionID)
	if sessions.Validate(sessionID) {
		t.Fatalf("终止后的会话不应通过校验")
	}
}

func TestSessionRejectsUnknownAgent(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	sessions := NewSessionManager(auth)

	if _, err := sessions.Create("ghost"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("未注册智能体应返回 ErrUnknownAgent，实际 %v", err)
	}
}

func TestSessionExpiresAfterIdle(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	sessions := NewSessionManager(auth, WithSessionTTL(50*time.Millisecond))

	sessionID, err := sessions.Create("agent-1")
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if sessions.Validate(sessionID) {
		t.Fatalf("空闲超时的会话应失效")
	}
	if sessions.Count() != 0 {
		t.Fatalf("失效会话应被清除，剩余 %d", sessions.Count())
	}
}

func TestSessionRefreshSlidesExpiry(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	sessions := NewSessionManager(auth, WithSessionTTL(150*time.Millisecond))

	sessionID, err := sessions.Create("agent-1")
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}

	// 持续续期应让会话跨过单个 TTL 周期。
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		if !sessions.Refresh(sessionID) {
			t.Fatalf("第 %d 次续期失败", i+1)
		}
	}
}

func TestSessionSweepRemovesExpired(t *testing.T) {
	auth, _ := newTestAuthenticator(t)
	sessions := NewSessionManager(auth, WithSessionTTL(30*time.Millisecond))

	for i := 0; i < 3; i++ {
		if _, err := sessions.Create("agent-1"); err != nil {
			t.Fatalf("创建会话失败: %v", err)
		}
	}
	time.Sleep(80 * time.Millisecond)
	sessions.Sweep()
	if sessions.Count() != 0 {
		t.Fatalf("清理后不应有剩余会话，实际 %d", sessions.Count())
	}
}
