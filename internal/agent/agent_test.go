package agent

import (
	"context"
	"math"
	"testing"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

func TestUpdateReputationAveragesScores(t *testing.T) {
	a, err := New("分析节点", "Analysis", []string{"data_analysis"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.UpdateReputation(4.0)
	a.UpdateReputation(2.0)

	if got := a.Reputation(); math.Abs(got-3.0) > 1e-9 {
		t.Fatalf("expected reputation 3.0, got %f", got)
	}
	snapshot := a.Snapshot()
	if snapshot.Metadata.TotalTransactions != 2 {
		t.Fatalf("expected 2 transactions, got %d", snapshot.Metadata.TotalTransactions)
	}
	if snapshot.Metadata.SuccessfulTransactions != 2 {
		t.Fatalf("expected 2 successful transactions, got %d", snapshot.Metadata.SuccessfulTransactions)
	}
}

func TestUpdateReputationZeroScoreNotSuccessful(t *testing.T) {
	a, err := New("计算节点", "Compute", []string{"computation"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a.UpdateReputation(0)

	snapshot := a.Snapshot()
	if snapshot.Metadata.TotalTransactions != 1 {
		t.Fatalf("expected 1 transaction, got %d", snapshot.Metadata.TotalTransactions)
	}
	if snapshot.Metadata.SuccessfulTransactions != 0 {
		t.Fatalf("expected 0 successful transactions, got %d", snapshot.Metadata.SuccessfulTransactions)
	}
}

func TestHandleRequestWithoutHandler(t *testing.T) {
	a, err := New("空节点", "Compute", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = a.HandleRequest(context.Background(), map[string]any{"operation": "compute"})
	if err == nil {
		t.Fatalf("expected handler failure")
	}
	if xerrors.CodeOf(err) != xerrors.CodeHandlerFailure {
		t.Fatalf("expected handler failure code, got %v", err)
	}
}

func TestFactoryCreateUnknownType(t *testing.T) {
	factory := NewDefaultFactory(nil)

	if _, err := factory.Create("Quantum", "未知节点", nil); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestFactoryBuiltinTypes(t *testing.T) {
	factory := NewDefaultFactory(nil)

	a, err := factory.Create("Storage", "存储节点", []string{"data_storage"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := a.HandleRequest(context.Background(), map[string]any{
		"operation": "store",
		"key":       "k1",
		"value":     "v1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["status"] != "success" {
		t.Fatalf("unexpected result: %+v", result)
	}

	result, err = a.HandleRequest(context.Background(), map[string]any{
		"operation": "retrieve",
		"key":       "k1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["value"] != "v1" {
		t.Fatalf("expected stored value, got %+v", result)
	}
}

func TestRegistryCapabilityIndex(t *testing.T) {
	registry := NewRegistry()

	a, err := New("数据节点", "DataProcessing", []string{"data_processing", "data_analysis"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.Register(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := registry.Register(a); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict on duplicate register, got %v", err)
	}

	matches := registry.ByCapability("data_analysis")
	if len(matches) != 1 || matches[0].ID != a.ID {
		t.Fatalf("unexpected capability matches: %+v", matches)
	}

	if err := registry.Unregister(a.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := registry.ByCapability("data_analysis"); len(got) != 0 {
		t.Fatalf("expected empty index after unregister, got %d", len(got))
	}
	if err := registry.Unregister(a.ID); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegistryMonitorEvictsIdleAgents(t *testing.T) {
	evicted := make(chan string, 1)
	registry := NewRegistry(
		WithHeartbeatInterval(20*time.Millisecond),
		WithEvictionCallback(func(s Snapshot) { evicted <- s.ID }),
	)

	a, err := New("闲置节点", "Compute", []string{"computation"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.Register(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.mu.Lock()
	a.Metadata.LastActive = time.Now().Add(-time.Minute)
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.StartMonitor(ctx)

	select {
	case id := <-evicted:
		if id != a.ID {
			t.Fatalf("unexpected eviction: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected idle agent to be evicted")
	}

	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Count())
	}
}

func TestRegistryHeartbeatKeepsAgentAlive(t *testing.T) {
	registry := NewRegistry(WithHeartbeatInterval(20 * time.Millisecond))

	a, err := New("活跃节点", "Compute", []string{"computation"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.Register(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.StartMonitor(ctx)

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := registry.Heartbeat(a.ID); err != nil {
			t.Fatalf("heartbeat failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if registry.Count() != 1 {
		t.Fatalf("expected agent to stay registered")
	}
}

func TestIdentitySignAndVerify(t *testing.T) {
	identity, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := []byte("register:数据节点")
	sig, err := identity.Sign(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !VerifySignature(identity.Address(), payload, sig) {
		t.Fatalf("expected signature to verify")
	}
	if VerifySignature(identity.Address(), []byte("tampered"), sig) {
		t.Fatalf("expected tampered payload to fail verification")
	}
}
