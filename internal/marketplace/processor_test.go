package marketplace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/agent"
	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

type fakeExecutor struct {
	processed atomic.Int32
	failures  atomic.Int32
	failWith  error
	latency   time.Duration
}

func (f *fakeExecutor) Execute(ctx context.Context, tx *Transaction) (map[string]any, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return nil, f.failWith
	}
	f.processed.Add(1)
	return map[string]any{"output": "ok"}, nil
}

type fakeSettler struct {
	mu        sync.Mutex
	claimed   []string
	completed []string
	failed    []string
	terminal  bool
}

func (f *fakeSettler) OnClaimed(_ context.Context, tx *Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, tx.ID)
}

func (f *fakeSettler) OnCompleted(_ context.Context, tx *Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, tx.ID)
}

func (f *fakeSettler) OnFailed(_ context.Context, tx *Transaction, _ error, terminal bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, tx.ID)
	f.terminal = terminal
}

func TestProcessorHandlesConcurrentTransactions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 10 * time.Millisecond}

	registry := agent.NewRegistry()
	provider, err := agent.New("bob", "service", []string{"data_processing"})
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	if err := registry.Register(provider); err != nil {
		t.Fatalf("register provider: %v", err)
	}

	service := NewService(registry, store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.RequestService(ctx, "alice", "data_processing", 5, nil); err != nil {
			t.Fatalf("请求服务失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		if int(exec.processed.Load()) >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("交易未能及时处理，已完成 %d", exec.processed.Load())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesUntilSuccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{failWith: xerrors.New(xerrors.CodeAgentOffline, "提供方暂时不可用")}
	exec.failures.Store(2)

	tx := &Transaction{ID: "t1", RequesterID: "alice", ProviderID: "bob", ServiceType: "data_processing", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if err := queue.Publish(ctx, tx.ID); err != nil {
		t.Fatalf("publish transaction: %v", err)
	}

	processor := NewProcessor(exec, store, queue, queue)
	go func() {
		_ = processor.Start(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		current, err := store.Get(ctx, tx.ID)
		if err != nil {
			t.Fatalf("get transaction: %v", err)
		}
		if current.Status == StatusCompleted {
			if current.Attempts != 3 {
				t.Fatalf("expected 3 attempts, got %d", current.Attempts)
			}
			cancel()
			return
		}
		select {
		case <-deadline:
			t.Fatalf("transaction never completed: %+v", current)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

type fakeRecovery struct {
	fallback map[string]any
}

func (f *fakeRecovery) Recover(_ context.Context, _ *Transaction, _ error) (map[string]any, error) {
	return cloneMetadata(f.fallback), nil
}

func TestProcessorAppliesRecoveryFallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{failWith: xerrors.New(xerrors.CodeInvalidArgument, "请求参数无效")}
	exec.failures.Store(100)

	tx := &Transaction{ID: "t1", RequesterID: "alice", ProviderID: "bob", ServiceType: "data_processing", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if err := queue.Publish(ctx, tx.ID); err != nil {
		t.Fatalf("publish transaction: %v", err)
	}

	processor := NewProcessor(exec, store, queue, queue, WithRecoveryHandler(&fakeRecovery{fallback: map[string]any{"output": "cached"}}))
	go func() {
		_ = processor.Start(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		current, err := store.Get(ctx, tx.ID)
		if err != nil {
			t.Fatalf("get transaction: %v", err)
		}
		if current.Status == StatusCompleted {
			if current.Result["output"] != "cached" {
				t.Fatalf("expected cached fallback result, got %+v", current.Result)
			}
			if _, ok := current.Result["degraded"]; !ok {
				t.Fatalf("expected degraded marker in result: %+v", current.Result)
			}
			cancel()
			return
		}
		select {
		case <-deadline:
			t.Fatalf("transaction never degraded: %+v", current)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProcessorNotifiesSettler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{}
	settler := &fakeSettler{}

	tx := &Transaction{ID: "t1", RequesterID: "alice", ProviderID: "bob", ServiceType: "data_processing", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	if err := queue.Publish(ctx, tx.ID); err != nil {
		t.Fatalf("publish transaction: %v", err)
	}

	processor := NewProcessor(exec, store, queue, queue, WithSettler(settler))
	go func() {
		_ = processor.Start(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		settler.mu.Lock()
		claimed := len(settler.claimed)
		completed := len(settler.completed)
		settler.mu.Unlock()
		if claimed == 1 && completed == 1 {
			cancel()
			return
		}
		select {
		case <-deadline:
			t.Fatalf("settler not notified: claimed=%d completed=%d", claimed, completed)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
