package marketplace

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	txs := []*Transaction{
		{ID: "t1", RequesterID: "alice", ProviderID: "bob", ServiceType: "data_processing", Status: StatusPending, Amount: 4, MaxRetries: 3},
		{ID: "t2", RequesterID: "alice", ProviderID: "carol", ServiceType: "data_storage", Status: StatusPending, Amount: 6, MaxRetries: 3},
		{ID: "t3", RequesterID: "dave", ProviderID: "bob", ServiceType: "data_processing", Status: StatusPending, Amount: 8, MaxRetries: 3},
	}

	for _, tx := range txs {
		if err := store.Create(ctx, tx); err != nil {
			t.Fatalf("create transaction %s: %v", tx.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "t2", CodeTransactionProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "t3", map[string]any{"output": "ok"}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	store.mu.Lock()
	store.transactions["t1"].UpdatedAt = base.Unix()
	store.transactions["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.transactions["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest transaction first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	bobs, err := store.List(ctx, buildListOptions([]ListOption{WithAgent("bob")}))
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(bobs) != 2 {
		t.Fatalf("expected 2 transactions for bob, got %d", len(bobs))
	}

	storage, err := store.List(ctx, buildListOptions([]ListOption{WithServiceType("data_storage")}))
	if err != nil {
		t.Fatalf("list by service type: %v", err)
	}
	if len(storage) != 1 || storage[0].ID != "t2" {
		t.Fatalf("unexpected service type list: %+v", storage)
	}

	completed, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "t3" {
		t.Fatalf("unexpected result list: %+v", completed)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 transactions to match since filter, got %d", len(recent))
	}

	paged, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != "t2" {
		t.Fatalf("unexpected paged list: %+v", paged)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	txs := []*Transaction{
		{ID: "a", RequesterID: "alice", ProviderID: "bob", ServiceType: "data_processing", Status: StatusPending, Amount: 4, MaxRetries: 3},
		{ID: "b", RequesterID: "alice", ProviderID: "carol", ServiceType: "data_processing", Status: StatusPending, Amount: 6, MaxRetries: 3},
		{ID: "c", RequesterID: "dave", ProviderID: "bob", ServiceType: "data_processing", Status: StatusPending, Amount: 8, MaxRetries: 3},
	}

	for _, tx := range txs {
		if err := store.Create(ctx, tx); err != nil {
			t.Fatalf("create transaction %s: %v", tx.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "b", CodeTransactionProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkCompleted(ctx, "c", map[string]any{"output": "ok"}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	store.mu.Lock()
	store.transactions["a"].UpdatedAt = base.Unix()
	store.transactions["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.transactions["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Volume != 8 {
		t.Fatalf("expected completed volume 8, got %f", stats.Volume)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
	if failedOnly.Volume != 0 {
		t.Fatalf("expected zero volume for failed stats, got %f", failedOnly.Volume)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	tx := &Transaction{ID: "t1", RequesterID: "alice", ProviderID: "bob", ServiceType: "data_processing", Status: StatusPending, MaxRetries: 2}
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim pending: %v", err)
	}
	if claimed.Status != StatusProcessing || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed transaction: %+v", claimed)
	}

	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTransactionConflict) {
		t.Fatalf("expected conflict on double claim, got %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTransactionProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("claim failed transaction for retry: %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTransactionProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed again: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTransactionExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}

	if err := store.MarkCompleted(ctx, "t1", map[string]any{"output": "ok"}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !stdErrors.Is(err, ErrTransactionCompleted) {
		t.Fatalf("expected completed error, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !stdErrors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
