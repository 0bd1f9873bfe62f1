package anchor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/ledger"
)

type stubClient struct {
	mu          sync.Mutex
	failures    int
	checkpoints []Checkpoint
}

func (s *stubClient) Snapshot(ctx context.Context) (ChainSnapshot, error) {
	return ChainSnapshot{ChainID: "0x539", BlockNumber: "0x1"}, nil
}

func (s *stubClient) AnchorCheckpoint(ctx context.Context, checkpoint Checkpoint) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return Receipt{}, errors.New("node unavailable")
	}
	s.checkpoints = append(s.checkpoints, checkpoint)
	return Receipt{
		TxHash:    "0x1",
		ChainID:   "0x539",
		Height:    checkpoint.Height,
		BlockHash: checkpoint.BlockHash,
	}, nil
}

func (s *stubClient) SubscribeNewHeads(ctx context.Context) (*HeadSubscription, error) {
	return nil, errors.New("not supported")
}

func (s *stubClient) Close() {}

func (s *stubClient) anchored() []Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Checkpoint, len(s.checkpoints))
	copy(out, s.checkpoints)
	return out
}

func TestAnchorerSubmitsHeadAfterNewBlocks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chain := ledger.NewChain(ledger.WithDifficulty(1))
	client := &stubClient{}
	anchorer := NewAnchorer(client, chain, 10*time.Millisecond, 1)
	go anchorer.Start(ctx)

	chain.RecordTransaction("tx-1", map[string]any{"status": "completed"})
	if _, err := chain.Mine("tester"); err != nil {
		t.Fatalf("mine block: %v", err)
	}
	head := chain.LatestBlock()

	deadline := time.After(5 * time.Second)
	for {
		if len(client.anchored()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for checkpoint submission")
		case <-time.After(10 * time.Millisecond):
		}
	}

	got := client.anchored()[0]
	if got.Height != head.Index || got.BlockHash != head.Hash {
		t.Fatalf("unexpected checkpoint %+v, want head %+v", got, head)
	}
}

func TestAnchorerRetriesFailedSubmission(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	chain := ledger.NewChain(ledger.WithDifficulty(1))
	client := &stubClient{failures: 2}
	anchorer := NewAnchorer(client, chain, 10*time.Millisecond, 1)
	go anchorer.Start(ctx)

	chain.RecordTransaction("tx-1", map[string]any{"status": "completed"})
	if _, err := chain.Mine("tester"); err != nil {
		t.Fatalf("mine block: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if len(client.anchored()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for retried submission")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAnchorerSkipsWhenChainIsIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chain := ledger.NewChain(ledger.WithDifficulty(1))
	client := &stubClient{}
	anchorer := NewAnchorer(client, chain, 5*time.Millisecond, 1)
	go anchorer.Start(ctx)

	time.Sleep(50 * time.Millisecond)
	cancel()

	if got := client.anchored(); len(got) != 0 {
		t.Fatalf("expected no checkpoints without new blocks, got %d", len(got))
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("  ")
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty chain map, got %+v", defs.Chains)
	}
}

var _ Client = (*stubClient)(nil)
