package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/lunar-bby/AgoraAI/internal/anchor"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

func TestClientAnchorSnapshotSubscribe(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	chainID := big.NewInt(1337)
	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	}, simulated.WithBlockGasLimit(8_000_000))
	t.Cleanup(func() { backend.Close() })

	client := NewSimulatedClient("simulated", chainID, key, backend)
	t.Cleanup(client.Close)

	sub, err := client.SubscribeNewHeads(ctx)
	if err != nil {
		t.Fatalf("subscribe heads: %v", err)
	}
	defer sub.Close()

	checkpoint := anchor.Checkpoint{Height: 42, BlockHash: "0xabc123"}
	receipt, err := client.AnchorCheckpoint(ctx, checkpoint)
	if err != nil {
		t.Fatalf("anchor checkpoint: %v", err)
	}
	if receipt.TxHash == "" {
		t.Fatal("expected anchoring tx hash")
	}
	if receipt.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", receipt.ChainID)
	}
	if receipt.Height != checkpoint.Height || receipt.BlockHash != checkpoint.BlockHash {
		t.Fatalf("receipt does not echo checkpoint: %+v", receipt)
	}

	mined, err := waitForReceipt(ctx, backend, common.HexToHash(receipt.TxHash))
	if err != nil {
		t.Fatalf("wait mined: %v", err)
	}
	if mined.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected receipt status %d", mined.Status)
	}

	tx, _, err := backend.Client().TransactionByHash(ctx, common.HexToHash(receipt.TxHash))
	if err != nil {
		t.Fatalf("transaction by hash: %v", err)
	}
	if !strings.Contains(string(tx.Data()), checkpoint.BlockHash) {
		t.Fatalf("anchoring payload missing block hash: %s", tx.Data())
	}

	snapshot, err := client.Snapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after anchoring")
	}

	select {
	case head := <-sub.Heads():
		if head == nil || head.Number == nil {
			t.Fatal("expected non-empty head")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for new head")
	}
}

func TestClientAnchorRequiresKeyAndHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chainID := big.NewInt(1337)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	backend := simulated.NewBackend(coretypes.GenesisAlloc{
		from: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	})
	t.Cleanup(func() { backend.Close() })

	keyless := NewSimulatedClient("simulated", chainID, nil, backend)
	t.Cleanup(keyless.Close)
	if _, err := keyless.AnchorCheckpoint(ctx, anchor.Checkpoint{Height: 1, BlockHash: "0x01"}); err == nil {
		t.Fatal("expected error without signing key")
	}

	signer := NewSimulatedClient("simulated", chainID, key, backend)
	t.Cleanup(signer.Close)
	if _, err := signer.AnchorCheckpoint(ctx, anchor.Checkpoint{Height: 1}); err == nil {
		t.Fatal("expected error for empty block hash")
	}
}

func waitForReceipt(ctx context.Context, backend *simulated.Backend, hash common.Hash) (*coretypes.Receipt, error) {
	backend.Commit()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := backend.Client().TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			backend.Commit()
		}
	}
}

var _ anchor.Client = (*Client)(nil)
