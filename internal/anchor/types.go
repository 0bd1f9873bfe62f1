package anchor

import (
	"context"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// Checkpoint captures the head of the local ledger at anchoring time.
type Checkpoint struct {
	Height    int64  `json:"height"`
	BlockHash string `json:"block_hash"`
}

// Receipt describes an accepted anchoring submission.
type Receipt struct {
	TxHash    string
	ChainID   string
	Height    int64
	BlockHash string
}

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// HeadSubscription wraps a new-head subscription so callers can manage
// lifecycle without depending on the go-ethereum event package.
type HeadSubscription struct {
	heads <-chan *coretypes.Header
	sub   gethevent.Subscription
}

// NewHeadSubscription constructs a managed subscription wrapper.
func NewHeadSubscription(heads <-chan *coretypes.Header, sub gethevent.Subscription) *HeadSubscription {
	return &HeadSubscription{heads: heads, sub: sub}
}

// Heads returns the channel that receives new chain heads.
func (h *HeadSubscription) Heads() <-chan *coretypes.Header {
	return h.heads
}

// Err forwards the subscription error channel.
func (h *HeadSubscription) Err() <-chan error {
	if h == nil || h.sub == nil {
		return nil
	}
	return h.sub.Err()
}

// Close terminates the subscription.
func (h *HeadSubscription) Close() {
	if h == nil || h.sub == nil {
		return
	}
	h.sub.Unsubscribe()
}

// Client defines the common interface that any chain implementation must
// provide so higher layers can anchor against different networks uniformly.
type Client interface {
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	AnchorCheckpoint(ctx context.Context, checkpoint Checkpoint) (Receipt, error)
	SubscribeNewHeads(ctx context.Context) (*HeadSubscription, error)
	Close()
}
