package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/lunar-bby/AgoraAI/internal/anchor"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// anchorGasLimit comfortably covers a self-transfer carrying a JSON payload.
const anchorGasLimit = 100_000

// Config describes how to construct an EVM compatible anchoring client.
type Config struct {
	Name   string
	RPCURL string
	WSURL  string
	Key    string
	Notes  string
}

// chainBackend mirrors the subset of node methods the anchoring flow needs.
// Both *ethclient.Client and the simulated backend client satisfy it.
type chainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// headSubscriber mirrors the subset of methods required for head subscriptions.
type headSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *coretypes.Header) (gethcore.Subscription, error)
}

// committer is implemented by test backends that mine on demand.
type committer interface {
	Commit() common.Hash
}

// Client implements the anchor.Client interface for EVM compatible chains.
type Client struct {
	name       string
	notes      string
	key        *ecdsa.PrivateKey
	from       common.Address
	rpcClient  *gethrpc.Client
	eth        *ethclient.Client
	backend    chainBackend
	headClient headSubscriber
	committer  committer
	chainID    *big.Int
	mu         sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	client := &Client{
		name:       cfg.Name,
		notes:      cfg.Notes,
		rpcClient:  rpcClient,
		eth:        eth,
		backend:    eth,
		headClient: eth,
	}

	if keyHex := strings.TrimSpace(cfg.Key); keyHex != "" {
		key, keyErr := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if keyErr != nil {
			eth.Close()
			return nil, fmt.Errorf("解析锚定私钥失败: %w", keyErr)
		}
		client.key = key
		client.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			client.headClient = ethclient.NewClient(wsRPC)
		}
	}

	return client, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, key *ecdsa.PrivateKey, backend *simulated.Backend) *Client {
	sim := backend.Client()
	client := &Client{
		name:       name,
		backend:    sim,
		headClient: sim,
		committer:  backend,
		chainID:    new(big.Int).Set(chainID),
		notes:      "simulated backend",
	}
	if key != nil {
		client.key = key
		client.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return client
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.headClient != nil {
		if hc, ok := c.headClient.(*ethclient.Client); ok {
			hc.Close()
		}
		c.headClient = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (anchor.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return anchor.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return anchor.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return anchor.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}

	return anchor.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// AnchorCheckpoint submits the ledger checkpoint as a signed self-transaction
// whose payload carries the JSON encoded checkpoint.
func (c *Client) AnchorCheckpoint(ctx context.Context, checkpoint anchor.Checkpoint) (anchor.Receipt, error) {
	if c == nil || c.backend == nil {
		return anchor.Receipt{}, errors.New("未初始化的以太坊客户端")
	}
	if strings.TrimSpace(checkpoint.BlockHash) == "" {
		return anchor.Receipt{}, errors.New("锚定区块哈希不能为空")
	}
	if c.key == nil {
		return anchor.Receipt{}, errors.New("未配置锚定私钥")
	}

	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return anchor.Receipt{}, fmt.Errorf("序列化检查点失败: %w", err)
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return anchor.Receipt{}, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return anchor.Receipt{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return anchor.Receipt{}, fmt.Errorf("查询小费上限失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return anchor.Receipt{}, fmt.Errorf("获取最新区块失败: %w", err)
	}

	gasFeeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		gasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: gasFeeCap,
		Gas:       anchorGasLimit,
		To:        &c.from,
		Value:     big.NewInt(0),
		Data:      payload,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return anchor.Receipt{}, fmt.Errorf("签名锚定交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return anchor.Receipt{}, fmt.Errorf("发送锚定交易失败: %w", err)
	}
	if c.committer != nil {
		c.committer.Commit()
	}

	return anchor.Receipt{
		TxHash:    signed.Hash().Hex(),
		ChainID:   toHexBig(chainID),
		Height:    checkpoint.Height,
		BlockHash: checkpoint.BlockHash,
	}, nil
}

// SubscribeNewHeads attaches a new-head subscription to the chain.
func (c *Client) SubscribeNewHeads(ctx context.Context) (*anchor.HeadSubscription, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	subscriber := c.headBackend()
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持区块头订阅")
	}

	heads := make(chan *coretypes.Header, 16)
	sub, err := subscriber.SubscribeNewHead(ctx, heads)
	if err != nil {
		return nil, fmt.Errorf("订阅区块头失败: %w", err)
	}
	return anchor.NewHeadSubscription(heads, sub), nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = new(big.Int).Set(chainID)
	return new(big.Int).Set(chainID), nil
}

func (c *Client) headBackend() headSubscriber {
	if c.headClient != nil {
		return c.headClient
	}
	if subscriber, ok := c.backend.(headSubscriber); ok {
		return subscriber
	}
	return nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
