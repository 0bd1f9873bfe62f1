package comms

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

// DefaultMaxFrameSize 是单帧消息的默认上限。
const DefaultMaxFrameSize = 1 << 20

// Node 在 TCP 上收发帧化消息。帧格式为 4 字节大端长度前缀加 JSON 消息体，
// 入站连接的第一帧必须是携带监听地址的心跳（peer hello）。
type Node struct {
	id          string
	host        string
	port        int
	broker      Broker
	maxFrame    int
	maxPeers    int
	dialTimeout time.Duration

	mu     sync.RWMutex
	ln     net.Listener
	peers  map[string]*peerConn
	addrs  map[string]peerAddr
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type peerConn struct {
	conn net.Conn
	mu   sync.Mutex
}

type peerAddr struct {
	host string
	port int
}

// NodeOption 调整节点行为。
type NodeOption func(*Node)

// WithMaxFrameSize 覆盖单帧消息上限。
func WithMaxFrameSize(size int) NodeOption {
	return func(n *Node) {
		if size > 0 {
			n.maxFrame = size
		}
	}
}

// WithMaxConnections 限制同时保持的对端数量，新的入站握手在达到上限后被拒绝。
func WithMaxConnections(limit int) NodeOption {
	return func(n *Node) {
		if limit > 0 {
			n.maxPeers = limit
		}
	}
}

// WithDialTimeout 设置主动连接对端时的超时时间。
func WithDialTimeout(timeout time.Duration) NodeOption {
	return func(n *Node) {
		if timeout > 0 {
			n.dialTimeout = timeout
		}
	}
}

// NewNode 创建网络节点。port 为 0 时监听随机端口。
func NewNode(id, host string, port int, broker Broker, opts ...NodeOption) (*Node, error) {
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "节点 ID 不能为空")
	}
	if broker == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "节点需要消息总线")
	}
	if host == "" {
		host = "localhost"
	}
	n := &Node{
		id:       id,
		host:     host,
		port:     port,
		broker:   broker,
		maxFrame: DefaultMaxFrameSize,
		peers:    make(map[string]*peerConn),
		addrs:    make(map[string]peerAddr),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// ID 返回节点标识。
func (n *Node) ID() string { return n.id }

// Start 开始监听入站连接。返回后节点即可接受对端握手。
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return xerrors.New(xerrors.CodeCommsFailure, "节点已关闭")
	}
	if n.ln != nil {
		return xerrors.New(xerrors.CodeCommsFailure, "节点已在监听")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(n.host, fmt.Sprintf("%d", n.port)))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCommsFailure, err, "监听地址失败")
	}
	n.ln = ln
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		n.port = addr.Port
	}
	n.baseCtx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go n.acceptLoop()
	logger.L().Info("网络节点开始监听", slog.String("node_id", n.id), slog.String("address", ln.Addr().String()))
	return nil
}

// Addr 返回实际监听地址。
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.ln == nil {
		return ""
	}
	return n.ln.Addr().String()
}

// Port 返回实际监听端口。
func (n *Node) Port() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.port
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.L().Warn("接受连接失败", slog.Any("error", err))
			continue
		}
		n.wg.Add(1)
		go n.handleInbound(conn)
	}
}

// handleInbound 校验 hello 帧并登记对端。
func (n *Node) handleInbound(conn net.Conn) {
	defer n.wg.Done()
	hello, err := readFrame(conn, n.maxFrame)
	if err != nil {
		logger.L().Warn("读取握手帧失败", slog.Any("error", err))
		conn.Close()
		return
	}
	if hello.Type != TypeHeartbeat {
		logger.L().Warn("首帧不是心跳，断开连接", slog.String("type", string(hello.Type)))
		conn.Close()
		return
	}
	peerID := hello.Sender
	host, _ := hello.Content["host"].(string)
	port, hasPort := contentInt(hello.Content, "port")
	if host == "" || !hasPort {
		remote, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		host = remote
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		conn.Close()
		return
	}
	if existing, ok := n.peers[peerID]; ok {
		existing.conn.Close()
	} else if n.maxPeers > 0 && len(n.peers) >= n.maxPeers {
		n.mu.Unlock()
		logger.L().Warn("对端数量已达上限，拒绝接入", slog.String("peer_id", peerID), slog.Int("max", n.maxPeers))
		conn.Close()
		return
	}
	n.peers[peerID] = &peerConn{conn: conn}
	if host != "" && hasPort {
		n.addrs[peerID] = peerAddr{host: host, port: port}
	}
	n.mu.Unlock()

	logger.L().Info("对端接入", slog.String("node_id", n.id), slog.String("peer_id", peerID))
	n.wg.Add(1)
	go n.readLoop(peerID, conn)
}

// Connect 主动连接对端并发送 hello。已有连接时直接复用。
func (n *Node) Connect(ctx context.Context, peerID, host string, port int) error {
	if peerID == n.id {
		return xerrors.New(xerrors.CodeInvalidArgument, "不能连接自身")
	}
	n.mu.RLock()
	_, connected := n.peers[peerID]
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return xerrors.New(xerrors.CodeCommsFailure, "节点已关闭")
	}
	if connected {
		return nil
	}

	dialCtx := ctx
	if n.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, n.dialTimeout)
		defer cancel()
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCommsFailure, err, "连接对端失败")
	}
	hello := NewMessage(TypeHeartbeat, n.id, BroadcastTopic, map[string]any{
		"host": n.host,
		"port": n.Port(),
	})
	if err := writeFrame(conn, hello, n.maxFrame); err != nil {
		conn.Close()
		return xerrors.Wrap(xerrors.CodeCommsFailure, err, "发送握手帧失败")
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		conn.Close()
		return xerrors.New(xerrors.CodeCommsFailure, "节点已关闭")
	}
	if _, ok := n.peers[peerID]; ok {
		// 并发连接时保留已有链路。
		n.mu.Unlock()
		conn.Close()
		return nil
	}
	n.peers[peerID] = &peerConn{conn: conn}
	n.addrs[peerID] = peerAddr{host: host, port: port}
	n.mu.Unlock()

	n.wg.Add(1)
	go n.readLoop(peerID, conn)
	return nil
}

// readLoop 持续读取对端消息并发布到总线，出错即移除对端。
func (n *Node) readLoop(peerID string, conn net.Conn) {
	defer n.wg.Done()
	for {
		msg, err := readFrame(conn, n.maxFrame)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.L().Warn("读取对端消息失败", slog.String("peer_id", peerID), slog.Any("error", err))
			}
			n.removePeer(peerID, conn)
			return
		}
		if err := n.broker.Publish(n.publishContext(), msg); err != nil {
			logger.L().Warn("投递入站消息失败", slog.String("peer_id", peerID), slog.Any("error", err))
		}
	}
}

func (n *Node) publishContext() context.Context {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.baseCtx != nil {
		return n.baseCtx
	}
	return context.Background()
}

// Send 将消息发送给指定对端，必要时按已知地址重连。
func (n *Node) Send(ctx context.Context, peerID string, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	n.mu.RLock()
	peer, ok := n.peers[peerID]
	addr, hasAddr := n.addrs[peerID]
	n.mu.RUnlock()
	if !ok {
		if !hasAddr {
			return xerrors.New(xerrors.CodeCommsFailure, "对端未连接且地址未知",
				xerrors.WithMetadata(map[string]any{"peer_id": peerID}))
		}
		if err := n.Connect(ctx, peerID, addr.host, addr.port); err != nil {
			return err
		}
		n.mu.RLock()
		peer, ok = n.peers[peerID]
		n.mu.RUnlock()
		if !ok {
			return xerrors.New(xerrors.CodeCommsFailure, "重连后对端仍不可用")
		}
	}
	peer.mu.Lock()
	err := writeFrame(peer.conn, msg, n.maxFrame)
	peer.mu.Unlock()
	if err != nil {
		n.removePeer(peerID, peer.conn)
		return xerrors.Wrap(xerrors.CodeCommsFailure, err, "发送消息失败",
			xerrors.WithMetadata(map[string]any{"peer_id": peerID}))
	}
	return nil
}

// Broadcast 把消息发给所有存活对端，写入失败的对端会被移除。
func (n *Node) Broadcast(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	n.mu.RLock()
	targets := make(map[string]*peerConn, len(n.peers))
	for id, peer := range n.peers {
		targets[id] = peer
	}
	n.mu.RUnlock()

	for id, peer := range targets {
		peer.mu.Lock()
		err := writeFrame(peer.conn, msg, n.maxFrame)
		peer.mu.Unlock()
		if err != nil {
			logger.L().Warn("广播消息失败，移除对端", slog.String("peer_id", id), slog.Any("error", err))
			n.removePeer(id, peer.conn)
		}
	}
	return nil
}

// Disconnect 主动断开对端连接，保留地址供后续重连。
func (n *Node) Disconnect(peerID string) {
	n.mu.Lock()
	peer, ok := n.peers[peerID]
	if ok {
		delete(n.peers, peerID)
	}
	n.mu.Unlock()
	if ok {
		peer.conn.Close()
	}
}

func (n *Node) removePeer(peerID string, conn net.Conn) {
	n.mu.Lock()
	if peer, ok := n.peers[peerID]; ok && peer.conn == conn {
		delete(n.peers, peerID)
	}
	n.mu.Unlock()
	conn.Close()
}

// Peers 返回当前存活对端的 ID 列表。
func (n *Node) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PeerAddr 返回对端最近一次通告的监听地址。
func (n *Node) PeerAddr(peerID string) (string, int, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	addr, ok := n.addrs[peerID]
	return addr.host, addr.port, ok
}

// Close 停止监听并断开所有对端。
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	if n.cancel != nil {
		n.cancel()
	}
	ln := n.ln
	peers := n.peers
	n.peers = make(map[string]*peerConn)
	n.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, peer := range peers {
		peer.conn.Close()
	}
	n.wg.Wait()
	return nil
}

// writeFrame 写出一帧：4 字节大端长度 + JSON 消息体。
func writeFrame(w io.Writer, msg Message, max int) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > max {
		return xerrors.New(xerrors.CodeCommsFailure, "消息超出单帧上限",
			xerrors.WithMetadata(map[string]any{"size": len(payload), "max": max}))
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return nil
}

// readFrame 读取一帧，超过上限的帧直接拒绝。
func readFrame(r io.Reader, max int) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > uint32(max) {
		return Message{}, xerrors.New(xerrors.CodeCommsFailure, "帧长度非法",
			xerrors.WithMetadata(map[string]any{"size": size, "max": max}))
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, err
	}
	return Decode(payload)
}

func contentInt(content map[string]any, key string) (int, bool) {
	switch v := content[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}
