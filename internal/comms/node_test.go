package comms

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func startTestNode(t *testing.T, id string) (*Node, *MemoryBroker) {
	t.Helper()
	broker := NewMemoryBroker()
	node, err := NewNode(id, "127.0.0.1", 0, broker)
	if err != nil {
		t.Fatalf("创建节点失败: %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("启动节点失败: %v", err)
	}
	t.Cleanup(func() {
		node.Close()
		broker.Close()
	})
	return node, broker
}

func waitForCount(t *testing.T, rec *recorder, want int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if rec.count() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("等待消息超时，已收到 %d 条，期望 %d", rec.count(), want)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestNodeConnectAndSend(t *testing.T) {
	alpha, _ := startTestNode(t, "alpha")
	beta, betaBroker := startTestNode(t, "beta")

	rec := &recorder{}
	if _, err := betaBroker.Subscribe(BroadcastTopic, rec.handle); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	if err := alpha.Connect(context.Background(), "beta", "127.0.0.1", beta.Port()); err != nil {
		t.Fatalf("连接对端失败: %v", err)
	}

	msg := NewMessage(TypeEvent, "alpha", "beta", map[string]any{"hello": true})
	if err := alpha.Send(context.Background(), "beta", msg); err != nil {
		t.Fatalf("发送消息失败: %v", err)
	}

	waitForCount(t, rec, 1)
	got, _ := rec.last()
	if got.ID != msg.ID {
		t.Fatalf("对端收到的消息 ID 不一致: %s != %s", got.ID, msg.ID)
	}

	// 入站 hello 让对端也能反向发消息。
	deadline := time.After(5 * time.Second)
	for {
		if len(beta.Peers()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("对端未登记入站连接")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if beta.Peers()[0] != "alpha" {
		t.Fatalf("对端应登记 alpha，实际 %v", beta.Peers())
	}
}

func TestNodeBroadcastReachesAllPeers(t *testing.T) {
	hub, _ := startTestNode(t, "hub")
	spoke1, broker1 := startTestNode(t, "spoke-1")
	spoke2, broker2 := startTestNode(t, "spoke-2")

	rec1 := &recorder{}
	rec2 := &recorder{}
	if _, err := broker1.Subscribe(BroadcastTopic, rec1.handle); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}
	if _, err := broker2.Subscribe(BroadcastTopic, rec2.handle); err != nil {
		t.Fatalf("订阅失败: %v", err)
	}

	if err := hub.Connect(context.Background(), "spoke-1", "127.0.0.1", spoke1.Port()); err != nil {
		t.Fatalf("连接 spoke-1 失败: %v", err)
	}
	if err := hub.Connect(context.Background(), "spoke-2", "127.0.0.1", spoke2.Port()); err != nil {
		t.Fatalf("连接 spoke-2 失败: %v", err)
	}

	msg := NewMessage(TypeEvent, "hub", BroadcastTopic, map[string]any{"seq": 1})
	if err := hub.Broadcast(context.Background(), msg); err != nil {
		t.Fatalf("广播失败: %v", err)
	}

	waitForCount(t, rec1, 1)
	waitForCount(t, rec2, 1)
}

func TestNodeRejectsNonHeartbeatHello(t *testing.T) {
	node, _ := startTestNode(t, "strict")

	conn, err := net.Dial("tcp", node.Addr())
	if err != nil {
		t.Fatalf("连接节点失败: %v", err)
	}
	defer conn.Close()

	bad := NewMessage(TypeRequest, "rogue", "strict", nil)
	if err := writeFrame(conn, bad, DefaultMaxFrameSize); err != nil {
		t.Fatalf("写入帧失败: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("节点应直接关闭连接，实际错误: %v", err)
	}
	if len(node.Peers()) != 0 {
		t.Fatalf("非法握手不应登记对端: %v", node.Peers())
	}
}

func TestNodeRejectsOversizedFrame(t *testing.T) {
	node, _ := startTestNode(t, "capped")

	conn, err := net.Dial("tcp", node.Addr())
	if err != nil {
		t.Fatalf("连接节点失败: %v", err)
	}
	defer conn.Close()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(DefaultMaxFrameSize+1))
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatalf("写入帧头失败: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("超限帧应导致连接关闭，实际错误: %v", err)
	}
}

func TestNodeEnforcesMaxConnections(t *testing.T) {
	broker := NewMemoryBroker()
	node, err := NewNode("limited", "127.0.0.1", 0, broker, WithMaxConnections(1))
	if err != nil {
		t.Fatalf("创建节点失败: %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("启动节点失败: %v", err)
	}
	t.Cleanup(func() {
		node.Close()
		broker.Close()
	})

	dialPeer := func(id string) net.Conn {
		t.Helper()
		conn, err := net.Dial("tcp", node.Addr())
		if err != nil {
			t.Fatalf("连接节点失败: %v", err)
		}
		hello := NewMessage(TypeHeartbeat, id, BroadcastTopic, map[string]any{"host": "127.0.0.1", "port": 9000})
		if err := writeFrame(conn, hello, DefaultMaxFrameSize); err != nil {
			t.Fatalf("写入握手帧失败: %v", err)
		}
		return conn
	}

	first := dialPeer("peer-1")
	defer first.Close()

	deadline := time.After(5 * time.Second)
	for {
		if len(node.Peers()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("首个对端未登记")
		case <-time.After(20 * time.Millisecond):
		}
	}

	second := dialPeer("peer-2")
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("超限对端应被断开，实际错误: %v", err)
	}
	if got := node.Peers(); len(got) != 1 || got[0] != "peer-1" {
		t.Fatalf("对端清单应仅含 peer-1，实际 %v", got)
	}
}

func TestNodeRemovesDeadPeer(t *testing.T) {
	alpha, _ := startTestNode(t, "alpha")
	beta, _ := startTestNode(t, "beta")

	if err := alpha.Connect(context.Background(), "beta", "127.0.0.1", beta.Port()); err != nil {
		t.Fatalf("连接对端失败: %v", err)
	}
	if len(alpha.Peers()) != 1 {
		t.Fatalf("连接后应有 1 个对端，实际 %d", len(alpha.Peers()))
	}

	beta.Close()

	deadline := time.After(5 * time.Second)
	for {
		if len(alpha.Peers()) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("对端下线后应被移除，当前 %v", alpha.Peers())
		case <-time.After(20 * time.Millisecond):
		}
	}

	// 地址仍然保留，Send 会尝试重连并报错。
	msg := NewMessage(TypeEvent, "alpha", "beta", nil)
	if err := alpha.Send(context.Background(), "beta", msg); err == nil {
		t.Fatalf("对端已停机，发送应失败")
	}
}

func TestFrameCodecRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	msg := NewMessage(TypeResponse, "a", "b", map[string]any{"payload": "x"})
	go func() {
		_ = writeFrame(client, msg, DefaultMaxFrameSize)
	}()

	got, err := readFrame(server, DefaultMaxFrameSize)
	if err != nil {
		t.Fatalf("读取帧失败: %v", err)
	}
	if got.ID != msg.ID || got.Type != msg.Type || got.Sender != msg.Sender {
		t.Fatalf("帧内容不一致: %+v", got)
	}
}

func TestWriteFrameRejectsOversizedMessage(t *testing.T) {
	msg := NewMessage(TypeEvent, "a", "b", map[string]any{"blob": string(make([]byte, 128))})
	var sink discard
	if err := writeFrame(&sink, msg, 16); err == nil {
		t.Fatalf("超出上限的消息应拒绝写出")
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
