package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
)

var (
	_ DingTalkSender = (*DingTalkWebhook)(nil)
	_ SlackSender    = (*SlackWebhook)(nil)
)

// DingTalkWebhook 通过钉钉机器人 webhook 发送文本消息。
type DingTalkWebhook struct {
	URL    string
	Client *http.Client
}

// Send 实现 DingTalkSender。
func (w *DingTalkWebhook) Send(ctx context.Context, content string) error {
	payload := map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	}
	return postJSON(ctx, w.Client, w.URL, payload)
}

// SlackWebhook 通过 Slack incoming webhook 发送消息。
type SlackWebhook struct {
	URL    string
	Client *http.Client
}

// Send 实现 SlackSender。
func (w *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]any{"channel": channel, "text": content}
	return postJSON(ctx, w.Client, w.URL, payload)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	if url == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "webhook 地址为空")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 webhook 消息失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeCommsFailure, err, "发送 webhook 失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.New(xerrors.CodeCommsFailure, fmt.Sprintf("webhook 返回 %d: %s", resp.StatusCode, string(raw)))
	}
	return nil
}
