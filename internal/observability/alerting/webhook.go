package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	xerrors "SwapSentinel/internal/errors"
)

// WebhookSlackSender 通过 Incoming Webhook 将消息推送到 Slack。
type WebhookSlackSender struct {
	url        string
	httpClient *http.Client
}

// NewWebhookSlackSender 创建 Slack Webhook 发送器。
func NewWebhookSlackSender(url string, timeout time.Duration) (*WebhookSlackSender, error) {
	if url == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "Slack webhook 地址不能为空")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSlackSender{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Send 发送一条消息。channel 为空时由 webhook 自身的默认频道接收。
func (s *WebhookSlackSender) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码 Slack 消息失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 Slack 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("调用 Slack webhook 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("Slack webhook 返回状态 %d: %s", resp.StatusCode, string(data))
	}
	return nil
}
