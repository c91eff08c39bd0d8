package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Hara602/usbSentry/internal/model"
)

var ErrHTTPStatus = errors.New("webhook returned non-2xx status")

// DefaultRequestTimeout 单次 POST 超时
const DefaultRequestTimeout = 10 * time.Second

// Poster 把一个 payload 发到远端
type Poster interface {
	Post(ctx context.Context, p model.Payload) error
}

// WebhookClient JSON POST 到自动化平台 (n8n 等) 的 webhook
type WebhookClient struct {
	URL    string
	Client *http.Client
}

func NewWebhookClient(url string, timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &WebhookClient{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (c *WebhookClient) Post(ctx context.Context, p model.Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}
	return nil
}
