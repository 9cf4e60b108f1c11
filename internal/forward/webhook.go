package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/chatrelay/internal/session"
)

type WebhookForwarder struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewWebhookForwarder(url, token string, httpClient *http.Client) *WebhookForwarder {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookForwarder{url: url, token: strings.TrimSpace(token), httpClient: httpClient}
}

func (w *WebhookForwarder) Forward(ctx context.Context, msg session.InboundMessage) error {
	if w == nil {
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", msg.SessionKey+":"+msg.MessageID)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("forward webhook failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (w *WebhookForwarder) Close() error {
	return nil
}
