package reply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type HTTPClientOptions struct {
	BaseURL    string
	Path       string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPClient struct {
	url        string
	token      string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = "/v1/replies"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		url:        baseURL + path,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type replyResponse struct {
	Reply string `json:"reply"`
	Text  string `json:"text"`
	Link  *Link  `json:"link"`
}

// GenerateReply posts the conversation context and decodes the reply. A 204
// means the service chose not to answer.
func (c *HTTPClient) GenerateReply(ctx context.Context, req Request) (Reply, error) {
	if c == nil {
		return Reply{}, fmt.Errorf("reply http client is nil")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, err
	}
	token := strings.TrimSpace(req.APIKey)
	if token == "" {
		token = c.token
	}
	correlationID := req.SessionKey + ":" + req.MessageID

	for attempt := 0; ; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return Reply{}, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Correlation-Id", correlationID)
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
		if c.userAgent != "" {
			httpReq.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return Reply{}, waitErr
				}
				continue
			}
			return Reply{}, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Reply{}, readErr
		}
		if resp.StatusCode == http.StatusNoContent {
			return Reply{}, nil
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			var decoded replyResponse
			if err := json.Unmarshal(respBody, &decoded); err != nil {
				return Reply{}, fmt.Errorf("reply service returned invalid json: %w", err)
			}
			text := decoded.Reply
			if text == "" {
				text = decoded.Text
			}
			return Reply{Text: text, Link: decoded.Link}, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return Reply{}, waitErr
			}
			continue
		}
		return Reply{}, fmt.Errorf("reply service failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
