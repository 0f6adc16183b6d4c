package offlinequeue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultHTTPTimeout = 15 * time.Second

// HTTPExecutor posts each action to {BaseURL}/api/actions/{kind}. The
// action id travels as Idempotency-Key so a retried write can be
// recognised by the server.
type HTTPExecutor struct {
	BaseURL string
	Token   func() string
	Client  *http.Client
}

// NewHTTPExecutor returns an executor for baseURL.
func NewHTTPExecutor(baseURL string, token func() string) *HTTPExecutor {
	return &HTTPExecutor{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// Execute sends a. 4xx answers other than 408 and 429 are permanent.
func (e *HTTPExecutor) Execute(ctx context.Context, a Action) error {
	endpoint, err := e.endpoint(a.Kind)
	if err != nil {
		return backoff.Permanent(err)
	}
	body := []byte(a.Payload)
	if len(body) == 0 {
		body = []byte("null")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", a.ID)
	if e.Token != nil {
		if token := e.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", a.Kind, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("post %s: %s: %s", a.Kind, resp.Status, strings.TrimSpace(string(snippet)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

func (e *HTTPExecutor) endpoint(kind string) (string, error) {
	if strings.TrimSpace(kind) == "" {
		return "", fmt.Errorf("action kind is required")
	}
	u, err := url.Parse(strings.TrimSpace(e.BaseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	return u.JoinPath("api", "actions", url.PathEscape(kind)).String(), nil
}
