// Package push talks to the push gateway that owns device tokens and
// transport. It implements notify.Deliverer.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"rollcall/internal/notify"
)

// Client calls the push gateway.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

var _ notify.Deliverer = (*Client)(nil)

// New creates a client with configurable timeout. With skip set every
// delivery succeeds without a request, for local runs.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Deliver posts one message for one user. Any non-2xx answer is a failure.
func (c *Client) Deliver(ctx context.Context, userID, title, body string, data map[string]string) error {
	if c.Skip {
		return nil
	}
	if userID == "" {
		return fmt.Errorf("user id required")
	}

	payload, err := json.Marshal(sendRequest{UserID: userID, Title: title, Body: body, Data: data})
	if err != nil {
		return fmt.Errorf("encode push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/send", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("push gateway error %s: %s", resp.Status, string(bytes.TrimSpace(bodyBytes)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health checks if the push gateway is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway unhealthy: %s", resp.Status)
	}

	return nil
}
