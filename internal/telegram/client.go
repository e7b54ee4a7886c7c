// Package telegram is the owner-facing message transport. The supervisor
// sends notifications through it and captures the assigned message id; the
// correlator sends confirmations and guidance through it.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender is the outbound transport surface the supervisor and correlator
// depend on. SendMessage returns the message id the transport assigned.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
}

// Client calls the Telegram Bot API over HTTP.
type Client struct {
	baseURL   string
	token     string
	parseMode string
	client    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithParseMode sets the parse_mode sent with every message.
func WithParseMode(mode string) Option {
	return func(c *Client) { c.parseMode = mode }
}

// NewClient creates a Client for the given bot token. It uses a default HTTP
// client with a 10-second timeout.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:   "https://api.telegram.org",
		token:     token,
		parseMode: "Markdown",
		client:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendMessage posts a message to the given chat and returns the message id
// the transport assigned to it.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)

	body, err := json.Marshal(sendMessageRequest{
		ChatID:    chatID,
		Text:      text,
		ParseMode: c.parseMode,
	})
	if err != nil {
		return 0, fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("telegram: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("telegram: decode response: %w", err)
	}
	if !parsed.OK {
		return 0, fmt.Errorf("telegram: api error: %s", parsed.Description)
	}
	if parsed.Result.MessageID <= 0 {
		return 0, fmt.Errorf("telegram: response missing message id")
	}
	return parsed.Result.MessageID, nil
}

// Compile-time interface check.
var _ Sender = (*Client)(nil)
