// Package sink delivers finalized bet records to external collectors.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oddsync/oddsync/internal/domain"
)

// HTTPSink posts finalized bet records as JSON to a collector endpoint, for
// example a spreadsheet bridge or an ingestion webhook.
type HTTPSink struct {
	url    string
	apiKey string // sent as a Bearer token when non-empty
	client *http.Client
}

// NewHTTPSink creates an HTTPSink for the given endpoint. It uses a default
// HTTP client with a 10-second timeout.
func NewHTTPSink(url, apiKey string) *HTTPSink {
	return &HTTPSink{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Write posts one finalized record. Any non-2xx response is an error so the
// caller can keep the pending entry and retry on the next reply.
func (s *HTTPSink) Write(ctx context.Context, rec domain.BetRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sink: marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: send record %s: %w", rec.Key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("sink: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Compile-time interface check.
var _ domain.RecordSink = (*HTTPSink)(nil)
