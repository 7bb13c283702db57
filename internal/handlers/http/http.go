// Package http calls a webhook for each run.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tickflow/internal/domain"
)

type HTTP struct {
	// Client overrides the per-request client; nil builds one from the payload timeout.
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Timeout int               `json:"timeout"` // seconds
}

func (h HTTP) Handle(ctx context.Context, inv domain.Invocation) error {
	var req Request
	if err := json.Unmarshal(inv.Payload, &req); err != nil {
		return fmt.Errorf("invalid HTTP request payload: %w", err)
	}

	if req.URL == "" {
		return fmt.Errorf("URL is required")
	}

	if req.Method == "" {
		req.Method = http.MethodPost
	}

	if req.Timeout <= 0 {
		req.Timeout = 30
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: time.Duration(req.Timeout) * time.Second}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Tickflow-Run-Id", inv.RunID)
	httpReq.Header.Set("X-Tickflow-Schedule-Id", inv.ScheduleID)
	httpReq.Header.Set("X-Tickflow-Planned-Run-At", inv.PlannedRunAt.UTC().Format(time.RFC3339))
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
