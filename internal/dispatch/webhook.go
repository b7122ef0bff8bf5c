package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts the payload as JSON to a configured URL.
type Webhook struct {
	Client *http.Client
}

type WebhookParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Timeout int               `json:"timeout"` // seconds
}

func (h Webhook) Handle(ctx context.Context, params json.RawMessage, msg Message) error {
	var p WebhookParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Permanent(fmt.Errorf("invalid webhook parameters: %w", err))
		}
	}
	if p.URL == "" {
		return Permanent(errors.New("URL is required"))
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.Timeout)*time.Second)
		defer cancel()
	}

	body, err := json.Marshal(msg.Payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// The endpoint answered; a non-2xx status is reported but not retried.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Permanent(fmt.Errorf("HTTP %d error: %s", resp.StatusCode, bytes.TrimSpace(respBody)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
