package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// statusError is a non-2xx response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// send performs a JSON request with retry and exponential backoff. Network
// errors, 429 and 5xx are retried; other statuses fail at once. A non-nil
// out receives the decoded response body.
func send(ctx context.Context, cfg *Config, method, url string, header http.Header, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("notify: marshal: %w", err)
		}
		body = b
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := cfg.Backoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("notify: new request: %w", err)
		}
		for k, v := range header {
			req.Header[k] = v
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := cfg.Client.Do(req)
		if err != nil {
			lastErr = err
			cfg.Logger.Warn("notify: request failed", "attempt", attempt+1, "error", err)
			continue
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out != nil && len(data) > 0 {
				if err := json.Unmarshal(data, out); err != nil {
					return fmt.Errorf("notify: decode response: %w", err)
				}
			}
			return nil
		}
		lastErr = &statusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
		if !retryable(resp.StatusCode) {
			return lastErr
		}
		cfg.Logger.Warn("notify: bad status", "attempt", attempt+1, "status", resp.StatusCode)
	}
	return fmt.Errorf("notify: all retries exhausted: %w", lastErr)
}
