package sender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"talos/internal/metrics"

	"github.com/cenkalti/backoff/v4"
)

// Client posts payloads to the upstream endpoint. In-tick retries use a
// constant short gap; longer-term retry is the outbox worker's job.
type Client struct {
	url      string
	http     *http.Client
	attempts uint64
	gap      time.Duration
}

// NewClient builds an upstream client. timeout bounds one POST; attempts
// is the total tries per Post call.
func NewClient(url string, timeout time.Duration, attempts int, gap time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	if gap <= 0 {
		gap = time.Second
	}
	return &Client{
		url:      url,
		http:     &http.Client{Timeout: timeout},
		attempts: uint64(attempts),
		gap:      gap,
	}
}

// Post sends one JSON payload, retrying transient failures. A 4xx
// response aborts immediately; the payload will never be accepted.
func (c *Client) Post(ctx context.Context, payload []byte) error {
	boff := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.gap), c.attempts-1)

	err := backoff.Retry(func() error {
		return c.postOnce(ctx, payload)
	}, backoff.WithContext(boff, ctx))
	if err != nil {
		metrics.SenderPosts.WithLabelValues("error").Inc()
		return err
	}
	metrics.SenderPosts.WithLabelValues("ok").Inc()
	return nil
}

func (c *Client) postOnce(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build upstream request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post upstream: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode <= 499:
		return backoff.Permanent(fmt.Errorf("upstream rejected payload: %s", resp.Status))
	default:
		return fmt.Errorf("upstream returned %s", resp.Status)
	}
}
