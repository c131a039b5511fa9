package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Webhook POSTs the payload to an HTTP endpoint. Any 2xx response is an
// acknowledgement. Client errors other than 408 and 429 are permanent.
type Webhook struct {
	client  *http.Client
	url     string
	headers map[string]string
}

// NewWebhook creates a webhook sink. headers are sent with every request.
func NewWebhook(url string, timeout time.Duration, headers map[string]string) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		url:     url,
		headers: headers,
	}
}

func (w *Webhook) Publish(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(msg.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("build webhook request: %w", err))
	}

	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	for k, v := range msg.Metadata() {
		req.Header.Set(headerName(k), v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID.String())

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	// the limit can split a multibyte rune
	body := strings.ToValidUTF8(string(raw), "")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, body)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("webhook rejected message with %d: %s", resp.StatusCode, body))
	default:
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, body)
	}
}

// headerName maps a metadata key to an HTTP header. Trace context keys
// (traceparent, tracestate, baggage) keep their names.
func headerName(key string) string {
	switch key {
	case "traceparent", "tracestate", "baggage":
		return key
	}
	return http.CanonicalHeaderKey("X-Outbox-" + strings.ReplaceAll(key, "_", "-"))
}

func (w *Webhook) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
