package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/notify"
	"github.com/killfeed/killfeed/pkg/types"
)

// Webhook posts payloads to an HTTP endpoint. Rate limiting and server
// errors are retried a few times; anything else fails at once.
type Webhook struct {
	url      string
	client   *http.Client
	maxTries uint
	logger   *slog.Logger
}

// NewWebhook creates a webhook renderer. A zero timeout means 5s.
func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		maxTries: 3,
		logger:   logging.Component(logger, "webhook"),
	}
}

func (w *Webhook) RenderEvent(ctx context.Context, e types.DomainEvent) error {
	body, err := EventPayload(e)
	if err != nil {
		return err
	}
	return w.post(ctx, body)
}

func (w *Webhook) RenderNotification(ctx context.Context, n notify.Notification) error {
	body, err := NotificationPayload(n)
	if err != nil {
		return err
	}
	return w.post(ctx, body)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		switch {
		case resp.StatusCode < 300:
			return struct{}{}, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			w.logger.Debug("webhook retry", "status", resp.StatusCode)
			return struct{}{}, fmt.Errorf("webhook: status %d", resp.StatusCode)
		default:
			return struct{}{}, backoff.Permanent(fmt.Errorf("webhook: status %d", resp.StatusCode))
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(w.maxTries))
	return err
}
