package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/subsync/internal/pkg/jobqueue"
)

// WebhookSender posts queued webhook jobs to a single endpoint.
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

func NewWebhookSender(url, secret string, client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{url: url, secret: secret, client: client, now: time.Now}
}

// Handle is a jobqueue.Handler. Client errors other than 408 and 429 are
// permanent; everything else is retried by the queue.
func (s *WebhookSender) Handle(ctx context.Context, job *jobqueue.Job) error {
	payload, err := jobqueue.SubscriptionWebhookJobPayloadFromMap(job.Payload)
	if err != nil {
		return jobqueue.Permanent(fmt.Errorf("decode webhook payload: %w", err))
	}
	body := []byte(payload.Body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return jobqueue.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Subsync-Delivery", payload.DeliveryID)
	req.Header.Set("X-Subsync-Event", payload.Event)
	req.Header.Set(SignatureHeader, Sign(s.secret, body, s.now()))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", payload.Event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Infof("[Notify] Delivered %s (%s): %d", payload.Event, payload.DeliveryID, resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("webhook %s answered %d", payload.DeliveryID, resp.StatusCode)
	default:
		return jobqueue.Permanent(fmt.Errorf("webhook %s rejected with %d", payload.DeliveryID, resp.StatusCode))
	}
}
