// Package notify turns applied subscription transitions into outbound jobs:
// a signed webhook to the account service and, for a few events, a mail to
// the user.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ManuelReschke/subsync/internal/pkg/billing"
	"github.com/ManuelReschke/subsync/internal/pkg/jobqueue"
)

// Enqueuer is the part of jobqueue.Queue the notifier needs.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, jobType jobqueue.JobType, payload map[string]interface{}) (*jobqueue.Job, error)
}

// mailEvents lists the notifications that also reach the user by mail.
var mailEvents = map[string]bool{
	billing.NotifySubscriptionTrialWillEnd: true,
	billing.NotifyPaymentFailed:            true,
}

// Envelope is the JSON body of an outbound webhook.
type Envelope struct {
	ID string `json:"id"`
	billing.OutboundNotification
}

// Notifier implements billing.Notifier by enqueueing jobs.
type Notifier struct {
	queue    Enqueuer
	webhooks bool
	mails    bool
}

// NewNotifier creates a notifier. Disabled channels are not enqueued.
func NewNotifier(queue Enqueuer, webhooks, mails bool) *Notifier {
	return &Notifier{queue: queue, webhooks: webhooks, mails: mails}
}

func (n *Notifier) NotifyAsync(ctx context.Context, out billing.OutboundNotification) error {
	if n.webhooks {
		env := Envelope{ID: uuid.New().String(), OutboundNotification: out}
		body, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", out.Event, err)
		}
		payload := jobqueue.SubscriptionWebhookJobPayload{DeliveryID: env.ID, Event: out.Event, Body: string(body)}
		if _, err := n.queue.EnqueueJob(ctx, jobqueue.JobTypeSubscriptionWebhook, payload.ToMap()); err != nil {
			return err
		}
	}

	if n.mails && mailEvents[out.Event] {
		payload := jobqueue.SubscriptionMailJobPayload{
			UserID:       out.UserID,
			Event:        out.Event,
			ExpiresAt:    out.ExpiresAt,
			TrialEndDate: out.TrialEndDate,
		}
		if _, err := n.queue.EnqueueJob(ctx, jobqueue.JobTypeSubscriptionMail, payload.ToMap()); err != nil {
			return err
		}
	}
	return nil
}
