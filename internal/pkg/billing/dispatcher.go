package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/subsync/app/models"
)

// AccessRefresher pushes a user's current entitlement to the network
// access list.
type AccessRefresher interface {
	RefreshAccess(ctx context.Context, userID uint) error
}

// Notifier hands an outbound notification to asynchronous delivery. It must
// not block on the delivery itself.
type Notifier interface {
	NotifyAsync(ctx context.Context, n OutboundNotification) error
}

// OutboundNotification is the payload of a subscription lifecycle webhook.
type OutboundNotification struct {
	Event          string                    `json:"event"`
	UserID         uint                      `json:"user_id"`
	SubscriptionID uint                      `json:"subscription_id"`
	Gateway        models.Gateway            `json:"gateway"`
	Status         models.SubscriptionStatus `json:"status"`
	Canceled       bool                      `json:"canceled"`
	AutoRenew      bool                      `json:"auto_renew"`
	ExpiresAt      time.Time                 `json:"expires_at"`
	TrialEndDate   *time.Time                `json:"trial_end_date,omitempty"`
}

// Dispatcher fires the side effects of one applied transition. It is only
// called after the subscription write has committed.
type Dispatcher struct {
	access   AccessRefresher
	notifier Notifier
}

// NewDispatcher creates a dispatcher. Either collaborator may be nil.
func NewDispatcher(access AccessRefresher, notifier Notifier) *Dispatcher {
	return &Dispatcher{access: access, notifier: notifier}
}

// Dispatch refreshes the user's access and queues at most one outbound
// notification. Failures are logged; the transition is already durable.
func (d *Dispatcher) Dispatch(ctx context.Context, sub *models.Subscription, tr Transition) {
	if d == nil || sub == nil {
		return
	}

	if d.access != nil {
		if err := d.access.RefreshAccess(ctx, sub.UserID); err != nil {
			log.Errorf("[Billing] Access refresh failed for user %d (subscription %d): %v", sub.UserID, sub.ID, err)
		}
	}

	if d.notifier == nil || tr.Notification == "" {
		return
	}
	n := OutboundNotification{
		Event:          tr.Notification,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Gateway:        sub.Gateway,
		Status:         sub.Status,
		Canceled:       sub.Canceled,
		AutoRenew:      sub.AutoRenew,
		ExpiresAt:      sub.ExpiresAt,
		TrialEndDate:   sub.TrialEndDate,
	}
	if err := d.notifier.NotifyAsync(ctx, n); err != nil {
		log.Errorf("[Billing] Failed to queue %s for subscription %d: %v", tr.Notification, sub.ID, err)
	}
}
