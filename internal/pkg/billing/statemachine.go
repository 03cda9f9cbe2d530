package billing

import (
	"time"

	"github.com/ManuelReschke/subsync/app/models"
)

// DefaultDurationDays is used when neither the subscription nor its plan
// mapping carries a period length.
const DefaultDurationDays = 30

var notificationByIntent = map[Intent]string{
	IntentCreated:              NotifySubscriptionCreated,
	IntentRenewed:              NotifySubscriptionRenewed,
	IntentCancelSoft:           NotifySubscriptionCanceled,
	IntentCancelHard:           NotifySubscriptionTerminated,
	IntentExpired:              NotifySubscriptionExpired,
	IntentRefunded:             NotifySubscriptionRefunded,
	IntentRevoked:              NotifySubscriptionRevoked,
	IntentPaused:               NotifySubscriptionPaused,
	IntentOnHold:               NotifySubscriptionOnHold,
	IntentGracePeriod:          NotifySubscriptionGracePeriod,
	IntentPaymentFailed:        NotifyPaymentFailed,
	IntentPaymentSucceeded:     NotifyPaymentSucceeded,
	IntentTrialWillEnd:         NotifySubscriptionTrialWillEnd,
	IntentPriceChangeConfirmed: NotifySubscriptionPriceChange,
	IntentDeferred:             NotifySubscriptionDeferred,
	IntentAutoRenewEnabled:     NotifySubscriptionRenewalResumed,
}

// NotificationFor returns the outbound notification tag for an intent.
func NotificationFor(intent Intent) string {
	return notificationByIntent[intent]
}

// IsKnownIntent reports whether the state machine has a rule for intent.
func IsKnownIntent(intent Intent) bool {
	_, ok := notificationByIntent[intent]
	return ok
}

// Apply mutates sub according to ev and reports the transition. It is a total
// function: the current status never causes an intent to be rejected, so a
// redelivered intent that is already reflected is a no-op write.
func Apply(sub *models.Subscription, ev Event, now time.Time) Transition {
	tr := Transition{
		Intent:       ev.Intent,
		From:         sub.Status,
		Notification: NotificationFor(ev.Intent),
	}

	switch ev.Intent {
	case IntentCreated:
		sub.Status = models.SubscriptionStatusActive
		sub.Canceled = false
		sub.AutoRenew = true
		advanceExpiry(sub, ev.ExpiresAt, now)
		if ev.IsTrial != nil {
			sub.IsTrialPeriod = *ev.IsTrial
		}
		if ev.TrialEndsAt != nil {
			t := *ev.TrialEndsAt
			sub.TrialEndDate = &t
		}
	case IntentRenewed:
		sub.Status = models.SubscriptionStatusActive
		advanceExpiry(sub, ev.ExpiresAt, now)
		sub.IsTrialPeriod = false
	case IntentCancelSoft:
		sub.AutoRenew = false
	case IntentCancelHard:
		sub.Canceled = true
		sub.AutoRenew = false
		sub.Status = models.SubscriptionStatusExpired
	case IntentExpired:
		sub.Status = models.SubscriptionStatusExpired
	case IntentRefunded:
		sub.Status = models.SubscriptionStatusRefunded
		sub.Canceled = true
		sub.AutoRenew = false
	case IntentRevoked:
		sub.Status = models.SubscriptionStatusRevoked
		sub.Canceled = true
		sub.AutoRenew = false
	case IntentPaused:
		sub.Status = models.SubscriptionStatusPaused
	case IntentOnHold:
		sub.Status = models.SubscriptionStatusOnHold
	case IntentGracePeriod:
		sub.Status = models.SubscriptionStatusGracePeriod
	case IntentPaymentFailed:
		sub.Status = models.SubscriptionStatusPaymentFailed
	case IntentPaymentSucceeded:
		sub.Status = models.SubscriptionStatusActive
		sub.Canceled = false
		sub.IsTrialPeriod = false
		advanceExpiry(sub, ev.ExpiresAt, now)
	case IntentTrialWillEnd:
		if ev.TrialEndsAt != nil {
			t := *ev.TrialEndsAt
			sub.TrialEndDate = &t
		}
	case IntentPriceChangeConfirmed, IntentDeferred:
		if ev.ExpiresAt != nil && !ev.ExpiresAt.IsZero() {
			sub.ExpiresAt = *ev.ExpiresAt
		}
	case IntentAutoRenewEnabled:
		sub.AutoRenew = true
		sub.Canceled = false
	}

	if ev.ProductRef != "" {
		sub.ProductRef = ev.ProductRef
	}
	sub.LastIntent = string(ev.Intent)
	if ev.OccurredAt != nil {
		t := *ev.OccurredAt
		sub.LastEventAt = &t
	}

	tr.To = sub.Status
	return tr
}

// advanceExpiry moves ExpiresAt forward, never backward. Without a provider
// expiry the period is rolled by the subscription duration from the later of
// the current expiry and now.
func advanceExpiry(sub *models.Subscription, reported *time.Time, now time.Time) {
	if reported != nil && !reported.IsZero() {
		if reported.After(sub.ExpiresAt) {
			sub.ExpiresAt = *reported
		}
		return
	}

	days := sub.Duration
	if days <= 0 {
		days = DefaultDurationDays
	}
	base := sub.ExpiresAt
	if base.Before(now) {
		base = now
	}
	sub.ExpiresAt = base.AddDate(0, 0, days)
}
