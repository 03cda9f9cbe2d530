package billing

import (
	"time"

	"github.com/ManuelReschke/subsync/app/models"
)

// Intent is the provider-agnostic lifecycle event fed to the state machine.
type Intent string

const (
	IntentCreated              Intent = "created"
	IntentRenewed              Intent = "renewed"
	IntentCancelSoft           Intent = "cancel-soft"
	IntentCancelHard           Intent = "cancel-hard"
	IntentExpired              Intent = "expired"
	IntentRefunded             Intent = "refunded"
	IntentRevoked              Intent = "revoked"
	IntentPaused               Intent = "paused"
	IntentOnHold               Intent = "on-hold"
	IntentGracePeriod          Intent = "grace-period"
	IntentPaymentFailed        Intent = "payment-failed"
	IntentPaymentSucceeded     Intent = "payment-succeeded"
	IntentTrialWillEnd         Intent = "trial-will-end"
	IntentPriceChangeConfirmed Intent = "price-change-confirmed"
	IntentDeferred             Intent = "deferred"
	IntentAutoRenewEnabled     Intent = "auto-renew-enabled"
)

// Outbound notification tags, one per applied transition.
const (
	NotifySubscriptionCreated        = "SUBSCRIPTION_CREATED"
	NotifySubscriptionRenewed        = "SUBSCRIPTION_RENEWED"
	NotifySubscriptionCanceled       = "SUBSCRIPTION_CANCELED"
	NotifySubscriptionTerminated     = "SUBSCRIPTION_TERMINATED"
	NotifySubscriptionExpired        = "SUBSCRIPTION_EXPIRED"
	NotifySubscriptionRefunded       = "SUBSCRIPTION_REFUNDED"
	NotifySubscriptionRevoked        = "SUBSCRIPTION_REVOKED"
	NotifySubscriptionPaused         = "SUBSCRIPTION_PAUSED"
	NotifySubscriptionOnHold         = "SUBSCRIPTION_ON_HOLD"
	NotifySubscriptionGracePeriod    = "SUBSCRIPTION_GRACE_PERIOD"
	NotifyPaymentFailed              = "PAYMENT_FAILED"
	NotifyPaymentSucceeded           = "PAYMENT_SUCCEEDED"
	NotifySubscriptionTrialWillEnd   = "SUBSCRIPTION_TRIAL_WILL_END"
	NotifySubscriptionPriceChange    = "SUBSCRIPTION_PRICE_CHANGE_CONFIRMED"
	NotifySubscriptionDeferred       = "SUBSCRIPTION_DEFERRED"
	NotifySubscriptionRenewalResumed = "SUBSCRIPTION_RENEWAL_RESUMED"
)

// Event is a normalized notification: one intent plus the optional facts a
// provider reported alongside it.
type Event struct {
	Intent      Intent
	ExpiresAt   *time.Time
	IsTrial     *bool
	TrialEndsAt *time.Time
	ProductRef  string
	OccurredAt  *time.Time
}

// Transition describes what applying an Event did to a subscription.
type Transition struct {
	Intent       Intent
	From         models.SubscriptionStatus
	To           models.SubscriptionStatus
	Created      bool
	Notification string
}

// Result is what a provider processor reports back to the transport.
type Result struct {
	Gateway        models.Gateway
	Key            string
	EventType      string
	Outcome        models.NotificationOutcome
	Intent         Intent
	SubscriptionID uint
	Duplicate      bool
	// Rejected is set when signature or sender verification failed.
	Rejected bool
	Detail   string
}
