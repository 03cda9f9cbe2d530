package models

import "time"

// Gateway identifies the payment provider that owns a subscription.
type Gateway string

const (
	GatewayApple      Gateway = "apple"
	GatewayGooglePlay Gateway = "google_play"
	GatewayStripe     Gateway = "stripe"
)

// SubscriptionStatus is the unified lifecycle status across all gateways.
type SubscriptionStatus string

const (
	SubscriptionStatusActive        SubscriptionStatus = "ACTIVE"
	SubscriptionStatusOnHold        SubscriptionStatus = "ON_HOLD"
	SubscriptionStatusGracePeriod   SubscriptionStatus = "GRACE_PERIOD"
	SubscriptionStatusPaused        SubscriptionStatus = "PAUSED"
	SubscriptionStatusPaymentFailed SubscriptionStatus = "PAYMENT_FAILED"
	SubscriptionStatusExpired       SubscriptionStatus = "EXPIRED"
	SubscriptionStatusRefunded      SubscriptionStatus = "REFUNDED"
	SubscriptionStatusRevoked       SubscriptionStatus = "REVOKED"
)

// IsTerminal reports whether no further provider transitions are expected.
func (s SubscriptionStatus) IsTerminal() bool {
	switch s {
	case SubscriptionStatusExpired, SubscriptionStatusRefunded, SubscriptionStatusRevoked:
		return true
	default:
		return false
	}
}

// Subscription is one user's current or historical paid entitlement. Only the
// external identifier of its own gateway is populated; each of them is unique
// so a provider key always resolves to at most one row.
type Subscription struct {
	ID                    uint               `gorm:"primaryKey" json:"id"`
	UserID                uint               `gorm:"not null;index" json:"user_id"`
	GroupID               uint               `gorm:"not null;default:0;index" json:"group_id"`
	Gateway               Gateway            `gorm:"type:varchar(20);not null;index:idx_subscriptions_gateway_status,priority:1" json:"gateway"`
	OriginalTransactionID *string            `gorm:"type:varchar(191);uniqueIndex:ux_subscriptions_original_transaction_id" json:"original_transaction_id,omitempty"`
	PurchaseToken         *string            `gorm:"type:varchar(512);uniqueIndex:ux_subscriptions_purchase_token" json:"purchase_token,omitempty"`
	StripeSubscriptionID  *string            `gorm:"type:varchar(191);uniqueIndex:ux_subscriptions_stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	ProductRef            string             `gorm:"type:varchar(191);not null;default:''" json:"product_ref"`
	Status                SubscriptionStatus `gorm:"type:varchar(32);not null;default:'ACTIVE';index:idx_subscriptions_gateway_status,priority:2" json:"status"`
	Canceled              bool               `gorm:"not null;default:false" json:"canceled"`
	AutoRenew             bool               `gorm:"not null;default:true" json:"auto_renew"`
	IsTrialPeriod         bool               `gorm:"not null;default:false" json:"is_trial_period"`
	TrialEndDate          *time.Time         `gorm:"type:timestamp;default:null" json:"trial_end_date,omitempty"`
	ExpiresAt             time.Time          `gorm:"type:timestamp;not null;index" json:"expires_at"`
	Duration              int                `gorm:"not null;default:30" json:"duration"`
	LastIntent            string             `gorm:"type:varchar(40);not null;default:''" json:"last_intent"`
	LastEventAt           *time.Time         `gorm:"type:timestamp;default:null" json:"last_event_at,omitempty"`
	LastNotificationKey   string             `gorm:"type:varchar(191);not null;default:''" json:"last_notification_key"`
	CreatedAt             time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// ExternalKeyColumn returns the column holding the lookup key for a gateway.
func ExternalKeyColumn(gateway Gateway) string {
	switch gateway {
	case GatewayApple:
		return "original_transaction_id"
	case GatewayGooglePlay:
		return "purchase_token"
	case GatewayStripe:
		return "stripe_subscription_id"
	default:
		return ""
	}
}

// ExternalKey returns the identifier used to find this subscription at its gateway.
func (s *Subscription) ExternalKey() string {
	var p *string
	switch s.Gateway {
	case GatewayApple:
		p = s.OriginalTransactionID
	case GatewayGooglePlay:
		p = s.PurchaseToken
	case GatewayStripe:
		p = s.StripeSubscriptionID
	}
	if p == nil {
		return ""
	}
	return *p
}

// SetExternalKey populates the identifier column matching the subscription's gateway.
func (s *Subscription) SetExternalKey(key string) {
	k := key
	switch s.Gateway {
	case GatewayApple:
		s.OriginalTransactionID = &k
	case GatewayGooglePlay:
		s.PurchaseToken = &k
	case GatewayStripe:
		s.StripeSubscriptionID = &k
	}
}

// HasAccessAt reports whether the subscription grants access at t.
func (s *Subscription) HasAccessAt(t time.Time) bool {
	switch s.Status {
	case SubscriptionStatusGracePeriod:
		return true
	case SubscriptionStatusActive, SubscriptionStatusPaymentFailed:
		return s.ExpiresAt.After(t)
	default:
		return false
	}
}
