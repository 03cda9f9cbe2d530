package models

import "time"

// NotificationOutcome is the final processing result stored in a ledger row.
type NotificationOutcome string

const (
	NotificationOutcomeSuccess NotificationOutcome = "SUCCESS"
	NotificationOutcomeFailed  NotificationOutcome = "FAILED"
	NotificationOutcomeSkipped NotificationOutcome = "SKIPPED"
)

// AppleNotification marks an App Store Server Notification as processed.
type AppleNotification struct {
	ID               uint                `gorm:"primaryKey" json:"id"`
	NotificationUUID string              `gorm:"type:varchar(191);not null;uniqueIndex:ux_apple_notifications_uuid" json:"notification_uuid"`
	Outcome          NotificationOutcome `gorm:"type:varchar(16);not null;index" json:"outcome"`
	Detail           string              `gorm:"type:text" json:"detail"`
	CreatedAt        time.Time           `gorm:"autoCreateTime;index" json:"created_at"`
}

// GooglePlayNotification marks a Pub/Sub delivered RTDN message as processed.
type GooglePlayNotification struct {
	ID        uint                `gorm:"primaryKey" json:"id"`
	MessageID string              `gorm:"type:varchar(191);not null;uniqueIndex:ux_google_play_notifications_message_id" json:"message_id"`
	Outcome   NotificationOutcome `gorm:"type:varchar(16);not null;index" json:"outcome"`
	Detail    string              `gorm:"type:text" json:"detail"`
	CreatedAt time.Time           `gorm:"autoCreateTime;index" json:"created_at"`
}

// StripeEvent marks a Stripe webhook event as processed.
type StripeEvent struct {
	ID        uint                `gorm:"primaryKey" json:"id"`
	EventID   string              `gorm:"type:varchar(191);not null;uniqueIndex:ux_stripe_events_event_id" json:"event_id"`
	Outcome   NotificationOutcome `gorm:"type:varchar(16);not null;index" json:"outcome"`
	Detail    string              `gorm:"type:text" json:"detail"`
	CreatedAt time.Time           `gorm:"autoCreateTime;index" json:"created_at"`
}
