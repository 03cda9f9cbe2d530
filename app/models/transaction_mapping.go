package models

import "time"

// TransactionMapping links a provider token (transaction id, purchase token,
// customer id, app account token) to a local user. Rows are written by the
// purchase flow before the first notification arrives.
type TransactionMapping struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        uint      `gorm:"not null;index" json:"user_id"`
	Gateway       Gateway   `gorm:"type:varchar(20);not null;index:ux_transaction_mappings_token,unique,priority:1" json:"gateway"`
	ExternalToken string    `gorm:"type:varchar(512);not null;index:ux_transaction_mappings_token,unique,priority:2" json:"external_token"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
