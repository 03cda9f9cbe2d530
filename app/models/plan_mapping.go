package models

import "time"

// PlanMapping maps a provider product reference (App Store product id, Play
// subscription id, Stripe price id) to the internal group a subscription
// grants and the period length used to roll expiry forward.
type PlanMapping struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Gateway      Gateway   `gorm:"type:varchar(20);not null;index:ux_plan_mappings_ref,unique,priority:1" json:"gateway"`
	ProductRef   string    `gorm:"type:varchar(191);not null;index:ux_plan_mappings_ref,unique,priority:2" json:"product_ref"`
	GroupID      uint      `gorm:"not null;index" json:"group_id"`
	DurationDays int       `gorm:"not null;default:30" json:"duration_days"`
	IsActive     bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
