package repository

import (
	"github.com/ManuelReschke/subsync/app/models"
	"gorm.io/gorm"
)

type subscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository creates a new subscription repository instance
func NewSubscriptionRepository(db *gorm.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

func (r *subscriptionRepository) GetByID(id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.First(&sub, id).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetByUserID returns every subscription of a user, newest expiry first
func (r *subscriptionRepository) GetByUserID(userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("user_id = ?", userID).Order("expires_at DESC").Find(&subs).Error
	return subs, err
}

// CountByStatus groups all subscriptions by lifecycle status
func (r *subscriptionRepository) CountByStatus() (map[models.SubscriptionStatus]int64, error) {
	var rows []struct {
		Status models.SubscriptionStatus
		Total  int64
	}
	err := r.db.Model(&models.Subscription{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make(map[models.SubscriptionStatus]int64, len(rows))
	for _, row := range rows {
		result[row.Status] = row.Total
	}
	return result, nil
}
