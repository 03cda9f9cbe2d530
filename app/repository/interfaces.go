package repository

import (
	"github.com/ManuelReschke/subsync/app/models"
	"gorm.io/gorm"
)

// UserRepository defines the read access the engine needs to users
type UserRepository interface {
	GetByID(id uint) (*models.User, error)
	GetByEmail(email string) (*models.User, error)
}

// SubscriptionRepository reads subscriptions outside the locked billing path.
// Writes always go through billing.Store.
type SubscriptionRepository interface {
	GetByID(id uint) (*models.Subscription, error)
	GetByUserID(userID uint) ([]models.Subscription, error)
	CountByStatus() (map[models.SubscriptionStatus]int64, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	User         UserRepository
	Subscription SubscriptionRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		User:         NewUserRepository(db),
		Subscription: NewSubscriptionRepository(db),
	}
}
