package memstore

import (
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/subsync/app/models"
	"github.com/ManuelReschke/subsync/app/repository"
)

// Repositories exposes the store through the read repositories used outside
// the billing core, so the service runs without a database.
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		User:         userView{s},
		Subscription: subscriptionView{s},
	}
}

type userView struct{ s *Store }

func (v userView) GetByID(id uint) (*models.User, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	u, ok := v.s.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := *u
	return &out, nil
}

func (v userView) GetByEmail(email string) (*models.User, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, u := range v.s.users {
		if strings.EqualFold(u.Email, email) {
			out := *u
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

type subscriptionView struct{ s *Store }

func (v subscriptionView) GetByID(id uint) (*models.Subscription, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	sub, ok := v.s.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := *sub
	return &out, nil
}

func (v subscriptionView) GetByUserID(userID uint) ([]models.Subscription, error) {
	return v.s.SubscriptionsByUser(userID), nil
}

func (v subscriptionView) CountByStatus() (map[models.SubscriptionStatus]int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	out := make(map[models.SubscriptionStatus]int64)
	for _, sub := range v.s.subs {
		out[sub.Status]++
	}
	return out, nil
}
