package entitlements

import (
	"sort"
	"time"

	"github.com/ManuelReschke/subsync/app/models"
)

// Access is the network-wide view of what a user may use right now.
type Access struct {
	UserID    uint       `json:"user_id"`
	HasAccess bool       `json:"has_access"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Groups    []uint     `json:"groups"`
	// Gateway of the subscription with the latest effective expiry.
	Gateway models.Gateway `json:"gateway,omitempty"`
}

// Evaluate combines all subscriptions of one user. Any subscription granting
// access at now grants access; the effective expiry is the latest expiry among
// them. Grace periods grant access regardless of the stored expiry.
func Evaluate(userID uint, subs []models.Subscription, now time.Time) Access {
	acc := Access{UserID: userID, Groups: []uint{}}
	seen := make(map[uint]struct{})

	for i := range subs {
		s := &subs[i]
		if !s.HasAccessAt(now) {
			continue
		}
		acc.HasAccess = true
		if _, ok := seen[s.GroupID]; !ok {
			seen[s.GroupID] = struct{}{}
			acc.Groups = append(acc.Groups, s.GroupID)
		}
		if acc.ExpiresAt == nil || s.ExpiresAt.After(*acc.ExpiresAt) {
			exp := s.ExpiresAt
			acc.ExpiresAt = &exp
			acc.Gateway = s.Gateway
		}
	}

	sort.Slice(acc.Groups, func(i, j int) bool { return acc.Groups[i] < acc.Groups[j] })
	return acc
}
