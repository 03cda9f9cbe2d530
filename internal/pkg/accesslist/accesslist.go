// Package accesslist publishes each user's current entitlement to Redis, where
// the rest of the network reads it.
package accesslist

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/subsync/app/models"
	"github.com/ManuelReschke/subsync/app/repository"
	"github.com/ManuelReschke/subsync/internal/pkg/entitlements"
)

const (
	userKeyPrefix  = "acl:user:"
	RefreshChannel = "acl:refresh"
)

// UserKey returns the hash key holding a user's access record.
func UserKey(userID uint) string {
	return userKeyPrefix + strconv.FormatUint(uint64(userID), 10)
}

// Refresher implements billing.AccessRefresher on top of Redis.
type Refresher struct {
	client *redis.Client
	subs   repository.SubscriptionRepository
	now    func() time.Time
}

func NewRefresher(client *redis.Client, subs repository.SubscriptionRepository) *Refresher {
	return &Refresher{client: client, subs: subs, now: time.Now}
}

// RefreshAccess recomputes the user's access from all of their subscriptions,
// stores it and announces the user id on RefreshChannel.
func (r *Refresher) RefreshAccess(ctx context.Context, userID uint) error {
	subs, err := r.subs.GetByUserID(userID)
	if err != nil {
		return fmt.Errorf("load subscriptions for user %d: %w", userID, err)
	}
	now := r.now().UTC()
	acc := entitlements.Evaluate(userID, subs, now)

	expires := ""
	if acc.ExpiresAt != nil {
		expires = acc.ExpiresAt.UTC().Format(time.RFC3339)
	}
	groups := make([]string, 0, len(acc.Groups))
	for _, g := range acc.Groups {
		groups = append(groups, strconv.FormatUint(uint64(g), 10))
	}

	key := UserKey(userID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"has_access": strconv.FormatBool(acc.HasAccess),
		"expires_at": expires,
		"groups":     strings.Join(groups, ","),
		"gateway":    string(acc.Gateway),
		"updated_at": now.Format(time.RFC3339),
	})
	pipe.Publish(ctx, RefreshChannel, strconv.FormatUint(uint64(userID), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write access list for user %d: %w", userID, err)
	}

	log.Debugf("[AccessList] user=%d access=%t groups=%v", userID, acc.HasAccess, acc.Groups)
	return nil
}

// Get reads back a stored access record. A user never refreshed has no access.
func (r *Refresher) Get(ctx context.Context, userID uint) (*entitlements.Access, error) {
	fields, err := r.client.HGetAll(ctx, UserKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	acc := &entitlements.Access{UserID: userID, Groups: []uint{}}
	if len(fields) == 0 {
		return acc, nil
	}
	acc.HasAccess, _ = strconv.ParseBool(fields["has_access"])
	if raw := fields["expires_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at for user %d: %w", userID, err)
		}
		acc.ExpiresAt = &t
	}
	if raw := fields["groups"]; raw != "" {
		for _, part := range strings.Split(raw, ",") {
			g, err := strconv.ParseUint(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse groups for user %d: %w", userID, err)
			}
			acc.Groups = append(acc.Groups, uint(g))
		}
	}
	acc.Gateway = models.Gateway(fields["gateway"])
	return acc, nil
}
