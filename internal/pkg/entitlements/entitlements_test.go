package entitlements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/subsync/app/models"
)

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func sub(gw models.Gateway, group uint, status models.SubscriptionStatus, expires time.Time) models.Subscription {
	return models.Subscription{UserID: 1, Gateway: gw, GroupID: group, Status: status, ExpiresAt: expires}
}

func TestEvaluate(t *testing.T) {
	future := now.Add(48 * time.Hour)
	later := now.Add(30 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name        string
		subs        []models.Subscription
		wantAccess  bool
		wantExpires *time.Time
		wantGroups  []uint
		wantGateway models.Gateway
	}{
		{name: "no subscriptions", wantGroups: []uint{}},
		{
			name:        "active future expiry",
			subs:        []models.Subscription{sub(models.GatewayStripe, 2, models.SubscriptionStatusActive, future)},
			wantAccess:  true,
			wantExpires: &future,
			wantGroups:  []uint{2},
			wantGateway: models.GatewayStripe,
		},
		{
			name:       "active but lapsed",
			subs:       []models.Subscription{sub(models.GatewayStripe, 2, models.SubscriptionStatusActive, past)},
			wantGroups: []uint{},
		},
		{
			name:        "grace period ignores expiry",
			subs:        []models.Subscription{sub(models.GatewayApple, 3, models.SubscriptionStatusGracePeriod, past)},
			wantAccess:  true,
			wantExpires: &past,
			wantGroups:  []uint{3},
			wantGateway: models.GatewayApple,
		},
		{
			name:        "payment failed keeps access until expiry",
			subs:        []models.Subscription{sub(models.GatewayGooglePlay, 1, models.SubscriptionStatusPaymentFailed, future)},
			wantAccess:  true,
			wantExpires: &future,
			wantGroups:  []uint{1},
			wantGateway: models.GatewayGooglePlay,
		},
		{
			name: "terminal and paused states never grant access",
			subs: []models.Subscription{
				sub(models.GatewayApple, 1, models.SubscriptionStatusRefunded, later),
				sub(models.GatewayApple, 1, models.SubscriptionStatusRevoked, later),
				sub(models.GatewayGooglePlay, 1, models.SubscriptionStatusPaused, later),
				sub(models.GatewayGooglePlay, 1, models.SubscriptionStatusOnHold, later),
				sub(models.GatewayStripe, 1, models.SubscriptionStatusExpired, later),
			},
			wantGroups: []uint{},
		},
		{
			name: "latest expiry across gateways wins",
			subs: []models.Subscription{
				sub(models.GatewayApple, 5, models.SubscriptionStatusActive, future),
				sub(models.GatewayStripe, 2, models.SubscriptionStatusActive, later),
				sub(models.GatewayGooglePlay, 5, models.SubscriptionStatusActive, future),
			},
			wantAccess:  true,
			wantExpires: &later,
			wantGroups:  []uint{2, 5},
			wantGateway: models.GatewayStripe,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := Evaluate(1, tt.subs, now)

			assert.Equal(t, uint(1), acc.UserID)
			assert.Equal(t, tt.wantAccess, acc.HasAccess)
			assert.Equal(t, tt.wantGroups, acc.Groups)
			assert.Equal(t, tt.wantGateway, acc.Gateway)
			if tt.wantExpires == nil {
				assert.Nil(t, acc.ExpiresAt)
				return
			}
			require.NotNil(t, acc.ExpiresAt)
			assert.True(t, tt.wantExpires.Equal(*acc.ExpiresAt))
		})
	}
}

func TestEvaluateDoesNotAliasInput(t *testing.T) {
	subs := []models.Subscription{sub(models.GatewayStripe, 1, models.SubscriptionStatusActive, now.Add(time.Hour))}
	acc := Evaluate(1, subs, now)
	require.NotNil(t, acc.ExpiresAt)

	subs[0].ExpiresAt = now.Add(10 * time.Hour)
	assert.True(t, acc.ExpiresAt.Equal(now.Add(time.Hour)))
}
