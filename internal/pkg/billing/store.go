package billing

import (
	"context"

	"github.com/ManuelReschke/subsync/app/models"
)

// Ledger is a per-provider log of processed notifications. Record must fail
// with ErrDuplicateDelivery when the key is already present, which is what
// makes a concurrent check-then-insert race safe.
type Ledger interface {
	Exists(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string, outcome models.NotificationOutcome, detail string) error
}

// SubscriptionStore is the locked accessor for subscription rows. A row
// returned by FindForMutation stays locked until the enclosing unit of work
// commits or rolls back. A nil subscription with a nil error means no row.
type SubscriptionStore interface {
	FindForMutation(ctx context.Context, gateway models.Gateway, externalKey string) (*models.Subscription, error)
	Create(ctx context.Context, sub *models.Subscription) error
	Save(ctx context.Context, sub *models.Subscription) error
}

// TransactionResolver finds the user behind a provider token when no
// subscription exists for it yet.
type TransactionResolver interface {
	FindUserByExternalToken(ctx context.Context, token string, gateway models.Gateway) (*models.User, error)
}

// Tx is one unit of work. Writes made through it become visible atomically.
type Tx interface {
	Subscriptions() SubscriptionStore
	Ledger(gateway models.Gateway) Ledger
	Resolver() TransactionResolver
}

// Store is the persistence contract consumed by the processors.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ledger(gateway models.Gateway) Ledger
	FindPlanMapping(ctx context.Context, gateway models.Gateway, productRef string) (*models.PlanMapping, error)
}
