package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/subsync/app/models"
)

// InnoDB error numbers for a lost lock race.
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// translateLockConflict maps InnoDB deadlocks and lock wait timeouts to
// ErrTxConflict. The transaction has been rolled back when either occurs.
func translateLockConflict(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout:
			return fmt.Errorf("%w: %v", ErrTxConflict, err)
		}
	}
	return err
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a Store backed by GORM. The DB handle must be opened
// with TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
func NewRepository(db *gorm.DB) Store {
	return &gormRepository{db: db}
}

func (r *gormRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
	return translateLockConflict(err)
}

func (r *gormRepository) Ledger(gateway models.Gateway) Ledger {
	return newGormLedger(r.db, gateway)
}

func (r *gormRepository) FindPlanMapping(ctx context.Context, gateway models.Gateway, productRef string) (*models.PlanMapping, error) {
	var m models.PlanMapping
	err := r.db.WithContext(ctx).
		Where("gateway = ? AND product_ref = ? AND is_active = ?", gateway, productRef, true).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) Subscriptions() SubscriptionStore {
	return &gormSubscriptions{db: t.db}
}

func (t *gormTx) Ledger(gateway models.Gateway) Ledger {
	return newGormLedger(t.db, gateway)
}

func (t *gormTx) Resolver() TransactionResolver {
	return &gormResolver{db: t.db}
}

type gormSubscriptions struct {
	db *gorm.DB
}

// FindForMutation issues SELECT ... FOR UPDATE on the gateway's key column.
// When no row matches, InnoDB takes a gap lock that does not exclude other
// gap locks, so two first-seen deliveries for one key can both get here. Their
// inserts then deadlock (1213) or time out (1205) and InTx reports
// ErrTxConflict; a 1062 duplicate surfaces as ErrDuplicateSubscription.
func (s *gormSubscriptions) FindForMutation(ctx context.Context, gateway models.Gateway, externalKey string) (*models.Subscription, error) {
	column := models.ExternalKeyColumn(gateway)
	if column == "" {
		return nil, fmt.Errorf("unknown gateway %q", gateway)
	}

	var sub models.Subscription
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("gateway = ? AND "+column+" = ?", gateway, externalKey).
		Take(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *gormSubscriptions) Create(ctx context.Context, sub *models.Subscription) error {
	err := s.db.WithContext(ctx).Create(sub).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateSubscription
	}
	return err
}

func (s *gormSubscriptions) Save(ctx context.Context, sub *models.Subscription) error {
	return s.db.WithContext(ctx).Save(sub).Error
}

type gormResolver struct {
	db *gorm.DB
}

func (r *gormResolver) FindUserByExternalToken(ctx context.Context, token string, gateway models.Gateway) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).
		Joins("JOIN transaction_mappings ON transaction_mappings.user_id = users.id").
		Where("transaction_mappings.gateway = ? AND transaction_mappings.external_token = ?", gateway, token).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// gormLedger stores ledger rows in the provider's own table.
type gormLedger struct {
	db       *gorm.DB
	model    func() interface{}
	column   string
	newEntry func(key string, outcome models.NotificationOutcome, detail string) interface{}
}

func newGormLedger(db *gorm.DB, gateway models.Gateway) Ledger {
	switch gateway {
	case models.GatewayApple:
		return &gormLedger{
			db:     db,
			model:  func() interface{} { return &models.AppleNotification{} },
			column: "notification_uuid",
			newEntry: func(key string, outcome models.NotificationOutcome, detail string) interface{} {
				return &models.AppleNotification{NotificationUUID: key, Outcome: outcome, Detail: detail}
			},
		}
	case models.GatewayGooglePlay:
		return &gormLedger{
			db:     db,
			model:  func() interface{} { return &models.GooglePlayNotification{} },
			column: "message_id",
			newEntry: func(key string, outcome models.NotificationOutcome, detail string) interface{} {
				return &models.GooglePlayNotification{MessageID: key, Outcome: outcome, Detail: detail}
			},
		}
	default:
		return &gormLedger{
			db:     db,
			model:  func() interface{} { return &models.StripeEvent{} },
			column: "event_id",
			newEntry: func(key string, outcome models.NotificationOutcome, detail string) interface{} {
				return &models.StripeEvent{EventID: key, Outcome: outcome, Detail: detail}
			},
		}
	}
}

func (l *gormLedger) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := l.db.WithContext(ctx).Model(l.model()).Where(l.column+" = ?", key).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *gormLedger) Record(ctx context.Context, key string, outcome models.NotificationOutcome, detail string) error {
	err := l.db.WithContext(ctx).Create(l.newEntry(key, outcome, detail)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateDelivery
	}
	return err
}
