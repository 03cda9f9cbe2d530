package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/subsync/app/models"
	"github.com/ManuelReschke/subsync/internal/pkg/metrics"
)

// Service runs the provider-neutral part of notification processing:
// idempotency, locked resolution, the state machine and side effects.
type Service struct {
	store               Store
	dispatcher          *Dispatcher
	validate            *validator.Validate
	defaultDurationDays int
	now                 func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDefaultDuration sets the period length used without a plan mapping.
func WithDefaultDuration(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.defaultDurationDays = days
		}
	}
}

// NewService creates a billing service from an injected store.
func NewService(store Store, dispatcher *Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:               store,
		dispatcher:          dispatcher,
		validate:            validator.New(),
		defaultDurationDays: DefaultDurationDays,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, dispatcher *Dispatcher, opts ...Option) *Service {
	return NewService(NewRepository(db), dispatcher, opts...)
}

// maxApplyAttempts bounds reruns of a unit of work that lost a lock race.
const maxApplyAttempts = 3

type duplicatePolicy int

const (
	// duplicateSkip answers a redelivery as a silent no-op.
	duplicateSkip duplicatePolicy = iota
	// duplicateFail answers a redelivery with ErrDuplicateDelivery.
	duplicateFail
)

// Decoded is what a provider extracts from a verified payload.
type Decoded struct {
	EventType     string
	ExternalID    string
	ResolveTokens []string
	// Skip marks an event type that has no intent.
	Skip  bool
	Event Event
}

type delivery struct {
	gateway    models.Gateway
	key        string
	payload    []byte
	duplicates duplicatePolicy
	verify     func(ctx context.Context) error
	decode     func(ctx context.Context) (*Decoded, error)
}

func payloadHashKey(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "hash:" + hex.EncodeToString(sum[:])
}

func (s *Service) validateStruct(v interface{}) error {
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func (s *Service) process(ctx context.Context, d delivery) (*Result, error) {
	start := time.Now()
	if strings.TrimSpace(d.key) == "" {
		d.key = payloadHashKey(d.payload)
	}
	res := &Result{Gateway: d.gateway, Key: d.key}
	defer func() {
		metrics.ObserveNotification(string(d.gateway), string(res.Outcome), res.Duplicate, time.Since(start))
	}()

	ledger := s.store.Ledger(d.gateway)
	exists, err := ledger.Exists(ctx, d.key)
	if err != nil {
		return res, fmt.Errorf("ledger lookup for %s: %w", d.key, err)
	}
	if exists {
		return s.duplicate(res, d.duplicates)
	}

	if d.verify != nil {
		if err := d.verify(ctx); err != nil {
			res.Rejected = true
			res.Key = payloadHashKey(d.payload)
			return s.fail(ctx, ledger, res, err)
		}
	}

	dec, err := d.decode(ctx)
	if err != nil {
		return s.fail(ctx, ledger, res, err)
	}
	res.EventType = dec.EventType

	if dec.Skip {
		res.Outcome = models.NotificationOutcomeSkipped
		log.Infof("[Billing] %s notification %s skipped: unmapped event type %q", d.gateway, d.key, dec.EventType)
		if err := ledger.Record(ctx, d.key, models.NotificationOutcomeSkipped, "unmapped event type "+dec.EventType); err != nil {
			if errors.Is(err, ErrDuplicateDelivery) {
				return s.duplicate(res, d.duplicates)
			}
			return res, fmt.Errorf("record skipped notification: %w", err)
		}
		return res, nil
	}
	res.Intent = dec.Event.Intent

	var sub *models.Subscription
	var tr Transition
	for attempt := 1; ; attempt++ {
		sub, tr, err = s.applyInTx(ctx, d.gateway, d.key, dec)
		if attempt >= maxApplyAttempts {
			break
		}
		if errors.Is(err, ErrDuplicateSubscription) {
			log.Warnf("[Billing] %s subscription %s created concurrently, retrying under lock", d.gateway, dec.ExternalID)
			continue
		}
		if errors.Is(err, ErrTxConflict) {
			log.Warnf("[Billing] %s notification %s lost a lock race (attempt %d): %v", d.gateway, d.key, attempt, err)
			continue
		}
		break
	}
	if errors.Is(err, ErrDuplicateDelivery) {
		return s.duplicate(res, d.duplicates)
	}
	if errors.Is(err, ErrTxConflict) || errors.Is(err, ErrDuplicateSubscription) {
		// nothing was claimed, leave the key free for the provider's redelivery
		return res, fmt.Errorf("apply %s notification %s: %w", d.gateway, d.key, err)
	}
	if err != nil {
		return s.fail(ctx, ledger, res, err)
	}

	res.Outcome = models.NotificationOutcomeSuccess
	res.SubscriptionID = sub.ID
	log.Infof("[Billing] %s notification %s (%s) applied %s to subscription %d: %s -> %s",
		d.gateway, d.key, dec.EventType, tr.Intent, sub.ID, tr.From, tr.To)

	s.dispatcher.Dispatch(ctx, sub, tr)
	return res, nil
}

func (s *Service) duplicate(res *Result, policy duplicatePolicy) (*Result, error) {
	res.Duplicate = true
	res.Outcome = models.NotificationOutcomeSkipped
	log.Infof("[Billing] %s notification %s already processed", res.Gateway, res.Key)
	if policy == duplicateFail {
		return res, ErrDuplicateDelivery
	}
	return res, nil
}

// fail records a FAILED ledger row. The error is contained unless the row
// itself cannot be written, in which case the provider should redeliver.
func (s *Service) fail(ctx context.Context, ledger Ledger, res *Result, cause error) (*Result, error) {
	res.Outcome = models.NotificationOutcomeFailed
	res.Detail = cause.Error()
	log.Warnf("[Billing] %s notification %s failed: %v", res.Gateway, res.Key, cause)

	err := ledger.Record(ctx, res.Key, models.NotificationOutcomeFailed, res.Detail)
	if err != nil && !errors.Is(err, ErrDuplicateDelivery) {
		return res, fmt.Errorf("record failed notification: %w", err)
	}
	return res, nil
}

func (s *Service) applyInTx(ctx context.Context, gateway models.Gateway, key string, dec *Decoded) (*models.Subscription, Transition, error) {
	var sub *models.Subscription
	var tr Transition

	err := s.store.InTx(ctx, func(tx Tx) error {
		found, err := tx.Subscriptions().FindForMutation(ctx, gateway, dec.ExternalID)
		if err != nil {
			return fmt.Errorf("find subscription: %w", err)
		}

		created := false
		if found == nil {
			found, err = s.createFromMapping(ctx, tx, gateway, dec)
			if err != nil {
				return err
			}
			created = true
		}

		tr = Apply(found, dec.Event, s.now())
		if created {
			tr.Created = true
			if found.Status == models.SubscriptionStatusActive {
				tr.Notification = NotifySubscriptionCreated
			}
		}
		found.LastNotificationKey = key

		if err := tx.Subscriptions().Save(ctx, found); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}
		if err := tx.Ledger(gateway).Record(ctx, key, models.NotificationOutcomeSuccess, string(dec.Event.Intent)); err != nil {
			return err
		}
		sub = found
		return nil
	})
	return sub, tr, err
}

func intentAdvancesExpiry(intent Intent) bool {
	switch intent {
	case IntentCreated, IntentRenewed, IntentPaymentSucceeded:
		return true
	default:
		return false
	}
}

// createFromMapping handles the first notification for an external key that
// was not linked at purchase time.
func (s *Service) createFromMapping(ctx context.Context, tx Tx, gateway models.Gateway, dec *Decoded) (*models.Subscription, error) {
	var user *models.User
	seen := make(map[string]struct{}, len(dec.ResolveTokens)+1)
	for _, raw := range append([]string{dec.ExternalID}, dec.ResolveTokens...) {
		token := strings.TrimSpace(raw)
		if token == "" {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}

		u, err := tx.Resolver().FindUserByExternalToken(ctx, token, gateway)
		if err != nil {
			return nil, fmt.Errorf("resolve transaction mapping: %w", err)
		}
		if u != nil {
			user = u
			break
		}
	}
	if user == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrUnresolvedSubscription, gateway, dec.ExternalID)
	}

	terms, err := s.ResolvePlanTerms(ctx, gateway, dec.Event.ProductRef)
	if err != nil {
		return nil, fmt.Errorf("resolve plan mapping: %w", err)
	}

	now := s.now()
	sub := &models.Subscription{
		UserID:     user.ID,
		GroupID:    terms.GroupID,
		Gateway:    gateway,
		ProductRef: normalizeProductRef(dec.Event.ProductRef),
		Status:     models.SubscriptionStatusActive,
		AutoRenew:  true,
		Duration:   terms.DurationDays,
	}
	sub.SetExternalKey(dec.ExternalID)
	switch {
	case dec.Event.ExpiresAt != nil && !dec.Event.ExpiresAt.IsZero():
		sub.ExpiresAt = *dec.Event.ExpiresAt
	case intentAdvancesExpiry(dec.Event.Intent):
		sub.ExpiresAt = now
	default:
		sub.ExpiresAt = now.AddDate(0, 0, terms.DurationDays)
	}

	if err := tx.Subscriptions().Create(ctx, sub); err != nil {
		return nil, err
	}
	log.Infof("[Billing] Created %s subscription %d for user %d from transaction mapping", gateway, sub.ID, user.ID)
	return sub, nil
}

func millisToTime(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func secondsToTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
