package memstore

import (
	"context"

	"github.com/ManuelReschke/subsync/app/models"
	"github.com/ManuelReschke/subsync/internal/pkg/billing"
)

type stagedLedger struct {
	gateway models.Gateway
	entry   LedgerEntry
}

type tx struct {
	s       *Store
	held    map[subKey]func()
	created []*models.Subscription
	saved   map[uint]*models.Subscription
	ledger  []stagedLedger
}

func (t *tx) release() {
	for _, unlock := range t.held {
		unlock()
	}
	t.held = nil
}

func (t *tx) Subscriptions() billing.SubscriptionStore { return (*txSubscriptions)(t) }

func (t *tx) Ledger(gateway models.Gateway) billing.Ledger {
	return &txLedger{t: t, gateway: gateway}
}

func (t *tx) Resolver() billing.TransactionResolver { return (*txResolver)(t) }

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range t.ledger {
		if s.ledgerExistsLocked(l.gateway, l.entry.Key) {
			return billing.ErrDuplicateDelivery
		}
	}
	for _, sub := range t.created {
		if _, ok := s.byKey[subKey{sub.Gateway, sub.ExternalKey()}]; ok {
			return billing.ErrDuplicateSubscription
		}
	}

	for _, sub := range t.created {
		stored := *sub
		s.subs[sub.ID] = &stored
		s.byKey[subKey{sub.Gateway, sub.ExternalKey()}] = sub.ID
	}
	for id, sub := range t.saved {
		stored := *sub
		s.subs[id] = &stored
	}
	for _, l := range t.ledger {
		s.recordLocked(l.gateway, l.entry)
	}
	return nil
}

type txSubscriptions tx

func (ts *txSubscriptions) FindForMutation(ctx context.Context, gateway models.Gateway, externalKey string) (*models.Subscription, error) {
	t := (*tx)(ts)
	k := subKey{gateway, externalKey}
	if _, ok := t.held[k]; !ok {
		t.held[k] = t.s.lockKey(k)
	}

	for _, sub := range t.created {
		if sub.Gateway == gateway && sub.ExternalKey() == externalKey {
			return sub, nil
		}
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.byKey[k]
	if !ok {
		return nil, nil
	}
	if staged, ok := t.saved[id]; ok {
		return staged, nil
	}
	out := *t.s.subs[id]
	return &out, nil
}

func (ts *txSubscriptions) Create(_ context.Context, sub *models.Subscription) error {
	t := (*tx)(ts)
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[subKey{sub.Gateway, sub.ExternalKey()}]; ok {
		return billing.ErrDuplicateSubscription
	}
	s.nextID++
	sub.ID = s.nextID
	t.created = append(t.created, sub)
	return nil
}

func (ts *txSubscriptions) Save(_ context.Context, sub *models.Subscription) error {
	t := (*tx)(ts)
	for _, c := range t.created {
		if c == sub {
			return nil
		}
	}
	if t.saved == nil {
		t.saved = make(map[uint]*models.Subscription)
	}
	t.saved[sub.ID] = sub
	return nil
}

type txLedger struct {
	t       *tx
	gateway models.Gateway
}

func (l *txLedger) Exists(_ context.Context, key string) (bool, error) {
	for _, staged := range l.t.ledger {
		if staged.gateway == l.gateway && staged.entry.Key == key {
			return true, nil
		}
	}
	l.t.s.mu.Lock()
	defer l.t.s.mu.Unlock()
	return l.t.s.ledgerExistsLocked(l.gateway, key), nil
}

func (l *txLedger) Record(ctx context.Context, key string, outcome models.NotificationOutcome, detail string) error {
	exists, err := l.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return billing.ErrDuplicateDelivery
	}
	l.t.ledger = append(l.t.ledger, stagedLedger{
		gateway: l.gateway,
		entry:   LedgerEntry{Key: key, Outcome: outcome, Detail: detail, CreatedAt: timeNow()},
	})
	return nil
}

type txResolver tx

func (tr *txResolver) FindUserByExternalToken(_ context.Context, token string, gateway models.Gateway) (*models.User, error) {
	s := (*tx)(tr).s
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.mappings[subKey{gateway, token}]
	if !ok {
		return nil, nil
	}
	u, ok := s.users[userID]
	if !ok {
		return &models.User{ID: userID}, nil
	}
	out := *u
	return &out, nil
}
