// Package memstore is an in-process billing.Store. Row locks are a mutex per
// (gateway, external key), which serializes a single instance only.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/subsync/app/models"
	"github.com/ManuelReschke/subsync/internal/pkg/billing"
)

var timeNow = time.Now

type subKey struct {
	gateway models.Gateway
	key     string
}

// LedgerEntry is one recorded notification.
type LedgerEntry struct {
	Key       string
	Outcome   models.NotificationOutcome
	Detail    string
	CreatedAt time.Time
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Store implements billing.Store in memory.
type Store struct {
	mu       sync.Mutex
	nextID   uint
	subs     map[uint]*models.Subscription
	byKey    map[subKey]uint
	ledgers  map[models.Gateway]map[string]LedgerEntry
	mappings map[subKey]uint
	users    map[uint]*models.User
	plans    map[subKey]models.PlanMapping
	locks    map[subKey]*keyLock
}

// New creates an empty store.
func New() *Store {
	return &Store{
		subs:     make(map[uint]*models.Subscription),
		byKey:    make(map[subKey]uint),
		ledgers:  make(map[models.Gateway]map[string]LedgerEntry),
		mappings: make(map[subKey]uint),
		users:    make(map[uint]*models.User),
		plans:    make(map[subKey]models.PlanMapping),
		locks:    make(map[subKey]*keyLock),
	}
}

// AddUser registers a user. A zero ID is assigned.
func (s *Store) AddUser(u models.User) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = uint(len(s.users) + 1)
	}
	s.users[u.ID] = &u
	return &u
}

// AddTransactionMapping links a provider token to a user.
func (s *Store) AddTransactionMapping(gateway models.Gateway, token string, userID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[subKey{gateway, token}] = userID
}

// AddPlanMapping registers what a provider product grants.
func (s *Store) AddPlanMapping(m models.PlanMapping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[subKey{m.Gateway, m.ProductRef}] = m
}

// PutSubscription inserts or replaces a subscription outside of any unit of
// work, assigning an ID when it has none.
func (s *Store) PutSubscription(sub models.Subscription) *models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		s.nextID++
		sub.ID = s.nextID
	} else if sub.ID > s.nextID {
		s.nextID = sub.ID
	}
	stored := sub
	s.subs[sub.ID] = &stored
	s.byKey[subKey{sub.Gateway, sub.ExternalKey()}] = sub.ID
	out := stored
	return &out
}

// Subscription returns a copy of the committed row for an external key.
func (s *Store) Subscription(gateway models.Gateway, externalKey string) (*models.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[subKey{gateway, externalKey}]
	if !ok {
		return nil, false
	}
	out := *s.subs[id]
	return &out, true
}

// SubscriptionsByUser returns copies of a user's subscriptions ordered by ID.
func (s *Store) SubscriptionsByUser(userID uint) []models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubscriptionCount returns the number of committed rows.
func (s *Store) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// LedgerEntry returns the recorded entry for a key.
func (s *Store) LedgerEntry(gateway models.Gateway, key string) (LedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledgers[gateway][key]
	return e, ok
}

// LedgerLen returns the number of entries in a provider's ledger.
func (s *Store) LedgerLen(gateway models.Gateway) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledgers[gateway])
}

// FindPlanMapping implements billing.Store.
func (s *Store) FindPlanMapping(_ context.Context, gateway models.Gateway, productRef string) (*models.PlanMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.plans[subKey{gateway, productRef}]
	if !ok || !m.IsActive {
		return nil, nil
	}
	return &m, nil
}

// Ledger implements billing.Store. Records written through it are committed
// immediately.
func (s *Store) Ledger(gateway models.Gateway) billing.Ledger {
	return &directLedger{s: s, gateway: gateway}
}

// InTx implements billing.Store. Writes are staged and applied atomically
// when fn returns nil; key locks taken by FindForMutation are held until then.
func (s *Store) InTx(_ context.Context, fn func(tx billing.Tx) error) error {
	t := &tx{s: s, held: make(map[subKey]func())}
	defer t.release()

	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

func (s *Store) lockKey(k subKey) func() {
	s.mu.Lock()
	l := s.locks[k]
	if l == nil {
		l = &keyLock{}
		s.locks[k] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, k)
		}
		s.mu.Unlock()
	}
}

func (s *Store) ledgerExistsLocked(gateway models.Gateway, key string) bool {
	_, ok := s.ledgers[gateway][key]
	return ok
}

func (s *Store) recordLocked(gateway models.Gateway, e LedgerEntry) {
	l := s.ledgers[gateway]
	if l == nil {
		l = make(map[string]LedgerEntry)
		s.ledgers[gateway] = l
	}
	l[e.Key] = e
}

type directLedger struct {
	s       *Store
	gateway models.Gateway
}

func (l *directLedger) Exists(_ context.Context, key string) (bool, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.ledgerExistsLocked(l.gateway, key), nil
}

func (l *directLedger) Record(_ context.Context, key string, outcome models.NotificationOutcome, detail string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.ledgerExistsLocked(l.gateway, key) {
		return billing.ErrDuplicateDelivery
	}
	l.s.recordLocked(l.gateway, LedgerEntry{Key: key, Outcome: outcome, Detail: detail, CreatedAt: timeNow()})
	return nil
}
