package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/subsync/app/models"
	"github.com/ManuelReschke/subsync/internal/pkg/billing"
	"github.com/ManuelReschke/subsync/internal/pkg/billing/memstore"
)

// slowStore holds every unit of work open for delay after the locked read
// and logs when each one enters and leaves its critical section.
type slowStore struct {
	*memstore.Store
	delay time.Duration

	mu     sync.Mutex
	events []string
}

func (s *slowStore) log(e string) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *slowStore) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	return s.Store.InTx(ctx, func(tx billing.Tx) error {
		return fn(slowTx{Tx: tx, s: s})
	})
}

type slowTx struct {
	billing.Tx
	s *slowStore
}

func (t slowTx) Subscriptions() billing.SubscriptionStore {
	return slowSubs{SubscriptionStore: t.Tx.Subscriptions(), s: t.s}
}

type slowSubs struct {
	billing.SubscriptionStore
	s *slowStore
}

func (ss slowSubs) FindForMutation(ctx context.Context, gateway models.Gateway, key string) (*models.Subscription, error) {
	sub, err := ss.SubscriptionStore.FindForMutation(ctx, gateway, key)
	ss.s.log("enter")
	time.Sleep(ss.s.delay)
	return sub, err
}

func (ss slowSubs) Save(ctx context.Context, sub *models.Subscription) error {
	ss.s.log("exit")
	return ss.SubscriptionStore.Save(ctx, sub)
}

func seedStripe(store *memstore.Store, key string) {
	sub := models.Subscription{
		UserID:    31,
		Gateway:   models.GatewayStripe,
		Status:    models.SubscriptionStatusActive,
		AutoRenew: true,
		ExpiresAt: fixedNow.Add(2 * 24 * time.Hour),
		Duration:  30,
	}
	sub.SetExternalKey(key)
	store.PutSubscription(sub)
}

func TestConcurrentDeliveriesForSameSubscriptionDoNotInterleave(t *testing.T) {
	mem := memstore.New()
	seedStripe(mem, "sub_busy")
	slow := &slowStore{Store: mem, delay: 100 * time.Millisecond}
	h := newHarnessWithStore(t, mem, slow)
	p := billing.NewStripeProcessor(h.svc, stripeSecret)

	renew := stripeEvent(t, "evt_renew", billing.StripeSubscriptionUpdated, stripeSubscriptionObject("sub_busy", "active", fixedNow.Add(40*24*time.Hour)))
	cancel := stripeSubscriptionObject("sub_busy", "active", fixedNow.Add(40*24*time.Hour))
	cancel["cancel_at_period_end"] = true
	cancelPayload := stripeEvent(t, "evt_cancel", billing.StripeSubscriptionUpdated, cancel)

	var wg sync.WaitGroup
	for _, payload := range [][]byte{renew, cancelPayload} {
		wg.Add(1)
		go func(payload []byte) {
			defer wg.Done()
			res, err := p.Process(context.Background(), payload, signStripe(payload))
			assert.NoError(t, err)
			assert.Equal(t, models.NotificationOutcomeSuccess, res.Outcome)
		}(payload)
	}
	wg.Wait()

	assert.Equal(t, []string{"enter", "exit", "enter", "exit"}, slow.events)

	sub, _ := mem.Subscription(models.GatewayStripe, "sub_busy")
	assert.False(t, sub.AutoRenew, "cancel-soft lost")
	assert.Equal(t, fixedNow.Add(40*24*time.Hour).Unix(), sub.ExpiresAt.Unix(), "renewal lost")
	assert.ElementsMatch(t, []string{billing.NotifySubscriptionRenewed, billing.NotifySubscriptionCanceled}, h.notifier.events())
}

func TestSecondDeliveryBlocksUntilFirstCommits(t *testing.T) {
	mem := memstore.New()
	seedStripe(mem, "sub_block")
	slow := &slowStore{Store: mem, delay: 150 * time.Millisecond}
	h := newHarnessWithStore(t, mem, slow)
	p := billing.NewStripeProcessor(h.svc, stripeSecret)

	first := stripeEvent(t, "evt_a", billing.StripeSubscriptionPaused, stripeSubscriptionObject("sub_block", "paused", fixedNow))
	second := stripeEvent(t, "evt_b", billing.StripeSubscriptionResumed, stripeSubscriptionObject("sub_block", "active", fixedNow.Add(30*24*time.Hour)))

	firstDone := make(chan time.Time, 1)
	go func() {
		_, err := p.Process(context.Background(), first, signStripe(first))
		assert.NoError(t, err)
		firstDone <- time.Now()
	}()
	time.Sleep(30 * time.Millisecond)

	_, err := p.Process(context.Background(), second, signStripe(second))
	require.NoError(t, err)
	secondDone := time.Now()

	finished := <-firstDone
	assert.False(t, secondDone.Before(finished), "second delivery finished before the first released its lock")

	sub, _ := mem.Subscription(models.GatewayStripe, "sub_block")
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
}

func TestConcurrentRedeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	seedStripe(h.store, "sub_storm")
	p := billing.NewStripeProcessor(h.svc, stripeSecret)
	payload := stripeEvent(t, "evt_storm", billing.StripeSubscriptionDeleted, stripeSubscriptionObject("sub_storm", "canceled", fixedNow))

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied, duplicates := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Process(context.Background(), payload, signStripe(payload))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, billing.ErrDuplicateDelivery):
				duplicates++
			case err == nil && res.Outcome == models.NotificationOutcomeSuccess:
				applied++
			default:
				t.Errorf("unexpected result %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, n-1, duplicates)
	assert.Equal(t, []string{billing.NotifySubscriptionTerminated}, h.notifier.events())
	assert.Len(t, h.access.calls(), 1)
	assert.Equal(t, 1, h.store.LedgerLen(models.GatewayStripe))
}

func TestConcurrentFirstSeenCreatesOneRow(t *testing.T) {
	h := newHarness(t)
	user := h.store.AddUser(models.User{Name: "dave", Email: "dave@example.com"})
	h.store.AddTransactionMapping(models.GatewayGooglePlay, "tok-race", user.ID)
	p := billing.NewGooglePlayProcessor(h.svc, "", nil, nil)

	var wg sync.WaitGroup
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := p.Process(context.Background(), playPush(t, id, playSubscriptionNotification(billing.PlayPurchased, "tok-race")), "")
			assert.NoError(t, err)
			assert.Equal(t, models.NotificationOutcomeSuccess, res.Outcome)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, h.store.SubscriptionCount())
	assert.Len(t, h.store.SubscriptionsByUser(user.ID), 1)
}

// racingCreateStore makes the first Create lose to a concurrent insert.
type racingCreateStore struct {
	*memstore.Store
	once sync.Once
}

func (s *racingCreateStore) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	return s.Store.InTx(ctx, func(tx billing.Tx) error {
		return fn(racingTx{Tx: tx, s: s})
	})
}

type racingTx struct {
	billing.Tx
	s *racingCreateStore
}

func (t racingTx) Subscriptions() billing.SubscriptionStore {
	return racingSubs{SubscriptionStore: t.Tx.Subscriptions(), s: t.s}
}

type racingSubs struct {
	billing.SubscriptionStore
	s *racingCreateStore
}

func (rs racingSubs) Create(ctx context.Context, sub *models.Subscription) error {
	lost := false
	rs.s.once.Do(func() {
		winner := *sub
		winner.Status = models.SubscriptionStatusActive
		winner.ExpiresAt = fixedNow.Add(time.Hour)
		rs.s.PutSubscription(winner)
		lost = true
	})
	if lost {
		return billing.ErrDuplicateSubscription
	}
	return rs.SubscriptionStore.Create(ctx, sub)
}

func TestCreateRaceRetriesUnderLock(t *testing.T) {
	mem := memstore.New()
	racing := &racingCreateStore{Store: mem}
	h := newHarnessWithStore(t, mem, racing)
	user := mem.AddUser(models.User{Name: "erin", Email: "erin@example.com"})
	mem.AddTransactionMapping(models.GatewayStripe, "sub_race", user.ID)
	p := billing.NewStripeProcessor(h.svc, stripeSecret)

	payload := stripeEvent(t, "evt_race", billing.StripeSubscriptionCreated, stripeSubscriptionObject("sub_race", "active", fixedNow.Add(30*24*time.Hour)))
	res, err := p.Process(context.Background(), payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, models.NotificationOutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, mem.SubscriptionCount())

	sub, _ := mem.Subscription(models.GatewayStripe, "sub_race")
	assert.Equal(t, fixedNow.Add(30*24*time.Hour).Unix(), sub.ExpiresAt.Unix())
}

// conflictStore fails the first failures units of work the way a MySQL
// deadlock surfaces from the gorm store.
type conflictStore struct {
	*memstore.Store
	failures int

	mu    sync.Mutex
	calls int
}

func (s *conflictStore) InTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n <= s.failures {
		return fmt.Errorf("%w: Error 1213: Deadlock found when trying to get lock", billing.ErrTxConflict)
	}
	return s.Store.InTx(ctx, fn)
}

func TestLockConflictIsRetried(t *testing.T) {
	mem := memstore.New()
	seedStripe(mem, "sub_lock")
	store := &conflictStore{Store: mem, failures: 2}
	h := newHarnessWithStore(t, mem, store)
	p := billing.NewStripeProcessor(h.svc, stripeSecret)

	payload := stripeEvent(t, "evt_lock", billing.StripeSubscriptionDeleted, stripeSubscriptionObject("sub_lock", "canceled", fixedNow))
	res, err := p.Process(context.Background(), payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, models.NotificationOutcomeSuccess, res.Outcome)
	assert.Equal(t, 3, store.calls)

	sub, _ := mem.Subscription(models.GatewayStripe, "sub_lock")
	assert.Equal(t, models.SubscriptionStatusExpired, sub.Status)
	assert.Len(t, h.notifier.events(), 1)
}

func TestLockConflictExhaustedLeavesKeyForRedelivery(t *testing.T) {
	mem := memstore.New()
	seedStripe(mem, "sub_lock")
	store := &conflictStore{Store: mem, failures: 3}
	h := newHarnessWithStore(t, mem, store)
	p := billing.NewStripeProcessor(h.svc, stripeSecret)

	payload := stripeEvent(t, "evt_lock", billing.StripeSubscriptionDeleted, stripeSubscriptionObject("sub_lock", "canceled", fixedNow))
	_, err := p.Process(context.Background(), payload, signStripe(payload))
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrTxConflict)
	assert.False(t, errors.Is(err, billing.ErrDuplicateDelivery))

	_, recorded := mem.LedgerEntry(models.GatewayStripe, "evt_lock")
	assert.False(t, recorded)
	assert.Empty(t, h.notifier.events())

	res, err := p.Process(context.Background(), payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, models.NotificationOutcomeSuccess, res.Outcome)
	sub, _ := mem.Subscription(models.GatewayStripe, "sub_lock")
	assert.Equal(t, models.SubscriptionStatusExpired, sub.Status)
}

type brokenLedgerStore struct {
	*memstore.Store
}

type brokenLedger struct{}

func (brokenLedger) Exists(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenLedger) Record(context.Context, string, models.NotificationOutcome, string) error {
	return errors.New("connection refused")
}

func (s brokenLedgerStore) Ledger(models.Gateway) billing.Ledger { return brokenLedger{} }

func TestInfrastructureErrorPropagates(t *testing.T) {
	mem := memstore.New()
	seedStripe(mem, "sub_1")
	h := newHarnessWithStore(t, mem, brokenLedgerStore{Store: mem})
	p := billing.NewStripeProcessor(h.svc, stripeSecret)

	payload := stripeEvent(t, "evt_1", billing.StripeSubscriptionDeleted, stripeSubscriptionObject("sub_1", "canceled", fixedNow))
	_, err := p.Process(context.Background(), payload, signStripe(payload))
	require.Error(t, err)
	assert.False(t, errors.Is(err, billing.ErrDuplicateDelivery))

	sub, _ := mem.Subscription(models.GatewayStripe, "sub_1")
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Empty(t, h.notifier.events())
}

type failingAccess struct{ calls int }

func (f *failingAccess) RefreshAccess(context.Context, uint) error {
	f.calls++
	return errors.New("redis unavailable")
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) NotifyAsync(context.Context, billing.OutboundNotification) error {
	f.calls++
	return errors.New("queue full")
}

func TestSideEffectFailuresDoNotFailDelivery(t *testing.T) {
	mem := memstore.New()
	seedStripe(mem, "sub_se")
	access, notifier := &failingAccess{}, &failingNotifier{}
	svc := billing.NewService(mem, billing.NewDispatcher(access, notifier), billing.WithClock(func() time.Time { return fixedNow }))
	p := billing.NewStripeProcessor(svc, stripeSecret)

	payload := stripeEvent(t, "evt_se", billing.StripeSubscriptionPaused, stripeSubscriptionObject("sub_se", "paused", fixedNow))
	res, err := p.Process(context.Background(), payload, signStripe(payload))
	require.NoError(t, err)
	assert.Equal(t, models.NotificationOutcomeSuccess, res.Outcome)
	assert.Equal(t, 1, access.calls)
	assert.Equal(t, 1, notifier.calls)

	sub, _ := mem.Subscription(models.GatewayStripe, "sub_se")
	assert.Equal(t, models.SubscriptionStatusPaused, sub.Status)
}

func TestDispatcherPayload(t *testing.T) {
	access, notifier := &recordingAccess{}, &recordingNotifier{}
	d := billing.NewDispatcher(access, notifier)
	trialEnd := fixedNow.Add(48 * time.Hour)
	sub := &models.Subscription{
		ID:           5,
		UserID:       9,
		Gateway:      models.GatewayApple,
		Status:       models.SubscriptionStatusActive,
		AutoRenew:    true,
		ExpiresAt:    trialEnd,
		TrialEndDate: &trialEnd,
	}

	d.Dispatch(context.Background(), sub, billing.Transition{Notification: billing.NotifySubscriptionTrialWillEnd})
	require.Len(t, notifier.sent, 1)
	n := notifier.sent[0]
	assert.Equal(t, billing.NotifySubscriptionTrialWillEnd, n.Event)
	assert.Equal(t, uint(9), n.UserID)
	assert.Equal(t, uint(5), n.SubscriptionID)
	assert.Equal(t, models.GatewayApple, n.Gateway)
	assert.Equal(t, &trialEnd, n.TrialEndDate)
	assert.Equal(t, []uint{9}, access.calls())

	// no tag: access refresh only
	d.Dispatch(context.Background(), sub, billing.Transition{})
	assert.Len(t, notifier.sent, 1)
	assert.Len(t, access.calls(), 2)

	// nil collaborators are tolerated
	billing.NewDispatcher(nil, nil).Dispatch(context.Background(), sub, billing.Transition{Notification: "X"})
	var nilDispatcher *billing.Dispatcher
	nilDispatcher.Dispatch(context.Background(), sub, billing.Transition{Notification: "X"})
}
