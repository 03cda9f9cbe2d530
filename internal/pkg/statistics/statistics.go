package statistics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/subsync/app/repository"
	"github.com/ManuelReschke/subsync/internal/pkg/metrics"
)

const (
	CacheKeySubscriptions  = "statistics:subscriptions"
	CacheExpiration        = 30 * time.Minute
	DefaultRefreshInterval = 5 * time.Minute
)

// Collector keeps per-status subscription counts in the cache and in the
// subsync_subscriptions gauge.
type Collector struct {
	client   *redis.Client
	subs     repository.SubscriptionRepository
	interval time.Duration

	mu         sync.Mutex
	lastUpdate time.Time
}

func NewCollector(client *redis.Client, subs repository.SubscriptionRepository, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Collector{client: client, subs: subs, interval: interval}
}

// ShouldUpdate reports whether the last refresh is older than the interval.
func (c *Collector) ShouldUpdate(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastUpdate) > c.interval
}

// ResetUpdateTimer forces the next Counts call to recount.
func (c *Collector) ResetUpdateTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastUpdate = time.Time{}
}

// Update recounts subscriptions from the repository. A cache write failure
// is logged and does not fail the refresh.
func (c *Collector) Update(ctx context.Context) (map[string]int64, error) {
	byStatus, err := c.subs.CountByStatus()
	if err != nil {
		log.Errorf("[Statistics] Counting subscriptions: %v", err)
		return nil, err
	}

	counts := make(map[string]int64, len(byStatus))
	fields := make(map[string]any, len(byStatus))
	for status, n := range byStatus {
		counts[string(status)] = n
		fields[string(status)] = n
	}
	metrics.SetSubscriptionCounts(counts)

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, CacheKeySubscriptions)
	if len(fields) > 0 {
		pipe.HSet(ctx, CacheKeySubscriptions, fields)
		pipe.Expire(ctx, CacheKeySubscriptions, CacheExpiration)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warnf("[Statistics] Caching subscription counts: %v", err)
	}

	c.mu.Lock()
	c.lastUpdate = time.Now()
	c.mu.Unlock()

	log.Debugf("[Statistics] Subscription counts updated: %v", counts)
	return counts, nil
}

// Counts returns the cached counts, recounting when they are stale or missing.
func (c *Collector) Counts(ctx context.Context) (map[string]int64, error) {
	if !c.ShouldUpdate(time.Now()) {
		vals, err := c.client.HGetAll(ctx, CacheKeySubscriptions).Result()
		if err == nil && len(vals) > 0 {
			counts := make(map[string]int64, len(vals))
			for status, raw := range vals {
				n, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					continue
				}
				counts[status] = n
			}
			return counts, nil
		}
	}
	return c.Update(ctx)
}

// Run refreshes the counts on every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	if _, err := c.Update(ctx); err != nil {
		log.Warnf("[Statistics] Initial refresh failed: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = c.Update(ctx)
		}
	}
}
