package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "subsync"

	// OutcomeDuplicate labels deliveries that were already in the ledger.
	OutcomeDuplicate = "DUPLICATE"
	// OutcomeError labels deliveries that hit an infrastructure error and were not recorded.
	OutcomeError = "ERROR"
)

var (
	// NotificationsTotal counts provider notifications by final outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Total provider notifications by provider and outcome.",
	}, []string{"provider", "outcome"})

	// NotificationDuration tracks end-to-end processing latency per provider.
	NotificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "notification_duration_seconds",
		Help:      "Provider notification processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// JobQueueDepth reports pending and processing job counts.
	JobQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobqueue",
		Name:      "depth",
		Help:      "Number of jobs in the queue by state.",
	}, []string{"state"})

	// JobsTotal counts finished job attempts by type and status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobqueue",
		Name:      "jobs_total",
		Help:      "Total job attempts by job type and resulting status.",
	}, []string{"type", "status"})

	// SubscriptionsByStatus is refreshed periodically from the subscription table.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions",
		Help:      "Number of subscriptions by lifecycle status.",
	}, []string{"status"})
)

// ObserveNotification records one processed delivery.
func ObserveNotification(provider, outcome string, duplicate bool, d time.Duration) {
	switch {
	case duplicate:
		outcome = OutcomeDuplicate
	case outcome == "":
		outcome = OutcomeError
	}
	NotificationsTotal.WithLabelValues(provider, outcome).Inc()
	NotificationDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// SetJobQueueDepth publishes the current queue sizes.
func SetJobQueueDepth(pending, processing int64) {
	JobQueueDepth.WithLabelValues("pending").Set(float64(pending))
	JobQueueDepth.WithLabelValues("processing").Set(float64(processing))
}

// ObserveJob counts a job attempt.
func ObserveJob(jobType, status string) {
	JobsTotal.WithLabelValues(jobType, status).Inc()
}

// SetSubscriptionCounts replaces the per-status subscription gauge.
func SetSubscriptionCounts(counts map[string]int64) {
	SubscriptionsByStatus.Reset()
	for status, n := range counts {
		SubscriptionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
