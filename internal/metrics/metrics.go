package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BillingEventsTotal counts reconciled billing events by type and outcome.
	BillingEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantgate",
		Subsystem: "billing",
		Name:      "events_total",
		Help:      "Billing events processed by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// ReconcileDuration tracks reconciliation latency per event type.
	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tenantgate",
		Subsystem: "billing",
		Name:      "reconcile_duration_seconds",
		Help:      "Billing event reconciliation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ConcurrencyConflictsTotal counts lost compare-and-swap writes.
	ConcurrencyConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantgate",
		Name:      "concurrency_conflicts_total",
		Help:      "Optimistic write conflicts by component.",
	}, []string{"component"})

	// EscalationsTotal counts events that exhausted their not-found retries.
	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantgate",
		Subsystem: "billing",
		Name:      "escalations_total",
		Help:      "Billing events escalated after repeated failures, by reason.",
	}, []string{"reason"})

	// WebhookRequestsTotal counts webhook ingress requests by HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantgate",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// LifecycleTransitionsTotal counts lifecycle transition attempts.
	LifecycleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantgate",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Organization lifecycle transitions by transition and result.",
	}, []string{"transition", "result"})

	// UsageRejectionsTotal counts usage increments refused by a limit.
	UsageRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantgate",
		Subsystem: "entitlement",
		Name:      "usage_rejections_total",
		Help:      "Usage adjustments rejected because a limit would be exceeded.",
	}, []string{"field"})

	// NotificationsTotal counts notification dispatch results.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantgate",
		Subsystem: "notify",
		Name:      "notifications_total",
		Help:      "Notification requests by kind and result.",
	}, []string{"kind", "result"})

	// CatalogLookupsTotal counts plan catalog lookups by cache tier.
	CatalogLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tenantgate",
		Subsystem: "catalog",
		Name:      "lookups_total",
		Help:      "Plan catalog lookups by the tier that answered.",
	}, []string{"source"})
)
