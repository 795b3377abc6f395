package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessedEvent is an idempotency ledger entry. The primary key on
// ExternalEventID gives insert-once semantics under concurrent delivery.
type ProcessedEvent struct {
	ExternalEventID string    `gorm:"primaryKey" json:"external_event_id"`
	Type            string    `gorm:"not null;index" json:"type"`
	ObjectRef       string    `gorm:"index" json:"object_ref"`
	Outcome         string    `gorm:"not null" json:"outcome"`
	ProcessedAt     time.Time `gorm:"not null;index" json:"processed_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_events"
}

// PaymentRecord stores invoice payment outcomes. Rows are additive and are
// written even when the accompanying status change is discarded as stale.
type PaymentRecord struct {
	Base
	OrganizationID         uuid.UUID `gorm:"type:uuid;index;not null" json:"organization_id"`
	ExternalSubscriptionID string    `gorm:"index;not null" json:"external_subscription_id"`
	ExternalInvoiceID      string    `gorm:"not null;index" json:"external_invoice_id"`
	ExternalEventID        string    `gorm:"uniqueIndex;not null" json:"external_event_id"`
	AmountCents            int64     `json:"amount_cents"`
	Currency               string    `json:"currency"`
	Succeeded              bool      `gorm:"not null" json:"succeeded"`
	OccurredAt             time.Time `gorm:"not null" json:"occurred_at"`
}

func (PaymentRecord) TableName() string {
	return "payment_records"
}

// Plan is a catalog entry. Snapshots copy Limits at sync time.
type Plan struct {
	Base
	Slug     string     `gorm:"uniqueIndex;not null" json:"slug"`
	Name     string     `gorm:"not null" json:"name"`
	Limits   PlanLimits `gorm:"embedded;embeddedPrefix:limit_" json:"limits"`
	IsActive bool       `gorm:"not null;index" json:"is_active"`
}

func (Plan) TableName() string {
	return "plans"
}

// PlanPrice maps a provider price reference to a catalog plan.
type PlanPrice struct {
	Base
	PriceRef string `gorm:"uniqueIndex;not null" json:"price_ref"`
	PlanSlug string `gorm:"not null;index" json:"plan_slug"`
}

func (PlanPrice) TableName() string {
	return "plan_prices"
}
