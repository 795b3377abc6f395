package models

import (
	"time"

	"github.com/google/uuid"
)

type SubscriptionStatus string

const (
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionPaused            SubscriptionStatus = "paused"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionTrialing, SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled,
		SubscriptionIncomplete, SubscriptionIncompleteExpired, SubscriptionPaused, SubscriptionUnpaid:
		return true
	}
	return false
}

// PlanLimits is the limits block of a plan. Snapshots carry a copy taken at
// sync time so later catalog edits do not leak into existing subscriptions.
// A negative Max* value means unlimited.
type PlanLimits struct {
	MaxListings         int  `gorm:"not null;default:0" json:"max_listings"`
	MaxFeaturedListings int  `gorm:"not null;default:0" json:"max_featured_listings"`
	MaxMembers          int  `gorm:"not null;default:0" json:"max_members"`
	MaxImagesPerListing int  `gorm:"not null;default:0" json:"max_images_per_listing"`
	MaxVideosPerListing int  `gorm:"not null;default:0" json:"max_videos_per_listing"`
	HasAnalytics        bool `gorm:"not null;default:false" json:"has_analytics"`

	// Per-unit overage costs in minor currency units
	ListingOverageCents         int64 `gorm:"not null;default:0" json:"listing_overage_cents"`
	FeaturedListingOverageCents int64 `gorm:"not null;default:0" json:"featured_listing_overage_cents"`
	MemberOverageCents          int64 `gorm:"not null;default:0" json:"member_overage_cents"`
	ImageOverageCents           int64 `gorm:"not null;default:0" json:"image_overage_cents"`
	VideoOverageCents           int64 `gorm:"not null;default:0" json:"video_overage_cents"`
}

type UsageCounters struct {
	CurrentListings         int `gorm:"not null;default:0" json:"current_listings"`
	CurrentMembers          int `gorm:"not null;default:0" json:"current_members"`
	CurrentFeaturedListings int `gorm:"not null;default:0" json:"current_featured_listings"`
	CurrentTotalImages      int `gorm:"not null;default:0" json:"current_total_images"`
	CurrentTotalVideos      int `gorm:"not null;default:0" json:"current_total_videos"`
}

type EntitlementSnapshot struct {
	Base
	OrganizationID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"organization_id"`

	// Correlation keys into the billing provider
	ExternalSubscriptionID string `gorm:"uniqueIndex;not null" json:"external_subscription_id"`
	ExternalCustomerID     string `gorm:"index" json:"external_customer_id,omitempty"`

	Status            SubscriptionStatus `gorm:"not null;index" json:"status"`
	PeriodStart       *time.Time         `json:"period_start,omitempty"`
	PeriodEnd         *time.Time         `json:"period_end,omitempty"`
	CancelAtPeriodEnd bool               `gorm:"not null;default:false" json:"cancel_at_period_end"`
	TrialStart        *time.Time         `json:"trial_start,omitempty"`
	TrialEnd          *time.Time         `json:"trial_end,omitempty"`

	// Tagged limits value: which plan the block was copied from and when
	PlanSlug       string     `gorm:"not null" json:"plan_slug"`
	Limits         PlanLimits `gorm:"embedded;embeddedPrefix:limit_" json:"limits"`
	LimitsSyncedAt time.Time  `json:"limits_synced_at"`

	Usage UsageCounters `gorm:"embedded;embeddedPrefix:usage_" json:"usage"`

	LastAppliedEventAt time.Time `json:"last_applied_event_at"`
	Version            int64     `gorm:"not null;default:1" json:"version"`

	// Relationships
	Organization *Organization `gorm:"foreignKey:OrganizationID" json:"-"`
}

func (EntitlementSnapshot) TableName() string {
	return "entitlement_snapshots"
}

// DefaultUsage holds the usage counters of an organization that has no
// snapshot yet. Provisioning moves the counters onto the new snapshot and
// deletes the row.
type DefaultUsage struct {
	OrganizationID uuid.UUID     `gorm:"type:uuid;primaryKey" json:"organization_id"`
	Usage          UsageCounters `gorm:"embedded;embeddedPrefix:usage_" json:"usage"`
	Version        int64         `gorm:"not null;default:1" json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (DefaultUsage) TableName() string {
	return "default_usage"
}
