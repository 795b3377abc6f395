package entitlement

import (
	"time"

	"github.com/hugh/tenantgate/internal/database/models"
)

// Patch is a reconciler write against a snapshot. The implementations are
// StatusUpdate, PlanReplacement and Resubscription; limits only ever travel
// as a complete block.
type Patch interface {
	columns() map[string]interface{}
	applyTo(s *models.EntitlementSnapshot)
}

// Dates carries the billing period fields of a subscription.
type Dates struct {
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	TrialStart        *time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
}

// StatusUpdate changes the subscription status and, when Dates is set, the
// period fields. It never touches the limits block.
type StatusUpdate struct {
	Status models.SubscriptionStatus
	Dates  *Dates
}

func (p StatusUpdate) columns() map[string]interface{} {
	cols := map[string]interface{}{
		"status": p.Status,
	}
	if p.Dates != nil {
		cols["period_start"] = p.Dates.PeriodStart
		cols["period_end"] = p.Dates.PeriodEnd
		cols["trial_start"] = p.Dates.TrialStart
		cols["trial_end"] = p.Dates.TrialEnd
		cols["cancel_at_period_end"] = p.Dates.CancelAtPeriodEnd
	}
	return cols
}

func (p StatusUpdate) applyTo(s *models.EntitlementSnapshot) {
	s.Status = p.Status
	if p.Dates != nil {
		s.PeriodStart = p.Dates.PeriodStart
		s.PeriodEnd = p.Dates.PeriodEnd
		s.TrialStart = p.Dates.TrialStart
		s.TrialEnd = p.Dates.TrialEnd
		s.CancelAtPeriodEnd = p.Dates.CancelAtPeriodEnd
	}
}

// PlanReplacement swaps the plan slug and the whole limits block together
// with a status update.
type PlanReplacement struct {
	StatusUpdate
	PlanSlug string
	Limits   models.PlanLimits
	SyncedAt time.Time
}

func (p PlanReplacement) columns() map[string]interface{} {
	cols := p.StatusUpdate.columns()
	for k, v := range limitColumns(p.Limits) {
		cols[k] = v
	}
	cols["plan_slug"] = p.PlanSlug
	cols["limits_synced_at"] = p.SyncedAt
	return cols
}

func (p PlanReplacement) applyTo(s *models.EntitlementSnapshot) {
	p.StatusUpdate.applyTo(s)
	s.PlanSlug = p.PlanSlug
	s.Limits = p.Limits
	s.LimitsSyncedAt = p.SyncedAt
}

func limitColumns(l models.PlanLimits) map[string]interface{} {
	return map[string]interface{}{
		"limit_max_listings":                   l.MaxListings,
		"limit_max_featured_listings":          l.MaxFeaturedListings,
		"limit_max_members":                    l.MaxMembers,
		"limit_max_images_per_listing":         l.MaxImagesPerListing,
		"limit_max_videos_per_listing":         l.MaxVideosPerListing,
		"limit_has_analytics":                  l.HasAnalytics,
		"limit_listing_overage_cents":          l.ListingOverageCents,
		"limit_featured_listing_overage_cents": l.FeaturedListingOverageCents,
		"limit_member_overage_cents":           l.MemberOverageCents,
		"limit_image_overage_cents":            l.ImageOverageCents,
		"limit_video_overage_cents":            l.VideoOverageCents,
	}
}

// Resubscription points an existing snapshot at a new provider subscription
// and replaces its plan. Used when an organization that already has a
// snapshot subscribes again.
type Resubscription struct {
	PlanReplacement
	ExternalSubscriptionID string
	ExternalCustomerID     string
}

func (p Resubscription) columns() map[string]interface{} {
	cols := p.PlanReplacement.columns()
	cols["external_subscription_id"] = p.ExternalSubscriptionID
	cols["external_customer_id"] = p.ExternalCustomerID
	return cols
}

func (p Resubscription) applyTo(s *models.EntitlementSnapshot) {
	p.PlanReplacement.applyTo(s)
	s.ExternalSubscriptionID = p.ExternalSubscriptionID
	s.ExternalCustomerID = p.ExternalCustomerID
}
