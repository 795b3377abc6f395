// Package entitlement owns the canonical subscription entitlement of an
// organization: the snapshot written by the billing reconciler, the default
// applied when no snapshot exists, and the usage counters checked against it.
package entitlement

import (
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/database/models"
)

// DefaultPlanSlug names the most restrictive plan. Organizations without a
// snapshot are treated as if they were on it.
const DefaultPlanSlug = "free"

// DefaultLimits is the limits block of DefaultPlanSlug.
var DefaultLimits = models.PlanLimits{
	MaxListings:         1,
	MaxFeaturedListings: 0,
	MaxMembers:          1,
	MaxImagesPerListing: 5,
	MaxVideosPerListing: 0,
	HasAnalytics:        false,
}

// Source tells whether a View came from a stored snapshot or the default.
type Source int

const (
	SourceDefault Source = iota
	SourceSnapshot
)

func (s Source) String() string {
	if s == SourceSnapshot {
		return "snapshot"
	}
	return "default"
}

// View is the read-side entitlement of one organization. It is a plain value:
// two views of the same snapshot version compare equal.
type View struct {
	Source         Source
	OrganizationID uuid.UUID
	SnapshotID     uuid.UUID
	Version        int64

	PlanSlug          string
	Status            models.SubscriptionStatus
	CancelAtPeriodEnd bool
	PeriodEnd         time.Time
	TrialEnd          time.Time

	Limits models.PlanLimits
	Usage  models.UsageCounters
}

// HasSnapshot reports whether the view is backed by a stored snapshot.
func (v View) HasSnapshot() bool {
	return v.Source == SourceSnapshot
}

// Default returns the most restrictive entitlement for orgID.
func Default(orgID uuid.UUID) View {
	return View{
		Source:         SourceDefault,
		OrganizationID: orgID,
		PlanSlug:       DefaultPlanSlug,
		Limits:         DefaultLimits,
	}
}

// FromSnapshot converts a stored snapshot into its read-side view.
func FromSnapshot(s *models.EntitlementSnapshot) View {
	if s == nil {
		return View{Source: SourceDefault, PlanSlug: DefaultPlanSlug, Limits: DefaultLimits}
	}
	v := View{
		Source:            SourceSnapshot,
		OrganizationID:    s.OrganizationID,
		SnapshotID:        s.ID,
		Version:           s.Version,
		PlanSlug:          s.PlanSlug,
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Limits:            s.Limits,
		Usage:             s.Usage,
	}
	if s.PeriodEnd != nil {
		v.PeriodEnd = s.PeriodEnd.UTC()
	}
	if s.TrialEnd != nil {
		v.TrialEnd = s.TrialEnd.UTC()
	}
	return v
}
