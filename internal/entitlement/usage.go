package entitlement

import "github.com/hugh/tenantgate/internal/database/models"

// UsageField names a usage counter on the snapshot.
type UsageField string

const (
	UsageListings         UsageField = "listings"
	UsageMembers          UsageField = "members"
	UsageFeaturedListings UsageField = "featured_listings"
	UsageImages           UsageField = "images"
	UsageVideos           UsageField = "videos"
)

func (f UsageField) Valid() bool {
	switch f {
	case UsageListings, UsageMembers, UsageFeaturedListings, UsageImages, UsageVideos:
		return true
	}
	return false
}

func (f UsageField) column() string {
	switch f {
	case UsageListings:
		return "usage_current_listings"
	case UsageMembers:
		return "usage_current_members"
	case UsageFeaturedListings:
		return "usage_current_featured_listings"
	case UsageImages:
		return "usage_current_total_images"
	case UsageVideos:
		return "usage_current_total_videos"
	}
	return ""
}

func (f UsageField) current(u models.UsageCounters) int {
	switch f {
	case UsageListings:
		return u.CurrentListings
	case UsageMembers:
		return u.CurrentMembers
	case UsageFeaturedListings:
		return u.CurrentFeaturedListings
	case UsageImages:
		return u.CurrentTotalImages
	case UsageVideos:
		return u.CurrentTotalVideos
	}
	return 0
}

func (f UsageField) set(u *models.UsageCounters, v int) {
	switch f {
	case UsageListings:
		u.CurrentListings = v
	case UsageMembers:
		u.CurrentMembers = v
	case UsageFeaturedListings:
		u.CurrentFeaturedListings = v
	case UsageImages:
		u.CurrentTotalImages = v
	case UsageVideos:
		u.CurrentTotalVideos = v
	}
}

// limit returns the ceiling for the counter, or -1 when unlimited. Image and
// video totals are bounded by the per-listing allowance times the listing
// allowance.
func (f UsageField) limit(l models.PlanLimits) int {
	switch f {
	case UsageListings:
		return l.MaxListings
	case UsageMembers:
		return l.MaxMembers
	case UsageFeaturedListings:
		return l.MaxFeaturedListings
	case UsageImages:
		return perListingTotal(l.MaxImagesPerListing, l.MaxListings)
	case UsageVideos:
		return perListingTotal(l.MaxVideosPerListing, l.MaxListings)
	}
	return 0
}

func perListingTotal(perListing, listings int) int {
	if perListing < 0 || listings < 0 {
		return -1
	}
	return perListing * listings
}

// Limit exposes the effective ceiling of f under l (-1 when unlimited).
func (f UsageField) Limit(l models.PlanLimits) int {
	return f.limit(l)
}
