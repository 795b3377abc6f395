package access

import (
	"net/url"
	"strings"

	"github.com/hugh/tenantgate/internal/database/models"
)

const (
	RouteOverview       = "/overview"
	RouteOnboarding     = "/onboarding"
	RouteOrganization   = "/organization"
	RouteSubscription   = "/subscription"
	RouteListings       = "/listings"
	RouteBookings       = "/bookings"
	RouteAnalytics      = "/analytics"
	RouteTeam           = "/team"
	RoutePayouts        = "/payouts"
	RouteFixApplication = "/fix-application"
	RouteStatus         = "/status"
)

var routeCapabilities = []struct {
	prefix string
	cap    Capability
}{
	{RouteOverview, CapOverview},
	{RouteOnboarding, CapOnboarding},
	{RouteOrganization, CapOrganizationProfile},
	{RouteSubscription, CapSubscription},
	{RouteListings, CapListings},
	{RouteBookings, CapBookings},
	{RouteAnalytics, CapAnalytics},
	{RouteTeam, CapTeam},
	{RoutePayouts, CapPayouts},
	{RouteFixApplication, CapFixApplication},
}

// Verdict is the outcome of guarding one route.
type Verdict struct {
	Allow      bool   `json:"allow"`
	RedirectTo string `json:"redirect_to,omitempty"`
}

// Guard decides whether route may be shown. Denied routes carry the page the
// caller should be sent to instead. The status page is always reachable.
func (d Decision) Guard(route string) Verdict {
	path := normalize(route)
	if matches(path, RouteStatus) {
		return Verdict{Allow: true}
	}

	for _, rc := range routeCapabilities {
		if matches(path, rc.prefix) {
			if d.Has(rc.cap) {
				return Verdict{Allow: true}
			}
			break
		}
	}

	return Verdict{RedirectTo: d.Landing()}
}

// Landing is where a member goes when a route is denied.
func (d Decision) Landing() string {
	switch d.Status {
	case models.OrgStatusSuspended, models.OrgStatusArchived:
		q := url.Values{}
		q.Set("state", strings.ToLower(string(d.Status)))
		if d.Reason != "" {
			q.Set("reason", d.Reason)
		}
		return RouteStatus + "?" + q.Encode()
	case models.OrgStatusIdle, models.OrgStatusOnboarding:
		return RouteOnboarding
	}
	return RouteOverview
}

func normalize(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	route = "/" + strings.Trim(strings.TrimSpace(route), "/")
	return strings.ToLower(route)
}

func matches(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
