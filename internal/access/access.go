// Package access derives what a member may do from the organization's
// lifecycle status, its entitlement and the member's role. Resolve is a pure
// function; the same inputs always produce an equal Decision.
package access

import (
	"strings"

	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/entitlement"
)

// Capability is one dashboard area. Capabilities combine as a bit set.
type Capability uint16

const (
	CapOverview Capability = 1 << iota
	CapOnboarding
	CapOrganizationProfile
	CapSubscription
	CapListings
	CapBookings
	CapAnalytics
	CapTeam
	CapPayouts
	CapFixApplication
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapOverview, "overview"},
	{CapOnboarding, "onboarding"},
	{CapOrganizationProfile, "organization-profile"},
	{CapSubscription, "subscription"},
	{CapListings, "listings"},
	{CapBookings, "bookings"},
	{CapAnalytics, "analytics"},
	{CapTeam, "team"},
	{CapPayouts, "payouts"},
	{CapFixApplication, "fix-application"},
}

// Names lists the capabilities in c in a fixed order.
func (c Capability) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, n := range capabilityNames {
		if c&n.cap != 0 {
			names = append(names, n.name)
		}
	}
	return names
}

func (c Capability) String() string {
	return strings.Join(c.Names(), ",")
}

// Org is the lifecycle state the resolver needs. Reason is what the status
// page shows for a suspended, archived or rejected organization.
type Org struct {
	Status models.OrgStatus
	Reason string
}

// OrgOf extracts the resolver input from a stored organization.
func OrgOf(o *models.Organization) Org {
	switch o.Status {
	case models.OrgStatusSuspended, models.OrgStatusArchived:
		return Org{Status: o.Status, Reason: o.BanReason}
	case models.OrgStatusRejected:
		return Org{Status: o.Status, Reason: o.RejectionReason}
	}
	return Org{Status: o.Status}
}

// Decision is a resolved set of capabilities. It is comparable with ==.
type Decision struct {
	Status       models.OrgStatus
	Reason       string
	Role         models.MemberRole
	Capabilities Capability
}

func (d Decision) Has(c Capability) bool {
	return d.Capabilities&c == c
}

// Resolve applies the access rules in order; the first matching status rule
// wins.
func Resolve(org Org, ent entitlement.View, role models.MemberRole) Decision {
	d := Decision{Status: org.Status, Role: role}
	owner := role == models.RoleOwner
	manager := role == models.RoleOwner || role == models.RoleAdmin

	switch org.Status {
	case models.OrgStatusSuspended, models.OrgStatusArchived:
		d.Reason = org.Reason
		d.Capabilities = CapOverview

	case models.OrgStatusIdle, models.OrgStatusOnboarding:
		d.Capabilities = CapOnboarding

	case models.OrgStatusPending, models.OrgStatusRejected:
		d.Capabilities = CapOverview | CapOrganizationProfile
		if owner {
			d.Capabilities |= CapSubscription
		}
		if org.Status == models.OrgStatusRejected {
			d.Reason = org.Reason
			d.Capabilities |= CapFixApplication
		}

	case models.OrgStatusActive:
		d.Capabilities = CapOverview | CapOrganizationProfile | CapListings | CapBookings
		if ent.Limits.HasAnalytics && manager {
			d.Capabilities |= CapAnalytics
		}
		if teamAllowed(ent.Limits.MaxMembers) && manager {
			d.Capabilities |= CapTeam
		}
		if owner {
			d.Capabilities |= CapSubscription | CapPayouts
		}
	}

	return d
}

// A negative member limit is unlimited.
func teamAllowed(maxMembers int) bool {
	return maxMembers > 1 || maxMembers < 0
}
