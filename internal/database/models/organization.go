package models

import "github.com/google/uuid"

type OrgStatus string

const (
	OrgStatusIdle       OrgStatus = "IDLE"
	OrgStatusOnboarding OrgStatus = "ONBOARDING"
	OrgStatusPending    OrgStatus = "PENDING"
	OrgStatusActive     OrgStatus = "ACTIVE"
	OrgStatusRejected   OrgStatus = "REJECTED"
	OrgStatusSuspended  OrgStatus = "SUSPENDED"
	OrgStatusArchived   OrgStatus = "ARCHIVED"
)

// AllOrgStatuses lists every lifecycle status in table order.
var AllOrgStatuses = []OrgStatus{
	OrgStatusIdle,
	OrgStatusOnboarding,
	OrgStatusPending,
	OrgStatusActive,
	OrgStatusRejected,
	OrgStatusSuspended,
	OrgStatusArchived,
}

func (s OrgStatus) Valid() bool {
	for _, known := range AllOrgStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type Organization struct {
	Base
	Name string `gorm:"not null" json:"name"`
	Slug string `gorm:"uniqueIndex;not null" json:"slug"`

	// A user owns at most one organization; the unique index is what closes
	// the create-create race between duplicate provisioning deliveries.
	OwnerUserID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"owner_user_id"`

	Status          OrgStatus `gorm:"not null;index;default:'IDLE'" json:"status"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	BanReason       string    `json:"ban_reason,omitempty"`

	// Optimistic lock for lifecycle transitions
	Version int64 `gorm:"not null;default:1" json:"version"`

	// Relationships
	Members     []OrgMembership      `gorm:"foreignKey:OrganizationID" json:"-"`
	Entitlement *EntitlementSnapshot `gorm:"foreignKey:OrganizationID" json:"entitlement,omitempty"`
}

func (Organization) TableName() string {
	return "organizations"
}

type MemberRole string

const (
	RoleOwner   MemberRole = "owner"
	RoleAdmin   MemberRole = "admin"
	RoleManager MemberRole = "manager"
	RoleMember  MemberRole = "member"
)

func (r MemberRole) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleManager, RoleMember:
		return true
	}
	return false
}

type OrgMembership struct {
	UserID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"user_id"`
	OrganizationID uuid.UUID  `gorm:"type:uuid;primaryKey;index" json:"organization_id"`
	Role           MemberRole `gorm:"not null;default:'member'" json:"role"`
}

func (OrgMembership) TableName() string {
	return "org_memberships"
}

// LifecycleEvent is the audit trail of applied lifecycle transitions.
type LifecycleEvent struct {
	Base
	OrganizationID uuid.UUID `gorm:"type:uuid;index;not null" json:"organization_id"`
	Transition     string    `gorm:"not null" json:"transition"`
	FromStatus     OrgStatus `gorm:"not null" json:"from_status"`
	ToStatus       OrgStatus `gorm:"not null" json:"to_status"`
	Reason         string    `json:"reason,omitempty"`
	Actor          string    `json:"actor,omitempty"`
}

func (LifecycleEvent) TableName() string {
	return "lifecycle_events"
}
