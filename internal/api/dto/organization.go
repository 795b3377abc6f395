package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/access"
	"github.com/hugh/tenantgate/internal/database/models"
)

type CreateOrganizationRequest struct {
	Name string `json:"name"`
}

type TransitionRequest struct {
	Reason string `json:"reason"`
}

type UsageRequest struct {
	Field string `json:"field"`
	Delta int    `json:"delta"`
}

type OrganizationResponse struct {
	ID              uuid.UUID        `json:"id"`
	Name            string           `json:"name"`
	Slug            string           `json:"slug"`
	OwnerUserID     uuid.UUID        `json:"owner_user_id"`
	Status          models.OrgStatus `json:"status"`
	RejectionReason string           `json:"rejection_reason,omitempty"`
	BanReason       string           `json:"ban_reason,omitempty"`
	Version         int64            `json:"version"`
	Transitions     []string         `json:"transitions"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

type EntitlementResponse struct {
	Source            string                    `json:"source"`
	PlanSlug          string                    `json:"plan_slug"`
	Status            models.SubscriptionStatus `json:"status,omitempty"`
	Limits            models.PlanLimits         `json:"limits"`
	Usage             models.UsageCounters      `json:"usage"`
	PeriodEnd         *time.Time                `json:"period_end,omitempty"`
	CancelAtPeriodEnd bool                      `json:"cancel_at_period_end"`
}

// AccessResponse is the session view the dashboard renders from.
type AccessResponse struct {
	UserID       uuid.UUID            `json:"user_id"`
	Role         models.MemberRole    `json:"role"`
	Organization OrganizationResponse `json:"organization"`
	Entitlement  EntitlementResponse  `json:"entitlement"`
	Capabilities []string             `json:"capabilities"`
	Landing      string               `json:"landing"`
	Verdict      *access.Verdict      `json:"verdict,omitempty"`
}

type HistoryEntry struct {
	Transition string           `json:"transition"`
	From       models.OrgStatus `json:"from"`
	To         models.OrgStatus `json:"to"`
	Reason     string           `json:"reason,omitempty"`
	Actor      string           `json:"actor,omitempty"`
	At         time.Time        `json:"at"`
}
