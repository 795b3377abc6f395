package handlers

import (
	"github.com/hugh/tenantgate/internal/api/dto"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/entitlement"
	"github.com/hugh/tenantgate/internal/lifecycle"
)

func organizationResponse(o *models.Organization) dto.OrganizationResponse {
	allowed := lifecycle.Allowed(o.Status)
	transitions := make([]string, len(allowed))
	for i, tr := range allowed {
		transitions[i] = string(tr)
	}
	return dto.OrganizationResponse{
		ID:              o.ID,
		Name:            o.Name,
		Slug:            o.Slug,
		OwnerUserID:     o.OwnerUserID,
		Status:          o.Status,
		RejectionReason: o.RejectionReason,
		BanReason:       o.BanReason,
		Version:         o.Version,
		Transitions:     transitions,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func entitlementResponse(v entitlement.View) dto.EntitlementResponse {
	resp := dto.EntitlementResponse{
		Source:            v.Source.String(),
		PlanSlug:          v.PlanSlug,
		Status:            v.Status,
		Limits:            v.Limits,
		Usage:             v.Usage,
		CancelAtPeriodEnd: v.CancelAtPeriodEnd,
	}
	if !v.PeriodEnd.IsZero() {
		end := v.PeriodEnd
		resp.PeriodEnd = &end
	}
	return resp
}

func historyResponse(events []models.LifecycleEvent) []dto.HistoryEntry {
	out := make([]dto.HistoryEntry, len(events))
	for i, ev := range events {
		out[i] = dto.HistoryEntry{
			Transition: ev.Transition,
			From:       ev.FromStatus,
			To:         ev.ToStatus,
			Reason:     ev.Reason,
			Actor:      ev.Actor,
			At:         ev.CreatedAt,
		}
	}
	return out
}
