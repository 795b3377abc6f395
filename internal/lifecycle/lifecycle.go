// Package lifecycle tracks the approval and operational status of an
// organization. Every change goes through the transition table below; billing
// state is never consulted.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/metrics"
	"github.com/hugh/tenantgate/pkg/util"
	"gorm.io/gorm"
)

type Transition string

const (
	TransitionStart     Transition = "start"
	TransitionSubmit    Transition = "submit"
	TransitionApprove   Transition = "approve"
	TransitionReject    Transition = "reject"
	TransitionReopen    Transition = "reopen"
	TransitionSuspend   Transition = "suspend"
	TransitionArchive   Transition = "archive"
	TransitionReinstate Transition = "reinstate"
)

// AllTransitions lists every transition in table order.
var AllTransitions = []Transition{
	TransitionStart,
	TransitionSubmit,
	TransitionApprove,
	TransitionReject,
	TransitionReopen,
	TransitionSuspend,
	TransitionArchive,
	TransitionReinstate,
}

type rule struct {
	from []models.OrgStatus
	to   models.OrgStatus
}

var table = map[Transition]rule{
	TransitionStart:     {from: []models.OrgStatus{models.OrgStatusIdle}, to: models.OrgStatusOnboarding},
	TransitionSubmit:    {from: []models.OrgStatus{models.OrgStatusOnboarding}, to: models.OrgStatusPending},
	TransitionApprove:   {from: []models.OrgStatus{models.OrgStatusPending}, to: models.OrgStatusActive},
	TransitionReject:    {from: []models.OrgStatus{models.OrgStatusPending}, to: models.OrgStatusRejected},
	TransitionReopen:    {from: []models.OrgStatus{models.OrgStatusRejected}, to: models.OrgStatusOnboarding},
	TransitionSuspend:   {from: []models.OrgStatus{models.OrgStatusActive}, to: models.OrgStatusSuspended},
	TransitionArchive:   {from: []models.OrgStatus{models.OrgStatusActive, models.OrgStatusSuspended}, to: models.OrgStatusArchived},
	TransitionReinstate: {from: []models.OrgStatus{models.OrgStatusSuspended}, to: models.OrgStatusActive},
}

// ParseTransition maps a name to a Transition.
func ParseTransition(name string) (Transition, error) {
	tr := Transition(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := table[tr]; !ok {
		return "", apperr.Validation("transition", fmt.Sprintf("unknown transition %q", name))
	}
	return tr, nil
}

// RequiresReason reports whether tr must carry a non-empty reason.
func (tr Transition) RequiresReason() bool {
	return tr == TransitionReject || tr == TransitionSuspend
}

// Next returns the status tr leads to from from, or an
// *apperr.InvalidTransitionError.
func Next(from models.OrgStatus, tr Transition) (models.OrgStatus, error) {
	r, ok := table[tr]
	if !ok {
		return "", apperr.Validation("transition", fmt.Sprintf("unknown transition %q", tr))
	}
	for _, s := range r.from {
		if s == from {
			return r.to, nil
		}
	}
	return "", &apperr.InvalidTransitionError{From: string(from), Transition: string(tr)}
}

// Allowed lists the transitions legal from status.
func Allowed(status models.OrgStatus) []Transition {
	var out []Transition
	for _, tr := range AllTransitions {
		if _, err := Next(status, tr); err == nil {
			out = append(out, tr)
		}
	}
	return out
}

const applyAttempts = 3

type Tracker struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(db *gorm.DB, logger *slog.Logger) *Tracker {
	return &Tracker{db: db, logger: logger, now: time.Now}
}

// Create makes a new IDLE organization owned by ownerUserID together with
// its owner membership. An owner that already has an organization gets that
// organization back.
func (t *Tracker) Create(ctx context.Context, ownerUserID uuid.UUID, name string) (*models.Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("name", "organization name is required")
	}
	if ownerUserID == uuid.Nil {
		return nil, apperr.Validation("owner_user_id", "owner is required")
	}

	var org models.Organization
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("owner_user_id = ?", ownerUserID).First(&org).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("loading organization by owner: %w", err)
		}

		org = models.Organization{
			Name:        name,
			Slug:        util.UniqueSlug(name),
			OwnerUserID: ownerUserID,
			Status:      models.OrgStatusIdle,
			Version:     1,
		}
		if err := tx.Create(&org).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("creating organization for %s: %w", ownerUserID, apperr.ErrConcurrencyConflict)
			}
			return fmt.Errorf("creating organization: %w", err)
		}

		owner := models.OrgMembership{UserID: ownerUserID, OrganizationID: org.ID, Role: models.RoleOwner}
		if err := tx.Create(&owner).Error; err != nil {
			return fmt.Errorf("creating owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("organization created", "org_id", org.ID, "owner_user_id", ownerUserID, "status", org.Status)
	return &org, nil
}

// Get loads an organization.
func (t *Tracker) Get(ctx context.Context, orgID uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	err := t.db.WithContext(ctx).First(&org, "id = ?", orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("organization", orgID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("loading organization: %w", err)
	}
	return &org, nil
}

// Apply runs tr against orgID. Lost version races are retried a bounded
// number of times; an illegal transition leaves the organization unchanged.
func (t *Tracker) Apply(ctx context.Context, orgID uuid.UUID, tr Transition, reason, actor string) (*models.Organization, error) {
	reason = strings.TrimSpace(reason)
	if _, ok := table[tr]; !ok {
		return nil, apperr.Validation("transition", fmt.Sprintf("unknown transition %q", tr))
	}

	for attempt := 1; ; attempt++ {
		org, err := t.applyOnce(ctx, orgID, tr, reason, actor)
		if err == nil {
			metrics.LifecycleTransitionsTotal.WithLabelValues(string(tr), "applied").Inc()
			t.logger.Info("organization transitioned",
				"org_id", orgID,
				"transition", tr,
				"status", org.Status,
				"actor", actor,
			)
			return org, nil
		}

		if errors.Is(err, apperr.ErrConcurrencyConflict) {
			metrics.ConcurrencyConflictsTotal.WithLabelValues("lifecycle").Inc()
			if attempt < applyAttempts {
				t.logger.Debug("lifecycle transition lost a version race, retrying", "org_id", orgID, "attempt", attempt)
				continue
			}
		}

		metrics.LifecycleTransitionsTotal.WithLabelValues(string(tr), resultLabel(err)).Inc()
		return nil, err
	}
}

func (t *Tracker) applyOnce(ctx context.Context, orgID uuid.UUID, tr Transition, reason, actor string) (*models.Organization, error) {
	var org models.Organization
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&org, "id = ?", orgID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("organization", orgID.String())
		}
		if err != nil {
			return fmt.Errorf("loading organization: %w", err)
		}

		from := org.Status
		to, err := Next(from, tr)
		if err != nil {
			return err
		}
		// Legality first: an illegal pair is reported as such even without a reason.
		if tr.RequiresReason() && reason == "" {
			return apperr.Validation("reason", fmt.Sprintf("%s requires a reason", tr))
		}

		now := t.now()
		updates := map[string]interface{}{
			"status":     to,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		}
		switch tr {
		case TransitionReject:
			updates["rejection_reason"] = reason
		case TransitionReopen:
			updates["rejection_reason"] = ""
		case TransitionSuspend:
			updates["ban_reason"] = reason
		case TransitionReinstate:
			updates["ban_reason"] = ""
		}

		res := tx.Model(&models.Organization{}).
			Where("id = ? AND version = ?", org.ID, org.Version).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("updating organization: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("organization %s version %d: %w", org.ID, org.Version, apperr.ErrConcurrencyConflict)
		}

		audit := models.LifecycleEvent{
			OrganizationID: org.ID,
			Transition:     string(tr),
			FromStatus:     from,
			ToStatus:       to,
			Reason:         reason,
			Actor:          actor,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return fmt.Errorf("recording lifecycle event: %w", err)
		}

		org.Status = to
		org.Version++
		org.UpdatedAt = now
		switch tr {
		case TransitionReject:
			org.RejectionReason = reason
		case TransitionReopen:
			org.RejectionReason = ""
		case TransitionSuspend:
			org.BanReason = reason
		case TransitionReinstate:
			org.BanReason = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (t *Tracker) Start(ctx context.Context, orgID uuid.UUID, actor string) (*models.Organization, error) {
	return t.Apply(ctx, orgID, TransitionStart, "", actor)
}

func (t *Tracker) Submit(ctx context.Context, orgID uuid.UUID, actor string) (*models.Organization, error) {
	return t.Apply(ctx, orgID, TransitionSubmit, "", actor)
}

func (t *Tracker) Approve(ctx context.Context, orgID uuid.UUID, actor string) (*models.Organization, error) {
	return t.Apply(ctx, orgID, TransitionApprove, "", actor)
}

func (t *Tracker) Reject(ctx context.Context, orgID uuid.UUID, reason, actor string) (*models.Organization, error) {
	return t.Apply(ctx, orgID, TransitionReject, reason, actor)
}

func (t *Tracker) Reopen(ctx context.Context, orgID uuid.UUID, actor string) (*models.Organization, error) {
	return t.Apply(ctx, orgID, TransitionReopen, "", actor)
}

func (t *Tracker) Suspend(ctx context.Context, orgID uuid.UUID, reason, actor string) (*models.Organization, error) {
	return t.Apply(ctx, orgID, TransitionSuspend, reason, actor)
}

func (t *Tracker) Archive(ctx context.Context, orgID uuid.UUID, actor string) (*models.Organization, error) {
	return t.Apply(ctx, orgID, TransitionArchive, "", actor)
}

func (t *Tracker) Reinstate(ctx context.Context, orgID uuid.UUID, actor string) (*models.Organization, error) {
	return t.Apply(ctx, orgID, TransitionReinstate, "", actor)
}

// History returns the audit trail of orgID, oldest first.
func (t *Tracker) History(ctx context.Context, orgID uuid.UUID) ([]models.LifecycleEvent, error) {
	var events []models.LifecycleEvent
	err := t.db.WithContext(ctx).
		Where("organization_id = ?", orgID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("loading lifecycle history: %w", err)
	}
	return events, nil
}

// ListFilter narrows List. A zero Status matches every status.
type ListFilter struct {
	Status models.OrgStatus
	Offset int
	Limit  int
}

// List returns organizations newest first, plus the total matching count.
func (t *Tracker) List(ctx context.Context, f ListFilter) ([]models.Organization, int64, error) {
	query := t.db.WithContext(ctx).Model(&models.Organization{})
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting organizations: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 20
	}
	var orgs []models.Organization
	err := query.Order("created_at DESC").Offset(f.Offset).Limit(f.Limit).Find(&orgs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("listing organizations: %w", err)
	}
	return orgs, total, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrValidation):
		return "invalid"
	case errors.Is(err, apperr.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	}
	return "error"
}
