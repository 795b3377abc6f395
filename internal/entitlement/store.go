package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/metrics"
	"gorm.io/gorm"
)

const usageAdjustAttempts = 3

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

// Get returns the entitlement of orgID, falling back to the default when the
// organization has no snapshot.
func (s *Store) Get(ctx context.Context, orgID uuid.UUID) (View, error) {
	db := s.db.WithContext(ctx)
	snap, err := s.FindByOrganization(db, orgID)
	if err != nil {
		return View{}, err
	}
	if snap != nil {
		return FromSnapshot(snap), nil
	}

	view := Default(orgID)
	row, err := s.findDefaultUsage(db, orgID)
	if err != nil {
		return View{}, err
	}
	if row != nil {
		view.Usage = row.Usage
	}
	return view, nil
}

// FindBySubscription loads the snapshot correlated with an external
// subscription id. It returns (nil, nil) when there is none.
func (s *Store) FindBySubscription(tx *gorm.DB, externalSubscriptionID string) (*models.EntitlementSnapshot, error) {
	var snap models.EntitlementSnapshot
	err := tx.Where("external_subscription_id = ?", externalSubscriptionID).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot by subscription: %w", err)
	}
	return &snap, nil
}

// FindByOrganization loads the snapshot of orgID, or (nil, nil).
func (s *Store) FindByOrganization(tx *gorm.DB, orgID uuid.UUID) (*models.EntitlementSnapshot, error) {
	var snap models.EntitlementSnapshot
	err := tx.Where("organization_id = ?", orgID).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot by organization: %w", err)
	}
	return &snap, nil
}

// Create inserts a freshly provisioned snapshot.
func (s *Store) Create(tx *gorm.DB, snap *models.EntitlementSnapshot) error {
	if snap.Version == 0 {
		snap.Version = 1
	}
	if err := tx.Create(snap).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("creating snapshot: %w", apperr.ErrConcurrencyConflict)
		}
		return fmt.Errorf("creating snapshot: %w", err)
	}
	return nil
}

// ApplyPatch writes p onto snap in a single compare-and-swap UPDATE keyed by
// the snapshot version, so a concurrent reader sees either the old or the new
// row and never a mix. A lost race returns apperr.ErrConcurrencyConflict and
// leaves snap untouched.
func (s *Store) ApplyPatch(tx *gorm.DB, snap *models.EntitlementSnapshot, p Patch, eventAt time.Time) error {
	updates := p.columns()
	updates["last_applied_event_at"] = eventAt
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = s.now()

	res := tx.Model(&models.EntitlementSnapshot{}).
		Where("id = ? AND version = ?", snap.ID, snap.Version).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating snapshot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.ConcurrencyConflictsTotal.WithLabelValues("entitlement").Inc()
		return fmt.Errorf("snapshot %s version %d: %w", snap.ID, snap.Version, apperr.ErrConcurrencyConflict)
	}

	p.applyTo(snap)
	snap.LastAppliedEventAt = eventAt
	snap.Version++
	return nil
}

// AdjustUsage moves one usage counter by delta. Increments that would push
// the counter past its limit fail with *apperr.LimitExceededError and leave
// the counters unchanged; decrements are always accepted down to zero.
// Organizations without a snapshot are checked against DefaultLimits and
// counted in their default usage row.
func (s *Store) AdjustUsage(ctx context.Context, orgID uuid.UUID, field UsageField, delta int) error {
	if !field.Valid() {
		return apperr.Validation("field", fmt.Sprintf("unknown usage field %q", field))
	}
	if delta == 0 {
		return nil
	}

	db := s.db.WithContext(ctx)
	for attempt := 0; attempt < usageAdjustAttempts; attempt++ {
		snap, err := s.FindByOrganization(db, orgID)
		if err != nil {
			return err
		}

		var done bool
		if snap == nil {
			done, err = s.adjustDefault(db, orgID, field, delta)
		} else {
			done, err = s.adjustSnapshot(db, snap, field, delta)
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		metrics.ConcurrencyConflictsTotal.WithLabelValues("usage").Inc()
		s.logger.Debug("usage adjustment lost a version race, retrying",
			"org_id", orgID,
			"field", field,
			"attempt", attempt+1,
		)
	}

	return fmt.Errorf("adjusting %s for org %s: %w", field, orgID, apperr.ErrConcurrencyConflict)
}

// adjustSnapshot writes the counter with a version CAS. It reports false when
// the version moved underneath it.
func (s *Store) adjustSnapshot(db *gorm.DB, snap *models.EntitlementSnapshot, field UsageField, delta int) (bool, error) {
	next, err := checkUsage(field, field.current(snap.Usage), delta, snap.Limits)
	if err != nil {
		return false, err
	}

	res := db.Model(&models.EntitlementSnapshot{}).
		Where("id = ? AND version = ?", snap.ID, snap.Version).
		Updates(map[string]interface{}{
			field.column(): next,
			"version":      gorm.Expr("version + 1"),
			"updated_at":   s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("adjusting usage: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) adjustDefault(db *gorm.DB, orgID uuid.UUID, field UsageField, delta int) (bool, error) {
	row, err := s.findDefaultUsage(db, orgID)
	if err != nil {
		return false, err
	}

	if row == nil {
		var orgs, members int64
		if err := db.Model(&models.Organization{}).Where("id = ?", orgID).Count(&orgs).Error; err != nil {
			return false, fmt.Errorf("loading organization: %w", err)
		}
		if orgs == 0 {
			return false, apperr.NotFound("organization", orgID.String())
		}
		if err := db.Model(&models.OrgMembership{}).Where("organization_id = ?", orgID).Count(&members).Error; err != nil {
			return false, fmt.Errorf("counting members: %w", err)
		}

		row = &models.DefaultUsage{
			OrganizationID: orgID,
			Usage:          models.UsageCounters{CurrentMembers: int(members)},
			Version:        1,
		}
		next, err := checkUsage(field, field.current(row.Usage), delta, DefaultLimits)
		if err != nil {
			return false, err
		}
		field.set(&row.Usage, next)
		if err := db.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return false, nil
			}
			return false, fmt.Errorf("creating default usage: %w", err)
		}
		return true, nil
	}

	next, err := checkUsage(field, field.current(row.Usage), delta, DefaultLimits)
	if err != nil {
		return false, err
	}
	res := db.Model(&models.DefaultUsage{}).
		Where("organization_id = ? AND version = ?", orgID, row.Version).
		Updates(map[string]interface{}{
			field.column(): next,
			"version":      gorm.Expr("version + 1"),
			"updated_at":   s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("adjusting default usage: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func checkUsage(field UsageField, current, delta int, limits models.PlanLimits) (int, error) {
	next := current + delta
	if next < 0 {
		return 0, apperr.Validation(string(field), fmt.Sprintf("usage cannot drop below zero (current %d, delta %d)", current, delta))
	}
	if limit := field.limit(limits); delta > 0 && limit >= 0 && next > limit {
		metrics.UsageRejectionsTotal.WithLabelValues(string(field)).Inc()
		return 0, &apperr.LimitExceededError{Field: string(field), Limit: limit, Attempted: next}
	}
	return next, nil
}

func (s *Store) findDefaultUsage(tx *gorm.DB, orgID uuid.UUID) (*models.DefaultUsage, error) {
	var row models.DefaultUsage
	err := tx.Where("organization_id = ?", orgID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading default usage: %w", err)
	}
	return &row, nil
}

// TakeDefaultUsage removes the default usage row of orgID inside tx and
// returns its counters, or nil when the organization never recorded usage.
// A concurrent adjustment turns into apperr.ErrConcurrencyConflict.
func (s *Store) TakeDefaultUsage(tx *gorm.DB, orgID uuid.UUID) (*models.UsageCounters, error) {
	row, err := s.findDefaultUsage(tx, orgID)
	if err != nil || row == nil {
		return nil, err
	}

	res := tx.Where("organization_id = ? AND version = ?", orgID, row.Version).Delete(&models.DefaultUsage{})
	if res.Error != nil {
		return nil, fmt.Errorf("moving default usage: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("default usage of %s: %w", orgID, apperr.ErrConcurrencyConflict)
	}
	return &row.Usage, nil
}
