package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/catalog"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/entitlement"
	"github.com/hugh/tenantgate/internal/metrics"
	"github.com/hugh/tenantgate/internal/notify"
	"github.com/hugh/tenantgate/pkg/util"
	"gorm.io/gorm"
)

// Outcome says what processing an event did. It is stored on the ledger row.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeProvisioned Outcome = "provisioned"
	OutcomeUnchanged   Outcome = "unchanged"
	OutcomeStale       Outcome = "stale"
	OutcomeNotified    Outcome = "notified"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeDuplicate   Outcome = "duplicate"
)

const conflictAttempts = 3

var errDuplicate = errors.New("event already processed")

type Reconciler struct {
	db       *gorm.DB
	store    *entitlement.Store
	plans    catalog.Resolver
	notifier notify.Sender
	logger   *slog.Logger
	now      func() time.Time
}

// NewReconciler wires a reconciler. A nil notifier drops notifications.
func NewReconciler(db *gorm.DB, store *entitlement.Store, plans catalog.Resolver, notifier notify.Sender, logger *slog.Logger) *Reconciler {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Reconciler{
		db:       db,
		store:    store,
		plans:    plans,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// result is what one committed transaction produced, plus the notification
// to send once it is durable.
type result struct {
	outcome Outcome
	ownerID uuid.UUID
	notice  notify.Kind
	data    map[string]string
}

// Process applies ev at most once. Malformed events fail with
// *apperr.ValidationError and update events without a target with
// *apperr.NotFoundError; neither marks the event processed, so both can be
// replayed. Replays of a processed event return OutcomeDuplicate.
func (r *Reconciler) Process(ctx context.Context, ev Event) (Outcome, error) {
	start := time.Now()
	outcome, err := r.process(ctx, ev)

	eventType := string(ev.Type)
	if !ev.Type.Known() {
		eventType = "unknown"
	}
	label := string(outcome)
	if err != nil {
		label = errorLabel(err)
	}
	metrics.BillingEventsTotal.WithLabelValues(eventType, label).Inc()
	metrics.ReconcileDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())

	return outcome, err
}

func (r *Reconciler) process(ctx context.Context, ev Event) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	d, err := decode(ev)
	if err != nil {
		return "", err
	}

	logger := r.logger.With("event_id", ev.ID, "event_type", ev.Type, "object_ref", ev.ObjectRef)

	seen, err := r.IsProcessed(ctx, ev.ID)
	if err != nil {
		return "", err
	}
	if seen {
		logger.Info("duplicate billing event skipped")
		return OutcomeDuplicate, nil
	}

	plan, err := r.resolvePlan(ctx, d)
	if err != nil {
		return "", err
	}

	for attempt := 1; ; attempt++ {
		res, err := r.apply(ctx, d, plan, logger)
		switch {
		case errors.Is(err, errDuplicate):
			logger.Info("duplicate billing event skipped")
			return OutcomeDuplicate, nil
		case errors.Is(err, apperr.ErrConcurrencyConflict) && attempt < conflictAttempts:
			logger.Debug("billing event lost a write race, retrying", "attempt", attempt)
			continue
		case errors.Is(err, apperr.ErrNotFound):
			logger.Warn("billing event target not found", "error", err)
			return "", err
		case err != nil:
			return "", err
		}

		switch res.outcome {
		case OutcomeStale:
			logger.Info("stale billing event discarded")
		default:
			logger.Info("billing event reconciled", "outcome", res.outcome)
		}
		r.notify(ctx, res, logger)
		return res.outcome, nil
	}
}

// IsProcessed reports whether the ledger already holds eventID.
func (r *Reconciler) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ProcessedEvent{}).
		Where("external_event_id = ?", eventID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking ledger: %w", err)
	}
	return count > 0, nil
}

// PruneLedger deletes ledger entries processed before cutoff. A replay of a
// pruned event still hits the staleness guard.
func (r *Reconciler) PruneLedger(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("processed_at < ?", cutoff).
		Delete(&models.ProcessedEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning ledger: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// resolvePlan looks up the plan a subscription event points at. It runs
// before the transaction so catalog latency never holds row locks.
func (r *Reconciler) resolvePlan(ctx context.Context, d decoded) (*catalog.Plan, error) {
	if d.Type != TypeSubscriptionCreated && d.Type != TypeSubscriptionUpdated {
		return nil, nil
	}

	ref := d.sub.PlanRef()
	if ref == "" {
		if d.Type == TypeSubscriptionUpdated {
			return nil, nil
		}
		ref = entitlement.DefaultPlanSlug
	}

	plan, err := r.plans.ResolvePlan(ctx, ref)
	if errors.Is(err, apperr.ErrNotFound) && ref == entitlement.DefaultPlanSlug {
		return &catalog.Plan{Slug: entitlement.DefaultPlanSlug, Name: "Free", Limits: entitlement.DefaultLimits}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving plan %q: %w", ref, err)
	}
	return &plan, nil
}

func (r *Reconciler) apply(ctx context.Context, d decoded, plan *catalog.Plan, logger *slog.Logger) (result, error) {
	var res result
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()

		entry := models.ProcessedEvent{
			ExternalEventID: d.ID,
			Type:            string(d.Type),
			ObjectRef:       d.ObjectRef,
			Outcome:         string(OutcomeApplied),
			ProcessedAt:     now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicate
			}
			return fmt.Errorf("recording event: %w", err)
		}

		snap, err := r.store.FindBySubscription(tx, d.ObjectRef)
		if err != nil {
			return err
		}

		switch {
		case snap == nil && d.Type == TypeSubscriptionCreated:
			res, err = r.provision(tx, d, plan, now, logger)
		case snap == nil && d.Type.NotificationOnly():
			logger.Warn("no snapshot for notification event, nothing to notify")
			res = result{outcome: OutcomeIgnored}
		case snap == nil:
			return apperr.NotFound("entitlement snapshot", d.ObjectRef)
		default:
			res, err = r.reconcile(tx, d, snap, plan, now)
		}
		if err != nil {
			return err
		}

		if res.outcome != OutcomeApplied {
			if err := tx.Model(&entry).Update("outcome", string(res.outcome)).Error; err != nil {
				return fmt.Errorf("recording outcome: %w", err)
			}
		}
		return nil
	})
	return res, err
}

// provision creates the snapshot for a first subscription, creating the
// owner's organization when it does not exist yet. The owner lookup runs
// inside the transaction; the unique owner index turns a lost race into a
// conflict, and the retry then attaches to the winner's organization.
func (r *Reconciler) provision(tx *gorm.DB, d decoded, plan *catalog.Plan, now time.Time, logger *slog.Logger) (result, error) {
	ownerID, err := d.sub.OwnerUserID()
	if err != nil {
		return result{}, err
	}

	var org models.Organization
	err = tx.Where("owner_user_id = ?", ownerID).First(&org).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		name := d.sub.OrganizationName()
		org = models.Organization{
			Name:        name,
			Slug:        util.UniqueSlug(name),
			OwnerUserID: ownerID,
			Status:      models.OrgStatusIdle,
			Version:     1,
		}
		if err := tx.Create(&org).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return result{}, fmt.Errorf("provisioning organization for %s: %w", ownerID, apperr.ErrConcurrencyConflict)
			}
			return result{}, fmt.Errorf("creating organization: %w", err)
		}
		owner := models.OrgMembership{UserID: ownerID, OrganizationID: org.ID, Role: models.RoleOwner}
		if err := tx.Create(&owner).Error; err != nil {
			return result{}, fmt.Errorf("creating owner membership: %w", err)
		}
		logger.Info("organization provisioned from subscription", "org_id", org.ID, "owner_user_id", ownerID)
	case err != nil:
		return result{}, fmt.Errorf("loading organization by owner: %w", err)
	}

	res := result{
		ownerID: org.OwnerUserID,
		notice:  notify.KindSubscriptionStarted,
		data:    map[string]string{"plan": plan.Slug, "subscription": d.ObjectRef},
	}
	status := models.SubscriptionStatus(d.sub.Status)
	dates := d.sub.Dates()

	existing, err := r.store.FindByOrganization(tx, org.ID)
	if err != nil {
		return result{}, err
	}
	if existing != nil {
		if !existing.LastAppliedEventAt.Before(d.Timestamp) {
			return result{outcome: OutcomeStale}, nil
		}
		patch := entitlement.Resubscription{
			PlanReplacement: entitlement.PlanReplacement{
				StatusUpdate: entitlement.StatusUpdate{Status: status, Dates: &dates},
				PlanSlug:     plan.Slug,
				Limits:       plan.Limits,
				SyncedAt:     now,
			},
			ExternalSubscriptionID: d.ObjectRef,
			ExternalCustomerID:     d.sub.Customer,
		}
		if err := r.store.ApplyPatch(tx, existing, patch, d.Timestamp); err != nil {
			return result{}, err
		}
		res.outcome = OutcomeApplied
		return res, nil
	}

	var members int64
	if err := tx.Model(&models.OrgMembership{}).Where("organization_id = ?", org.ID).Count(&members).Error; err != nil {
		return result{}, fmt.Errorf("counting members: %w", err)
	}

	var usage models.UsageCounters
	carried, err := r.store.TakeDefaultUsage(tx, org.ID)
	if err != nil {
		return result{}, err
	}
	if carried != nil {
		usage = *carried
	}
	usage.CurrentMembers = int(members)

	snap := &models.EntitlementSnapshot{
		OrganizationID:         org.ID,
		ExternalSubscriptionID: d.ObjectRef,
		ExternalCustomerID:     d.sub.Customer,
		Status:                 status,
		PeriodStart:            dates.PeriodStart,
		PeriodEnd:              dates.PeriodEnd,
		CancelAtPeriodEnd:      dates.CancelAtPeriodEnd,
		TrialStart:             dates.TrialStart,
		TrialEnd:               dates.TrialEnd,
		PlanSlug:               plan.Slug,
		Limits:                 plan.Limits,
		LimitsSyncedAt:         now,
		Usage:                  usage,
		LastAppliedEventAt:     d.Timestamp,
		Version:                1,
	}
	if err := r.store.Create(tx, snap); err != nil {
		return result{}, err
	}

	res.outcome = OutcomeProvisioned
	return res, nil
}

// reconcile applies an event to an existing snapshot.
func (r *Reconciler) reconcile(tx *gorm.DB, d decoded, snap *models.EntitlementSnapshot, plan *catalog.Plan, now time.Time) (result, error) {
	ownerID, err := ownerOf(tx, snap.OrganizationID)
	if err != nil {
		return result{}, err
	}
	res := result{
		ownerID: ownerID,
		data:    map[string]string{"plan": snap.PlanSlug, "subscription": d.ObjectRef},
	}

	if d.Type.NotificationOnly() {
		res.outcome = OutcomeNotified
		res.notice = noticeFor(d.Type)
		return res, nil
	}

	// Payment records and payment notices are additive: they are kept even
	// when the status change that comes with them is stale.
	if d.Type.isPayment() {
		if err := recordPayment(tx, d, snap); err != nil {
			return result{}, err
		}
		res.notice = noticeFor(d.Type)
	}

	if !snap.LastAppliedEventAt.Before(d.Timestamp) {
		res.outcome = OutcomeStale
		return res, nil
	}

	patch, notice := transition(d, snap, plan, now)
	if patch == nil {
		res.outcome = OutcomeUnchanged
		return res, nil
	}
	if err := r.store.ApplyPatch(tx, snap, patch, d.Timestamp); err != nil {
		return result{}, err
	}

	res.outcome = OutcomeApplied
	res.data["plan"] = snap.PlanSlug
	res.data["status"] = string(snap.Status)
	if notice != "" {
		res.notice = notice
	}
	return res, nil
}

// transition maps an event onto the patch it implies for snap. A nil patch
// means the event changes nothing.
func transition(d decoded, snap *models.EntitlementSnapshot, plan *catalog.Plan, now time.Time) (entitlement.Patch, notify.Kind) {
	switch d.Type {
	case TypeSubscriptionCreated, TypeSubscriptionUpdated:
		dates := d.sub.Dates()
		update := entitlement.StatusUpdate{Status: models.SubscriptionStatus(d.sub.Status), Dates: &dates}
		if plan != nil && plan.Slug != snap.PlanSlug {
			return entitlement.PlanReplacement{
				StatusUpdate: update,
				PlanSlug:     plan.Slug,
				Limits:       plan.Limits,
				SyncedAt:     now,
			}, notify.KindPlanChanged
		}
		if update.Status != snap.Status {
			return update, notify.KindSubscriptionUpdated
		}
		return update, ""

	case TypeSubscriptionDeleted:
		end := now
		return entitlement.StatusUpdate{
			Status: models.SubscriptionCanceled,
			Dates: &entitlement.Dates{
				PeriodStart:       snap.PeriodStart,
				PeriodEnd:         &end,
				CancelAtPeriodEnd: snap.CancelAtPeriodEnd,
				TrialStart:        snap.TrialStart,
				TrialEnd:          snap.TrialEnd,
			},
		}, notify.KindSubscriptionCanceled

	case TypeInvoicePaymentSucceeded:
		switch snap.Status {
		case models.SubscriptionPastDue, models.SubscriptionIncomplete:
			return entitlement.StatusUpdate{Status: models.SubscriptionActive}, ""
		}

	case TypeInvoicePaymentFailed:
		switch snap.Status {
		case models.SubscriptionPastDue, models.SubscriptionCanceled, models.SubscriptionIncompleteExpired:
			return nil, ""
		}
		return entitlement.StatusUpdate{Status: models.SubscriptionPastDue}, ""
	}
	return nil, ""
}

func recordPayment(tx *gorm.DB, d decoded, snap *models.EntitlementSnapshot) error {
	succeeded := d.Type == TypeInvoicePaymentSucceeded
	amount := d.inv.AmountPaid
	if !succeeded {
		amount = d.inv.AmountDue
	}
	rec := models.PaymentRecord{
		OrganizationID:         snap.OrganizationID,
		ExternalSubscriptionID: d.ObjectRef,
		ExternalInvoiceID:      d.inv.ID,
		ExternalEventID:        d.ID,
		AmountCents:            amount,
		Currency:               strings.ToLower(d.inv.Currency),
		Succeeded:              succeeded,
		OccurredAt:             d.Timestamp,
	}
	if err := tx.Create(&rec).Error; err != nil {
		return fmt.Errorf("recording payment: %w", err)
	}
	return nil
}

func ownerOf(tx *gorm.DB, orgID uuid.UUID) (uuid.UUID, error) {
	var org models.Organization
	err := tx.Select("id", "owner_user_id").Where("id = ?", orgID).First(&org).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, apperr.NotFound("organization", orgID.String())
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("loading organization: %w", err)
	}
	return org.OwnerUserID, nil
}

func noticeFor(t EventType) notify.Kind {
	switch t {
	case TypeSubscriptionTrialWillEnd:
		return notify.KindTrialEnding
	case TypeInvoiceUpcoming:
		return notify.KindInvoiceUpcoming
	case TypeInvoiceFinalized:
		return notify.KindInvoiceFinalized
	case TypeInvoicePaymentSucceeded:
		return notify.KindPaymentSucceeded
	case TypeInvoicePaymentFailed:
		return notify.KindPaymentFailed
	}
	return ""
}

// notify runs after commit. Failures are logged and never surface.
func (r *Reconciler) notify(ctx context.Context, res result, logger *slog.Logger) {
	if res.notice == "" || res.ownerID == uuid.Nil {
		return
	}
	req := notify.Request{OwnerUserID: res.ownerID, Kind: res.notice, Data: res.data}
	if err := r.notifier.Send(ctx, req); err != nil {
		logger.Warn("notification dispatch failed", "kind", res.notice, "error", err)
	}
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return "invalid"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrConcurrencyConflict):
		return "conflict"
	}
	return "error"
}
