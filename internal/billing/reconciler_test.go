package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/catalog"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/entitlement"
	"github.com/hugh/tenantgate/internal/notify"
	"github.com/hugh/tenantgate/internal/testutil"
	"github.com/hugh/tenantgate/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	starterLimits = models.PlanLimits{MaxListings: 3, MaxFeaturedListings: 1, MaxMembers: 1, MaxImagesPerListing: 4}
	growthLimits  = models.PlanLimits{MaxListings: 10, MaxFeaturedListings: 3, MaxMembers: 5, MaxImagesPerListing: 10, HasAnalytics: true}
	baseTime      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type recordingSender struct {
	mu   sync.Mutex
	reqs []notify.Request
	err  error
}

func (s *recordingSender) Send(_ context.Context, req notify.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.err
}

func (s *recordingSender) kinds() []notify.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Kind
	for _, r := range s.reqs {
		out = append(out, r.Kind)
	}
	return out
}

type fixture struct {
	db     *gorm.DB
	store  *entitlement.Store
	rec    *Reconciler
	sender *recordingSender
	ctx    context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	testutil.CreateTestPlan(t, db, "starter", starterLimits, "price_starter")
	testutil.CreateTestPlan(t, db, "growth", growthLimits, "price_growth")

	logger := util.NewQuietLogger()
	store := entitlement.NewStore(db, logger)
	sender := &recordingSender{}
	rec := NewReconciler(db, store, catalog.New(db, nil, time.Minute, logger), sender, logger)
	rec.now = func() time.Time { return baseTime.Add(24 * time.Hour) }

	return &fixture{db: db, store: store, rec: rec, sender: sender, ctx: testutil.TestContext(t)}
}

type subOpts struct {
	status   string
	price    string
	owner    uuid.UUID
	orgName  string
	customer string
}

func subscriptionEvent(t *testing.T, id string, typ EventType, subID string, at time.Time, o subOpts) Event {
	t.Helper()
	if o.status == "" {
		o.status = "active"
	}
	payload := map[string]interface{}{
		"id":                   subID,
		"customer":             o.customer,
		"status":               o.status,
		"cancel_at_period_end": false,
		"current_period_start": at.Unix(),
		"current_period_end":   at.AddDate(0, 1, 0).Unix(),
		"metadata": map[string]string{
			"owner_user_id":     o.owner.String(),
			"organization_name": o.orgName,
		},
	}
	if o.price != "" {
		payload["items"] = map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{"price": map[string]interface{}{"id": o.price}},
			},
		}
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return Event{ID: id, Type: typ, ObjectRef: subID, Timestamp: at, Payload: raw}
}

func invoiceEvent(t *testing.T, id string, typ EventType, subID string, at time.Time, amount int64) Event {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"id":           "in_" + id,
		"subscription": subID,
		"amount_paid":  amount,
		"amount_due":   amount,
		"currency":     "EUR",
	})
	require.NoError(t, err)
	return Event{ID: id, Type: typ, ObjectRef: subID, Timestamp: at, Payload: raw}
}

func (f *fixture) snapshot(t *testing.T, subID string) *models.EntitlementSnapshot {
	t.Helper()
	snap, err := f.store.FindBySubscription(f.db, subID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap
}

func (f *fixture) ledger(t *testing.T, eventID string) *models.ProcessedEvent {
	t.Helper()
	var entry models.ProcessedEvent
	err := f.db.First(&entry, "external_event_id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	require.NoError(t, err)
	return &entry
}

// seedActive provisions an organization on the starter plan through the
// reconciler and returns its subscription id.
func (f *fixture) seedActive(t *testing.T) (string, uuid.UUID) {
	t.Helper()
	owner := uuid.New()
	subID := "sub_" + uuid.New().String()[:8]
	ev := subscriptionEvent(t, "evt_seed_"+subID, TypeSubscriptionCreated, subID, baseTime, subOpts{price: "price_starter", owner: owner})
	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	require.Equal(t, OutcomeProvisioned, outcome)
	f.sender.reqs = nil
	return subID, owner
}

func TestProcess_ProvisionsOrganization(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()

	ev := subscriptionEvent(t, "evt_1", TypeSubscriptionCreated, "sub_1", baseTime, subOpts{
		price:    "price_starter",
		owner:    owner,
		orgName:  "Harbor Rentals",
		customer: "cus_1",
	})

	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProvisioned, outcome)

	var org models.Organization
	require.NoError(t, f.db.First(&org, "owner_user_id = ?", owner).Error)
	assert.Equal(t, models.OrgStatusIdle, org.Status)
	assert.Equal(t, "Harbor Rentals", org.Name)
	assert.Contains(t, org.Slug, "harbor-rentals-")

	var member models.OrgMembership
	require.NoError(t, f.db.First(&member, "organization_id = ? AND user_id = ?", org.ID, owner).Error)
	assert.Equal(t, models.RoleOwner, member.Role)

	snap := f.snapshot(t, "sub_1")
	assert.Equal(t, org.ID, snap.OrganizationID)
	assert.Equal(t, "starter", snap.PlanSlug)
	assert.Equal(t, starterLimits, snap.Limits)
	assert.Equal(t, models.SubscriptionActive, snap.Status)
	assert.Equal(t, "cus_1", snap.ExternalCustomerID)
	assert.Equal(t, 1, snap.Usage.CurrentMembers)
	assert.True(t, snap.LastAppliedEventAt.Equal(baseTime))
	require.NotNil(t, snap.PeriodEnd)
	assert.True(t, snap.PeriodEnd.Equal(baseTime.AddDate(0, 1, 0)))

	entry := f.ledger(t, "evt_1")
	require.NotNil(t, entry)
	assert.Equal(t, string(OutcomeProvisioned), entry.Outcome)

	assert.Equal(t, []notify.Kind{notify.KindSubscriptionStarted}, f.sender.kinds())
	assert.Equal(t, owner, f.sender.reqs[0].OwnerUserID)
}

func TestProcess_AttachesToExistingOrganization(t *testing.T) {
	f := newFixture(t)
	org := testutil.CreateTestOrg(t, f.db, models.OrgStatusOnboarding)

	ev := subscriptionEvent(t, "evt_1", TypeSubscriptionCreated, "sub_1", baseTime, subOpts{price: "price_growth", owner: org.OwnerUserID})
	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProvisioned, outcome)

	snap := f.snapshot(t, "sub_1")
	assert.Equal(t, org.ID, snap.OrganizationID)
	assert.Equal(t, "growth", snap.PlanSlug)

	var count int64
	require.NoError(t, f.db.Model(&models.Organization{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var stored models.Organization
	require.NoError(t, f.db.First(&stored, "id = ?", org.ID).Error)
	assert.Equal(t, models.OrgStatusOnboarding, stored.Status)
}

func TestProcess_CreatedWithoutPriceUsesDefaultPlan(t *testing.T) {
	f := newFixture(t)

	ev := subscriptionEvent(t, "evt_1", TypeSubscriptionCreated, "sub_1", baseTime, subOpts{owner: uuid.New(), status: "trialing"})
	_, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)

	snap := f.snapshot(t, "sub_1")
	assert.Equal(t, entitlement.DefaultPlanSlug, snap.PlanSlug)
	assert.Equal(t, entitlement.DefaultLimits, snap.Limits)
	assert.Equal(t, models.SubscriptionTrialing, snap.Status)
}

func TestProcess_Resubscription(t *testing.T) {
	f := newFixture(t)
	oldSub, owner := f.seedActive(t)

	_, err := f.rec.Process(f.ctx, subscriptionEvent(t, "evt_del", TypeSubscriptionDeleted, oldSub, baseTime.Add(time.Hour), subOpts{}))
	require.NoError(t, err)

	ev := subscriptionEvent(t, "evt_new", TypeSubscriptionCreated, "sub_new", baseTime.Add(2*time.Hour), subOpts{price: "price_growth", owner: owner})
	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	snap := f.snapshot(t, "sub_new")
	assert.Equal(t, "growth", snap.PlanSlug)
	assert.Equal(t, models.SubscriptionActive, snap.Status)

	gone, err := f.store.FindBySubscription(f.db, oldSub)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestProcess_Idempotent(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	ev := subscriptionEvent(t, "evt_upd", TypeSubscriptionUpdated, subID, baseTime.Add(time.Hour), subOpts{price: "price_growth"})

	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	after := f.snapshot(t, subID)

	for i := 0; i < 3; i++ {
		outcome, err = f.rec.Process(f.ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	again := f.snapshot(t, subID)
	assert.Equal(t, after.Version, again.Version)
	assert.Equal(t, after.Limits, again.Limits)
	assert.Len(t, f.sender.reqs, 1)
}

func TestProcess_DuplicateInvoiceRecordsOnePayment(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	ev := invoiceEvent(t, "evt_pay", TypeInvoicePaymentSucceeded, subID, baseTime.Add(time.Hour), 2900)
	_, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	_, err = f.rec.Process(f.ctx, ev)
	require.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Model(&models.PaymentRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

// A plan upgrade replaces the whole limits block in one write.
func TestProcess_PlanChange(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)
	before := f.snapshot(t, subID)
	assert.Equal(t, 1, before.Limits.MaxMembers)

	ev := subscriptionEvent(t, "evt_upgrade", TypeSubscriptionUpdated, subID, baseTime.Add(time.Hour), subOpts{price: "price_growth"})
	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	after := f.snapshot(t, subID)
	assert.Equal(t, "growth", after.PlanSlug)
	assert.Equal(t, growthLimits, after.Limits)
	assert.Equal(t, 5, after.Limits.MaxMembers)
	assert.Equal(t, before.Version+1, after.Version)
	assert.True(t, after.LimitsSyncedAt.Equal(f.rec.now()))
	assert.Equal(t, []notify.Kind{notify.KindPlanChanged}, f.sender.kinds())
}

func TestProcess_PlanChangeRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)
	before := f.snapshot(t, subID)

	const callback = "test:fail_snapshot_write"
	require.NoError(t, f.db.Callback().Update().After("gorm:update").Register(callback, func(tx *gorm.DB) {
		if tx.Statement.Table == "entitlement_snapshots" {
			tx.AddError(errors.New("induced failure"))
		}
	}))

	ev := subscriptionEvent(t, "evt_upgrade", TypeSubscriptionUpdated, subID, baseTime.Add(time.Hour), subOpts{price: "price_growth"})
	_, err := f.rec.Process(f.ctx, ev)
	require.Error(t, err)

	after := f.snapshot(t, subID)
	assert.Equal(t, before.PlanSlug, after.PlanSlug)
	assert.Equal(t, before.Limits, after.Limits)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, after.LastAppliedEventAt.Equal(before.LastAppliedEventAt))
	assert.Nil(t, f.ledger(t, "evt_upgrade"))
	assert.Empty(t, f.sender.reqs)

	require.NoError(t, f.db.Callback().Update().Remove(callback))

	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "growth", f.snapshot(t, subID).PlanSlug)
}

func TestProcess_OutOfOrder(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	newer := subscriptionEvent(t, "evt_newer", TypeSubscriptionUpdated, subID, baseTime.Add(2*time.Hour), subOpts{price: "price_growth"})
	older := subscriptionEvent(t, "evt_older", TypeSubscriptionUpdated, subID, baseTime.Add(time.Hour), subOpts{price: "price_starter", status: "past_due"})

	outcome, err := f.rec.Process(f.ctx, newer)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = f.rec.Process(f.ctx, older)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)

	snap := f.snapshot(t, subID)
	assert.Equal(t, "growth", snap.PlanSlug)
	assert.Equal(t, models.SubscriptionActive, snap.Status)
	assert.True(t, snap.LastAppliedEventAt.Equal(newer.Timestamp))

	entry := f.ledger(t, "evt_older")
	require.NotNil(t, entry)
	assert.Equal(t, string(OutcomeStale), entry.Outcome)
}

func TestProcess_EqualTimestampIsStale(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	ev := subscriptionEvent(t, "evt_same", TypeSubscriptionUpdated, subID, baseTime, subOpts{price: "price_growth"})
	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, "starter", f.snapshot(t, subID).PlanSlug)
}

func TestProcess_PaymentFailedThenSucceeded(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	outcome, err := f.rec.Process(f.ctx, invoiceEvent(t, "evt_fail", TypeInvoicePaymentFailed, subID, baseTime.Add(time.Hour), 2900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.SubscriptionPastDue, f.snapshot(t, subID).Status)

	outcome, err = f.rec.Process(f.ctx, invoiceEvent(t, "evt_ok", TypeInvoicePaymentSucceeded, subID, baseTime.Add(2*time.Hour), 2900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.SubscriptionActive, f.snapshot(t, subID).Status)

	var records []models.PaymentRecord
	require.NoError(t, f.db.Order("occurred_at").Find(&records).Error)
	require.Len(t, records, 2)
	assert.False(t, records[0].Succeeded)
	assert.True(t, records[1].Succeeded)
	assert.Equal(t, "eur", records[1].Currency)
	assert.Equal(t, int64(2900), records[1].AmountCents)

	assert.Equal(t, []notify.Kind{notify.KindPaymentFailed, notify.KindPaymentSucceeded}, f.sender.kinds())
}

func TestProcess_StalePaymentStillRecorded(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	_, err := f.rec.Process(f.ctx, invoiceEvent(t, "evt_ok", TypeInvoicePaymentSucceeded, subID, baseTime.Add(2*time.Hour), 2900))
	require.NoError(t, err)

	outcome, err := f.rec.Process(f.ctx, invoiceEvent(t, "evt_fail_late", TypeInvoicePaymentFailed, subID, baseTime.Add(-time.Hour), 2900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
	assert.Equal(t, models.SubscriptionActive, f.snapshot(t, subID).Status)

	var count int64
	require.NoError(t, f.db.Model(&models.PaymentRecord{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestProcess_PaymentFailedKeepsTerminalStatus(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	_, err := f.rec.Process(f.ctx, subscriptionEvent(t, "evt_del", TypeSubscriptionDeleted, subID, baseTime.Add(time.Hour), subOpts{}))
	require.NoError(t, err)

	outcome, err := f.rec.Process(f.ctx, invoiceEvent(t, "evt_fail", TypeInvoicePaymentFailed, subID, baseTime.Add(2*time.Hour), 2900))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, outcome)
	assert.Equal(t, models.SubscriptionCanceled, f.snapshot(t, subID).Status)
}

func TestProcess_Deleted(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	outcome, err := f.rec.Process(f.ctx, subscriptionEvent(t, "evt_del", TypeSubscriptionDeleted, subID, baseTime.Add(time.Hour), subOpts{}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	snap := f.snapshot(t, subID)
	assert.Equal(t, models.SubscriptionCanceled, snap.Status)
	require.NotNil(t, snap.PeriodEnd)
	assert.True(t, snap.PeriodEnd.Equal(f.rec.now()))
	assert.Equal(t, "starter", snap.PlanSlug)
	assert.Equal(t, []notify.Kind{notify.KindSubscriptionCanceled}, f.sender.kinds())
}

func TestProcess_NotificationOnly(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)
	before := f.snapshot(t, subID)

	for i, typ := range []EventType{TypeSubscriptionTrialWillEnd, TypeInvoiceUpcoming, TypeInvoiceFinalized} {
		var ev Event
		if typ == TypeSubscriptionTrialWillEnd {
			ev = subscriptionEvent(t, "evt_trial", typ, subID, baseTime.Add(-time.Hour), subOpts{status: "trialing"})
		} else {
			ev = invoiceEvent(t, "evt_inv_"+string(rune('a'+i)), typ, subID, baseTime.Add(-time.Hour), 2900)
		}

		outcome, err := f.rec.Process(f.ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNotified, outcome, typ)
	}

	after := f.snapshot(t, subID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, []notify.Kind{notify.KindTrialEnding, notify.KindInvoiceUpcoming, notify.KindInvoiceFinalized}, f.sender.kinds())
}

func TestProcess_NotificationOnlyWithoutTarget(t *testing.T) {
	f := newFixture(t)

	ev := invoiceEvent(t, "evt_upcoming", TypeInvoiceUpcoming, "sub_unknown", baseTime, 100)
	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	require.NotNil(t, f.ledger(t, "evt_upcoming"))
	assert.Empty(t, f.sender.reqs)
}

func TestProcess_NotFoundIsReplayable(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()

	update := subscriptionEvent(t, "evt_upd", TypeSubscriptionUpdated, "sub_late", baseTime.Add(time.Hour), subOpts{price: "price_growth"})
	_, err := f.rec.Process(f.ctx, update)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	var nf *apperr.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "sub_late", nf.Ref)
	assert.Nil(t, f.ledger(t, "evt_upd"))

	created := subscriptionEvent(t, "evt_create", TypeSubscriptionCreated, "sub_late", baseTime, subOpts{price: "price_starter", owner: owner})
	_, err = f.rec.Process(f.ctx, created)
	require.NoError(t, err)

	outcome, err := f.rec.Process(f.ctx, update)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "growth", f.snapshot(t, "sub_late").PlanSlug)
}

func TestProcess_Validation(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()

	valid := subscriptionEvent(t, "evt_v", TypeSubscriptionCreated, "sub_v", baseTime, subOpts{owner: owner})

	tests := []struct {
		name   string
		mutate func(ev *Event)
	}{
		{"missing id", func(ev *Event) { ev.ID = "" }},
		{"unknown type", func(ev *Event) { ev.Type = "customer.created" }},
		{"missing object ref", func(ev *Event) { ev.ObjectRef = "" }},
		{"missing timestamp", func(ev *Event) { ev.Timestamp = time.Time{} }},
		{"undecodable payload", func(ev *Event) { ev.Payload = json.RawMessage(`{"id":`) }},
		{"mismatched object ref", func(ev *Event) { ev.ObjectRef = "sub_other" }},
		{"unknown status", func(ev *Event) {
			ev.Payload = json.RawMessage(`{"id":"sub_v","status":"melted","metadata":{"owner_user_id":"` + owner.String() + `"}}`)
		}},
		{"missing owner", func(ev *Event) { ev.Payload = json.RawMessage(`{"id":"sub_v","status":"active"}`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)

			_, err := f.rec.Process(f.ctx, ev)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}

	var count int64
	require.NoError(t, f.db.Model(&models.ProcessedEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestProcess_UnknownPriceIsNotFound(t *testing.T) {
	f := newFixture(t)

	ev := subscriptionEvent(t, "evt_1", TypeSubscriptionCreated, "sub_1", baseTime, subOpts{price: "price_gone", owner: uuid.New()})
	_, err := f.rec.Process(f.ctx, ev)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Nil(t, f.ledger(t, "evt_1"))
}

func TestProcess_RetriesLostWriteRace(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	// Bump the version under the reconciler once, as a concurrent writer would.
	fired := false
	const callback = "test:concurrent_writer"
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register(callback, func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "entitlement_snapshots" {
			return
		}
		fired = true
		tx.Session(&gorm.Session{NewDB: true}).Exec("UPDATE entitlement_snapshots SET version = version + 1")
	}))
	defer func() { _ = f.db.Callback().Update().Remove(callback) }()

	ev := subscriptionEvent(t, "evt_upgrade", TypeSubscriptionUpdated, subID, baseTime.Add(time.Hour), subOpts{price: "price_growth"})
	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.True(t, fired)

	snap := f.snapshot(t, subID)
	assert.Equal(t, "growth", snap.PlanSlug)
	assert.Equal(t, int64(2), snap.Version)
}

func TestProcess_NotificationFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)
	f.sender.err = errors.New("queue down")

	outcome, err := f.rec.Process(f.ctx, subscriptionEvent(t, "evt_del", TypeSubscriptionDeleted, subID, baseTime.Add(time.Hour), subOpts{}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, models.SubscriptionCanceled, f.snapshot(t, subID).Status)
}

func TestPruneLedger(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	_, err := f.rec.Process(f.ctx, invoiceEvent(t, "evt_pay", TypeInvoicePaymentSucceeded, subID, baseTime.Add(time.Hour), 100))
	require.NoError(t, err)

	removed, err := f.rec.PruneLedger(f.ctx, f.rec.now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	seen, err := f.rec.IsProcessed(f.ctx, "evt_pay")
	require.NoError(t, err)
	assert.False(t, seen)

	// Replaying a pruned event is caught by the staleness guard.
	outcome, err := f.rec.Process(f.ctx, subscriptionEvent(t, "evt_seed_"+subID, TypeSubscriptionCreated, subID, baseTime, subOpts{price: "price_starter", owner: uuid.New()}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
}

func TestApply_LedgerInsertClosesDuplicateRace(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)

	ev := invoiceEvent(t, "evt_pay", TypeInvoicePaymentSucceeded, subID, baseTime.Add(time.Hour), 2900)
	d, err := decode(ev)
	require.NoError(t, err)

	// Both deliveries passed the ledger fast path; the second one must lose
	// on the ledger insert inside its transaction.
	res, err := f.rec.apply(f.ctx, d, nil, f.rec.logger)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.outcome)

	_, err = f.rec.apply(f.ctx, d, nil, f.rec.logger)
	assert.ErrorIs(t, err, errDuplicate)

	var payments int64
	require.NoError(t, f.db.Model(&models.PaymentRecord{}).Count(&payments).Error)
	assert.Equal(t, int64(1), payments)
}

func TestProcess_ProvisionRetriesLostOwnerRace(t *testing.T) {
	f := newFixture(t)
	owner := uuid.New()

	// Another delivery creates the owner's organization between the owner
	// lookup and the insert.
	fired := false
	const callback = "test:rival_organization"
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register(callback, func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "organizations" {
			return
		}
		fired = true
		rival := models.Organization{Name: "Rival", Slug: util.UniqueSlug("rival"), OwnerUserID: owner, Status: models.OrgStatusIdle, Version: 1}
		tx.Session(&gorm.Session{NewDB: true}).Create(&rival)
	}))
	defer func() { _ = f.db.Callback().Create().Remove(callback) }()

	ev := subscriptionEvent(t, "evt_1", TypeSubscriptionCreated, "sub_1", baseTime, subOpts{price: "price_starter", owner: owner, orgName: "Harbor"})
	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Contains(t, []Outcome{OutcomeProvisioned, OutcomeApplied}, outcome)

	var orgs []models.Organization
	require.NoError(t, f.db.Where("owner_user_id = ?", owner).Find(&orgs).Error)
	require.Len(t, orgs, 1)
	assert.Equal(t, orgs[0].ID, f.snapshot(t, "sub_1").OrganizationID)

	entry := f.ledger(t, "evt_1")
	require.NotNil(t, entry)
}

func TestProcess_ProvisionCarriesDefaultUsage(t *testing.T) {
	f := newFixture(t)
	org := testutil.CreateTestOrg(t, f.db, models.OrgStatusActive)
	require.NoError(t, f.store.AdjustUsage(f.ctx, org.ID, entitlement.UsageListings, 1))
	require.NoError(t, f.store.AdjustUsage(f.ctx, org.ID, entitlement.UsageImages, 3))

	ev := subscriptionEvent(t, "evt_1", TypeSubscriptionCreated, "sub_1", baseTime, subOpts{price: "price_growth", owner: org.OwnerUserID})
	outcome, err := f.rec.Process(f.ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProvisioned, outcome)

	snap := f.snapshot(t, "sub_1")
	assert.Equal(t, 1, snap.Usage.CurrentListings)
	assert.Equal(t, 3, snap.Usage.CurrentTotalImages)
	assert.Equal(t, 1, snap.Usage.CurrentMembers)

	var leftover int64
	require.NoError(t, f.db.Model(&models.DefaultUsage{}).Count(&leftover).Error)
	assert.Zero(t, leftover)

	// The growth allowance applies from now on
	require.NoError(t, f.store.AdjustUsage(f.ctx, org.ID, entitlement.UsageListings, 5))
}

func TestProcess_DeletedKeepsCancelAtPeriodEnd(t *testing.T) {
	f := newFixture(t)
	subID, _ := f.seedActive(t)
	require.NoError(t, f.db.Model(&models.EntitlementSnapshot{}).
		Where("external_subscription_id = ?", subID).
		Update("cancel_at_period_end", true).Error)

	outcome, err := f.rec.Process(f.ctx, subscriptionEvent(t, "evt_del", TypeSubscriptionDeleted, subID, baseTime.Add(time.Hour), subOpts{}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	snap := f.snapshot(t, subID)
	assert.Equal(t, models.SubscriptionCanceled, snap.Status)
	assert.True(t, snap.CancelAtPeriodEnd)
}
