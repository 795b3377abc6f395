package access

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/entitlement"
	"github.com/hugh/tenantgate/internal/testutil"
	"github.com/hugh/tenantgate/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allRoles = []models.MemberRole{models.RoleOwner, models.RoleAdmin, models.RoleManager, models.RoleMember}

func snapshotView(limits models.PlanLimits) entitlement.View {
	return entitlement.View{
		Source:     entitlement.SourceSnapshot,
		SnapshotID: uuid.New(),
		Version:    3,
		PlanSlug:   "growth",
		Status:     models.SubscriptionActive,
		Limits:     limits,
	}
}

var growth = models.PlanLimits{MaxListings: 10, MaxMembers: 5, HasAnalytics: true}

func TestResolve_OnboardingOwner(t *testing.T) {
	d := Resolve(Org{Status: models.OrgStatusOnboarding}, entitlement.Default(uuid.New()), models.RoleOwner)

	assert.Equal(t, []string{"onboarding"}, d.Capabilities.Names())
	assert.Equal(t, Verdict{RedirectTo: "/onboarding"}, d.Guard("/listings"))
	assert.Equal(t, Verdict{Allow: true}, d.Guard("/onboarding/step-2"))
	assert.Equal(t, Verdict{RedirectTo: "/onboarding"}, d.Guard("/overview"))
}

func TestResolve_SuspendedIgnoresEntitlement(t *testing.T) {
	org := Org{Status: models.OrgStatusSuspended, Reason: "chargebacks"}
	views := []entitlement.View{
		entitlement.Default(uuid.New()),
		snapshotView(growth),
		snapshotView(models.PlanLimits{MaxMembers: -1, HasAnalytics: true}),
	}

	for _, role := range allRoles {
		first := Resolve(org, views[0], role)
		for _, v := range views[1:] {
			assert.Equal(t, first, Resolve(org, v, role))
		}

		assert.Equal(t, CapOverview, first.Capabilities)
		assert.Equal(t, Verdict{Allow: true}, first.Guard("/overview"))

		v := first.Guard("/listings")
		assert.False(t, v.Allow)
		assert.Equal(t, "/status?reason=chargebacks&state=suspended", v.RedirectTo)
	}
}

func TestResolve_ArchivedWithoutReason(t *testing.T) {
	d := Resolve(Org{Status: models.OrgStatusArchived}, snapshotView(growth), models.RoleOwner)
	assert.Equal(t, "/status?state=archived", d.Guard("/team").RedirectTo)
	assert.True(t, d.Guard("/status").Allow)
}

func TestResolve_Pending(t *testing.T) {
	owner := Resolve(Org{Status: models.OrgStatusPending}, entitlement.Default(uuid.New()), models.RoleOwner)
	assert.Equal(t, []string{"overview", "organization-profile", "subscription"}, owner.Capabilities.Names())

	admin := Resolve(Org{Status: models.OrgStatusPending}, entitlement.Default(uuid.New()), models.RoleAdmin)
	assert.Equal(t, []string{"overview", "organization-profile"}, admin.Capabilities.Names())
	assert.Equal(t, Verdict{RedirectTo: "/overview"}, admin.Guard("/subscription"))
}

func TestResolve_Rejected(t *testing.T) {
	d := Resolve(Org{Status: models.OrgStatusRejected, Reason: "missing licence"}, entitlement.Default(uuid.New()), models.RoleOwner)
	assert.Equal(t, []string{"overview", "organization-profile", "subscription", "fix-application"}, d.Capabilities.Names())
	assert.True(t, d.Guard("/fix-application").Allow)
	assert.Equal(t, "missing licence", d.Reason)
}

func TestResolve_Active(t *testing.T) {
	tests := []struct {
		name   string
		role   models.MemberRole
		limits models.PlanLimits
		want   []string
	}{
		{
			name:   "owner on growth",
			role:   models.RoleOwner,
			limits: growth,
			want:   []string{"overview", "organization-profile", "subscription", "listings", "bookings", "analytics", "team", "payouts"},
		},
		{
			name:   "admin on growth",
			role:   models.RoleAdmin,
			limits: growth,
			want:   []string{"overview", "organization-profile", "listings", "bookings", "analytics", "team"},
		},
		{
			name:   "manager on growth",
			role:   models.RoleManager,
			limits: growth,
			want:   []string{"overview", "organization-profile", "listings", "bookings"},
		},
		{
			name:   "member on growth",
			role:   models.RoleMember,
			limits: growth,
			want:   []string{"overview", "organization-profile", "listings", "bookings"},
		},
		{
			name:   "admin on single seat plan",
			role:   models.RoleAdmin,
			limits: models.PlanLimits{MaxMembers: 1},
			want:   []string{"overview", "organization-profile", "listings", "bookings"},
		},
		{
			name:   "admin with unlimited members",
			role:   models.RoleAdmin,
			limits: models.PlanLimits{MaxMembers: -1},
			want:   []string{"overview", "organization-profile", "listings", "bookings", "team"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(Org{Status: models.OrgStatusActive}, snapshotView(tt.limits), tt.role)
			assert.Equal(t, tt.want, d.Capabilities.Names())
		})
	}
}

func TestResolve_DefaultEntitlement(t *testing.T) {
	d := Resolve(Org{Status: models.OrgStatusActive}, entitlement.Default(uuid.New()), models.RoleOwner)

	assert.False(t, d.Has(CapAnalytics))
	assert.False(t, d.Has(CapTeam))
	assert.True(t, d.Has(CapListings))
	assert.Equal(t, Verdict{RedirectTo: "/overview"}, d.Guard("/analytics"))
}

// Upgrading starter to growth flips team on for admins.
func TestResolve_PlanUpgradeGrantsTeam(t *testing.T) {
	org := Org{Status: models.OrgStatusActive}
	starter := snapshotView(models.PlanLimits{MaxListings: 3, MaxMembers: 1})
	upgraded := starter
	upgraded.Version++
	upgraded.PlanSlug = "growth"
	upgraded.Limits = growth

	assert.False(t, Resolve(org, starter, models.RoleAdmin).Has(CapTeam))
	assert.True(t, Resolve(org, upgraded, models.RoleAdmin).Has(CapTeam))
}

func TestResolve_Pure(t *testing.T) {
	ent := snapshotView(growth)
	for _, status := range models.AllOrgStatuses {
		for _, role := range allRoles {
			org := Org{Status: status, Reason: "r"}
			assert.Equal(t, Resolve(org, ent, role), Resolve(org, ent, role))
		}
	}
}

func TestGuard_Routes(t *testing.T) {
	d := Resolve(Org{Status: models.OrgStatusActive}, snapshotView(growth), models.RoleOwner)

	assert.True(t, d.Guard("/listings/123/edit").Allow)
	assert.True(t, d.Guard("/Listings?page=2").Allow)
	assert.True(t, d.Guard("listings/").Allow)
	assert.False(t, d.Guard("/listingsx").Allow)
	assert.Equal(t, "/overview", d.Guard("/unknown").RedirectTo)
	assert.True(t, d.Guard("/status").Allow)
}

func TestMemo(t *testing.T) {
	m := NewMemo(2)
	org := Org{Status: models.OrgStatusActive}
	ent := snapshotView(growth)

	first := m.Resolve(org, ent, models.RoleOwner)
	assert.Equal(t, Resolve(org, ent, models.RoleOwner), first)
	assert.Equal(t, first, m.Resolve(org, ent, models.RoleOwner))
	assert.Equal(t, 1, m.Len())

	bumped := ent
	bumped.Version++
	bumped.Limits = models.PlanLimits{MaxMembers: 1}
	assert.False(t, m.Resolve(org, bumped, models.RoleOwner).Has(CapTeam))
	assert.Equal(t, 2, m.Len())

	m.Resolve(org, ent, models.RoleAdmin)
	assert.Equal(t, 0, m.Len())
}

func TestAssembler_Assemble(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)
	ctx := testutil.TestContext(t)
	logger := util.NewQuietLogger()
	assembler := NewAssembler(db, entitlement.NewStore(db, logger), NewMemo(0), logger)

	t.Run("without snapshot uses the default entitlement", func(t *testing.T) {
		org := testutil.CreateTestOrg(t, db, models.OrgStatusActive)

		s, err := assembler.Assemble(ctx, org.OwnerUserID, uuid.Nil)
		require.NoError(t, err)
		assert.Equal(t, entitlement.SourceDefault, s.Entitlement.Source)
		assert.Equal(t, models.RoleOwner, s.Role)
		assert.Equal(t, org.ID, s.Organization.ID)
		assert.False(t, s.Decision.Has(CapTeam))
		assert.True(t, s.Decision.Has(CapPayouts))
	})

	t.Run("with snapshot", func(t *testing.T) {
		org := testutil.CreateTestOrg(t, db, models.OrgStatusActive)
		testutil.CreateTestSnapshot(t, db, org, "growth", growth)
		admin := uuid.New()
		testutil.CreateTestMember(t, db, org, admin, models.RoleAdmin)

		s, err := assembler.Assemble(ctx, admin, org.ID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.SourceSnapshot, s.Entitlement.Source)
		assert.Equal(t, models.RoleAdmin, s.Role)
		assert.True(t, s.Decision.Has(CapTeam))
		assert.True(t, s.Decision.Has(CapAnalytics))
		assert.False(t, s.Decision.Has(CapPayouts))
		assert.True(t, s.Guard("/team").Allow)
	})

	t.Run("suspended organization", func(t *testing.T) {
		org := testutil.CreateTestOrg(t, db, models.OrgStatusSuspended)
		require.NoError(t, db.Model(org).Update("ban_reason", "fraud").Error)

		s, err := assembler.Assemble(ctx, org.OwnerUserID, uuid.Nil)
		require.NoError(t, err)
		assert.Equal(t, "/status?reason=fraud&state=suspended", s.Guard("/bookings").RedirectTo)
	})

	t.Run("not a member", func(t *testing.T) {
		_, err := assembler.Assemble(ctx, uuid.New(), uuid.Nil)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("member of another organization", func(t *testing.T) {
		org := testutil.CreateTestOrg(t, db, models.OrgStatusActive)
		other := testutil.CreateTestOrg(t, db, models.OrgStatusActive)

		_, err := assembler.Assemble(ctx, org.OwnerUserID, other.ID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}
