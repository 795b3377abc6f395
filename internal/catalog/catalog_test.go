package catalog

import (
	"testing"
	"time"

	"github.com/hugh/tenantgate/internal/apperr"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/internal/testutil"
	"github.com/hugh/tenantgate/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var growthLimits = models.PlanLimits{MaxListings: 10, MaxMembers: 5, HasAnalytics: true}

func TestCatalog_ResolvePlan(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)
	ctx := testutil.TestContext(t)

	testutil.CreateTestPlan(t, db, "growth", growthLimits, "price_growth_monthly", "price_growth_yearly")
	c := New(db, nil, time.Minute, util.NewQuietLogger())

	t.Run("by price reference", func(t *testing.T) {
		plan, err := c.ResolvePlan(ctx, "price_growth_yearly")
		require.NoError(t, err)
		assert.Equal(t, "growth", plan.Slug)
		assert.Equal(t, growthLimits, plan.Limits)
	})

	t.Run("by slug", func(t *testing.T) {
		plan, err := c.ResolvePlan(ctx, "growth")
		require.NoError(t, err)
		assert.Equal(t, "growth", plan.Slug)
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, err := c.ResolvePlan(ctx, "price_unknown")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("empty reference", func(t *testing.T) {
		_, err := c.ResolvePlan(ctx, "  ")
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})
}

func TestCatalog_CachesUntilTTL(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)
	ctx := testutil.TestContext(t)

	testutil.CreateTestPlan(t, db, "growth", growthLimits, "price_growth")
	c := New(db, nil, time.Minute, util.NewQuietLogger())
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.ResolvePlan(ctx, "price_growth")
	require.NoError(t, err)

	// Edit the catalog behind the cache's back.
	require.NoError(t, db.Model(&models.Plan{}).Where("slug = ?", "growth").Update("limit_max_members", 50).Error)

	plan, err := c.ResolvePlan(ctx, "price_growth")
	require.NoError(t, err)
	assert.Equal(t, 5, plan.Limits.MaxMembers)

	now = now.Add(2 * time.Minute)
	plan, err = c.ResolvePlan(ctx, "price_growth")
	require.NoError(t, err)
	assert.Equal(t, 50, plan.Limits.MaxMembers)
}

func TestCatalog_SavePlan(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)
	ctx := testutil.TestContext(t)

	c := New(db, nil, time.Minute, util.NewQuietLogger())

	require.NoError(t, c.SavePlan(ctx, Plan{Slug: "starter", Name: "Starter", Limits: models.PlanLimits{MaxListings: 3, MaxMembers: 1}}, "price_starter"))

	plan, err := c.ResolvePlan(ctx, "price_starter")
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Limits.MaxListings)

	// Re-saving updates limits, moves the price and flushes the cache.
	require.NoError(t, c.SavePlan(ctx, Plan{Slug: "growth", Name: "Growth", Limits: growthLimits}, "price_starter"))

	plan, err = c.ResolvePlan(ctx, "price_starter")
	require.NoError(t, err)
	assert.Equal(t, "growth", plan.Slug)

	var count int64
	require.NoError(t, db.Model(&models.PlanPrice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	err = c.SavePlan(ctx, Plan{Name: "nameless"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
