//go:build ignore

package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/hugh/tenantgate/internal/auth"
	"github.com/hugh/tenantgate/internal/catalog"
	"github.com/hugh/tenantgate/internal/database"
	"github.com/hugh/tenantgate/internal/database/models"
	"github.com/hugh/tenantgate/pkg/config"
	"github.com/hugh/tenantgate/pkg/util"
	"github.com/joho/godotenv"
)

// Development catalog.
var plans = []struct {
	plan   catalog.Plan
	prices []string
}{
	{
		plan: catalog.Plan{Slug: "starter", Name: "Starter", Limits: models.PlanLimits{
			MaxListings: 10, MaxMembers: 2, MaxImagesPerListing: 10,
			ListingOverageCents: 200,
		}},
		prices: []string{"price_starter_monthly", "price_starter_yearly"},
	},
	{
		plan: catalog.Plan{Slug: "growth", Name: "Growth", Limits: models.PlanLimits{
			MaxListings: 50, MaxFeaturedListings: 5, MaxMembers: 10, MaxImagesPerListing: 25, MaxVideosPerListing: 2,
			HasAnalytics: true, ListingOverageCents: 150, FeaturedListingOverageCents: 500, MemberOverageCents: 900,
		}},
		prices: []string{"price_growth_monthly", "price_growth_yearly"},
	},
	{
		plan: catalog.Plan{Slug: "scale", Name: "Scale", Limits: models.PlanLimits{
			MaxListings: 500, MaxFeaturedListings: 50, MaxMembers: 50, MaxImagesPerListing: 50, MaxVideosPerListing: 10,
			HasAnalytics: true, ListingOverageCents: 100, FeaturedListingOverageCents: 300, MemberOverageCents: 700,
		}},
		prices: []string{"price_scale_monthly", "price_scale_yearly"},
	},
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Server.Env)

	db, err := database.Connect(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	// Run migrations
	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	ctx := context.Background()
	c := catalog.New(db, nil, 0, logger)
	for _, p := range plans {
		if err := c.SavePlan(ctx, p.plan, p.prices...); err != nil {
			log.Fatalf("failed to save plan %s: %v", p.plan.Slug, err)
		}
		fmt.Printf("Plan %s saved\n", p.plan.Slug)
	}

	// Operator token for the /admin routes
	email := os.Getenv("OPERATOR_EMAIL")
	if email == "" {
		email = "ops@example.com"
	}
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Expiry())
	token, err := jwtService.GenerateToken(uuid.New(), email, auth.ScopeOperator)
	if err != nil {
		log.Fatalf("failed to issue operator token: %v", err)
	}

	fmt.Printf("Operator: %s\n", email)
	fmt.Printf("Token: %s\n", token)
}
